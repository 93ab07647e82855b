package config

import (
	"maps"
	"os"
	"sync"

	"github.com/serum-errors/go-serum"

	"github.com/warptools/warpstore/wsapi"
)

/*
	State is read once at startup so that everything downstream of the CLI
	sees the same environment. Commands take a copy from NewState and derive
	backend configs from it; nothing below the CLI reads the environment itself.
*/

type State struct {
	// Env holds only the keys listed in envKeys that are set.
	Env           map[string]string
	HomeDirectory string
}

var (
	globalm sync.RWMutex
	global  State
	loadErr error
)

// ReloadGlobalState rereads the environment. Tests call it after changing variables.
//
// Errors:
//
//   - warpstore-error-initialization -- when the home directory can't be found
func ReloadGlobalState() error {
	env := make(map[string]string, len(envKeys))
	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		err = serum.Error(wsapi.ECodeInitialization,
			serum.WithMessageLiteral("unable to find user home directory"),
			serum.WithCause(err),
		)
	}

	globalm.Lock()
	defer globalm.Unlock()
	global = State{Env: env, HomeDirectory: home}
	loadErr = err
	return err
}

// NewState returns a copy of the global state that callers may modify freely.
//
// Errors:
//
//   - warpstore-error-initialization -- when the last load of the environment failed
func NewState() (State, error) {
	globalm.RLock()
	defer globalm.RUnlock()
	if loadErr != nil {
		return State{}, loadErr
	}
	return State{Env: maps.Clone(global.Env), HomeDirectory: global.HomeDirectory}, nil
}

func init() {
	// Failures surface from NewState.
	_ = ReloadGlobalState()
}
