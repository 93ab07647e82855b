package util

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/warptools/warpstore/pkg/config"
	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/wsapi"
)

// Local is the store and index configured by the environment.
type Local struct {
	Store *store.Store
	Index *index.Index
}

// OpenLocal opens the store and index named by state.
//
// Errors:
//
//   - warpstore-error-config -- when a backend setting doesn't parse
//   - warpstore-error-io -- when the data directory can't be created
//   - warpstore-error-backend -- when a backend can't be opened
func OpenLocal(ctx context.Context, state config.State) (Local, error) {
	dir := config.Directory(state)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Local{}, wsapi.ErrorIo("create data directory", dir, err)
	}
	scfg, err := config.StoreConfig(state)
	if err != nil {
		return Local{}, err
	}
	icfg, err := config.IndexConfig(state)
	if err != nil {
		return Local{}, err
	}
	s, err := store.Open(ctx, scfg, config.CacheDir(state))
	if err != nil {
		return Local{}, err
	}
	idx, err := index.Open(ctx, icfg)
	if err != nil {
		s.Close()
		return Local{}, err
	}
	return Local{Store: s, Index: idx}, nil
}

// Close flushes and closes both, reporting the first failure.
func (l Local) Close(ctx context.Context) error {
	return errors.Join(l.Store.Flush(ctx), l.Store.Close(), l.Index.Close())
}

// ResolveReference accepts an item id or a tag known to the local index.
//
// Errors:
//
//   - warpstore-error-invalid -- when ref is neither an id nor a known tag
//   - warpstore-error-backend -- when the index fails
func ResolveReference(ctx context.Context, idx *index.Index, ref string) (wsapi.Item, error) {
	if it, err := wsapi.ParseItem(ref); err == nil {
		return it, nil
	}
	if _, err := wsapi.ParseTag(ref); err != nil {
		return wsapi.Item{}, wsapi.ErrorInvalid("reference is neither an id nor a tag", [2]string{"reference", ref})
	}
	it, err := idx.TryGetTag(ctx, ref)
	if err != nil {
		return wsapi.Item{}, err
	}
	if it == nil {
		return wsapi.Item{}, wsapi.ErrorInvalid("no such tag", [2]string{"reference", ref})
	}
	return *it, nil
}

// SyncFlags select what push, pull and sync follow below each reference.
var SyncFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "remote",
		Usage:    "Address of the peer: host:port, or unix:<path>",
		EnvVars:  []string{config.EnvWarpstoreRemote},
		Required: true,
	},
	&cli.BoolFlag{Name: "commands", Usage: "Follow process commands"},
	&cli.BoolFlag{Name: "errors", Usage: "Follow process errors"},
	&cli.BoolFlag{Name: "logs", Usage: "Follow process logs"},
	&cli.BoolFlag{Name: "outputs", Usage: "Follow process outputs"},
	&cli.BoolFlag{Name: "recursive", Usage: "Follow child processes"},
	&cli.BoolFlag{Name: "eager", Usage: "Have the sender push children without waiting to be asked"},
}

func SyncOptions(c *cli.Context) wsapi.SyncOptions {
	return wsapi.SyncOptions{
		Commands:  c.Bool("commands"),
		Errors:    c.Bool("errors"),
		Logs:      c.Bool("logs"),
		Outputs:   c.Bool("outputs"),
		Recursive: c.Bool("recursive"),
		Eager:     c.Bool("eager"),
	}
}
