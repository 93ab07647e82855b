package main

import (
	"github.com/urfave/cli/v2"

	"github.com/warptools/warpstore/cmd/warpstore/internal/util"
	"github.com/warptools/warpstore/pkg/config"
	"github.com/warptools/warpstore/pkg/healthcheck"
	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/wsapi"
)

var healthCmdDef = cli.Command{
	Name:   "health",
	Usage:  "Check the data directory, backends and default remote",
	Action: action(cmdHealth),
}

func cmdHealth(c *cli.Context) error {
	log := logging.Ctx(c.Context)
	state, err := config.NewState()
	if err != nil {
		return err
	}
	hc := &healthcheck.HealthCheck{
		Runners: []healthcheck.Runner{
			&healthcheck.KernelInfo{},
			&healthcheck.DirCheck{Name: "Data directory", Path: config.Directory(state)},
		},
	}
	local, openErr := util.OpenLocal(c.Context, state)
	if openErr != nil {
		log.Warn("", "opening backends: %s", openErr)
	} else {
		defer local.Close(c.Context)
		hc.Runners = append(hc.Runners,
			&healthcheck.DirCheck{Name: "Cache directory", Path: local.Store.CacheDir(), Optional: true},
			&healthcheck.StoreCheck{Store: local.Store},
			&healthcheck.IndexCheck{Index: local.Index},
		)
	}
	hc.Runners = append(hc.Runners, &healthcheck.RemoteCheck{Addr: state.Env[config.EnvWarpstoreRemote]})

	if err := hc.Run(c.Context); err != nil {
		log.Info("", "health check critical error: %s", err)
		return err
	}
	log.Debug("", "runners=%d, results=%d", len(hc.Runners), len(hc.Results))
	if err := hc.Fprint(c.App.Writer); err != nil {
		return err
	}
	if openErr != nil {
		return openErr
	}
	if hc.Failed() {
		return wsapi.ErrorInvalid("health check failed")
	}
	return nil
}
