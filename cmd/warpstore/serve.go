package main

import (
	"context"
	"errors"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/warptools/warpstore/cmd/warpstore/internal/util"
	"github.com/warptools/warpstore/pkg/config"
	"github.com/warptools/warpstore/pkg/syncer"
)

var serveCmdDef = cli.Command{
	Name:   "serve",
	Usage:  "Answer push and pull requests from peers",
	Action: action(cmdServe, util.CmdMiddlewareCancelOnInterrupt),
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "listen",
			Usage:    "Address to listen on: host:port, or unix:<path>",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "gc",
			Usage: "Also run garbage collection in the background",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "Pause between collection passes with --gc",
			Value: time.Hour,
		},
		&cli.Float64Flag{
			Name:  "rate",
			Usage: "Most collection batches per second; zero is unlimited",
		},
	},
}

func cmdServe(c *cli.Context) error {
	state, err := config.NewState()
	if err != nil {
		return err
	}
	local, err := util.OpenLocal(c.Context, state)
	if err != nil {
		return err
	}
	defer local.Close(context.Background())

	g, ctx := errgroup.WithContext(c.Context)
	srv := syncer.Server{Peer: syncer.Peer{Store: local.Store, Index: local.Index}}
	g.Go(func() error { return srv.ListenAndServe(ctx, c.String("listen")) })
	if c.Bool("gc") {
		col, err := collector(c, local, state)
		if err != nil {
			return err
		}
		g.Go(func() error { return col.Run(ctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
