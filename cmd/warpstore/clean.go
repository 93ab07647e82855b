package main

import (
	"context"
	"errors"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/urfave/cli/v2"

	"github.com/warptools/warpstore/cmd/warpstore/internal/util"
	"github.com/warptools/warpstore/pkg/config"
	"github.com/warptools/warpstore/pkg/gc"
)

var cleanCmdDef = cli.Command{
	Name:  "clean",
	Usage: "Remove entries untouched for longer than the TTL",
	Description: heredoc.Docf(`
		The TTL comes from $%s unless --ttl is given.
		With --loop, cleans every --interval until interrupted.
	`, config.EnvWarpstoreTTL),
	Action: action(cmdClean, util.CmdMiddlewareCancelOnInterrupt),
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "ttl",
			Usage: "Override the configured TTL",
		},
		&cli.BoolFlag{
			Name:  "loop",
			Usage: "Keep cleaning until interrupted",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "Pause between passes with --loop",
			Value: time.Hour,
		},
		&cli.IntFlag{
			Name:  "batch-size",
			Usage: "Most entries removed per index transaction",
		},
		&cli.Float64Flag{
			Name:  "rate",
			Usage: "Most batches per second; zero is unlimited",
		},
	},
}

func collector(c *cli.Context, local util.Local, state config.State) (*gc.Collector, error) {
	cfg, err := config.GCConfig(state)
	if err != nil {
		return nil, err
	}
	if c.IsSet("ttl") {
		cfg.TTL = c.Duration("ttl")
	}
	if c.IsSet("batch-size") {
		cfg.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("rate") {
		cfg.RateLimit = c.Float64("rate")
	}
	cfg.Interval = c.Duration("interval")
	return gc.New(local.Store, local.Index, cfg), nil
}

func cmdClean(c *cli.Context) error {
	state, err := config.NewState()
	if err != nil {
		return err
	}
	local, err := util.OpenLocal(c.Context, state)
	if err != nil {
		return err
	}
	defer local.Close(c.Context)

	col, err := collector(c, local, state)
	if err != nil {
		return err
	}
	if c.Bool("loop") {
		err := col.Run(c.Context)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	res, err := col.Clean(c.Context)
	if err != nil {
		return err
	}
	return setResult(c, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "processes", qp.Int(int64(res.Processes)))
		qp.MapEntry(ma, "objects", qp.Int(int64(res.Objects)))
		qp.MapEntry(ma, "cacheEntries", qp.Int(int64(res.CacheEntries)))
		qp.MapEntry(ma, "storeDeleted", qp.Int(int64(res.StoreDeleted)))
	})
}
