package main

import (
	"bufio"
	"bytes"

	"github.com/MakeNowJust/heredoc"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/warptools/warpstore/cmd/warpstore/internal/util"
	"github.com/warptools/warpstore/pkg/config"
	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/wsapi"
)

const LOG_TAG_INDEX = "│  index"

var indexCmdDef = cli.Command{
	Name:  "index",
	Usage: "Apply index messages and work off queued recomputations",
	Description: heredoc.Doc(`
		With --stdin, reads one JSON encoded message per line and applies them in batches.
		The recompute queue is then drained, up to --limit entries.
	`),
	Action: action(cmdIndex, util.CmdMiddlewareCancelOnInterrupt),
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "stdin",
			Usage: "Read messages from stdin",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Most queued recomputations to run; zero drains the queue",
		},
	},
}

func cmdIndex(c *cli.Context) error {
	log := logging.Ctx(c.Context)
	state, err := config.NewState()
	if err != nil {
		return err
	}
	local, err := util.OpenLocal(c.Context, state)
	if err != nil {
		return err
	}
	defer local.Close(c.Context)

	var read int
	if c.Bool("stdin") {
		if read, err = feedMessages(c, local.Index); err != nil {
			return err
		}
	}
	done, err := local.Index.HandleQueue(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	left, err := local.Index.QueueSize(c.Context)
	if err != nil {
		return err
	}
	log.Debug(LOG_TAG_INDEX, "%d messages, %d recomputed, %d queued", read, done, left)
	return setResult(c, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "messages", qp.Int(int64(read)))
		qp.MapEntry(ma, "recomputed", qp.Int(int64(done)))
		qp.MapEntry(ma, "queued", qp.Int(int64(left)))
	})
}

// feedMessages runs an Indexer over the lines of stdin.
func feedMessages(c *cli.Context, idx *index.Index) (int, error) {
	ix := index.NewIndexer(idx, index.IndexerConfig{})
	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error { return ix.Run(ctx) })

	var n int
	g.Go(func() error {
		defer ix.Close()
		sc := bufio.NewScanner(c.App.Reader)
		sc.Buffer(nil, 16<<20)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			msg, err := wsapi.DecodeMessage(line)
			if err != nil {
				return err
			}
			if err := ix.Send(ctx, msg); err != nil {
				return err
			}
			n++
		}
		if err := sc.Err(); err != nil {
			return wsapi.ErrorIo("read messages", "stdin", err)
		}
		return nil
	})
	return n, g.Wait()
}
