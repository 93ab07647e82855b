package main

import (
	"github.com/google/renameio"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/urfave/cli/v2"

	"github.com/warptools/warpstore/cmd/warpstore/internal/util"
	"github.com/warptools/warpstore/pkg/checkin"
	"github.com/warptools/warpstore/pkg/config"
	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/wsapi"
)

var putCmdDef = cli.Command{
	Name:      "put",
	Usage:     "Check in a file, directory or symlink",
	ArgsUsage: "<path>",
	Action:    action(cmdPut),
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "cache",
			Usage: "Keep file contents in the cache directory instead of the store",
		},
		&cli.IntFlag{
			Name:  "chunk-size",
			Usage: "Largest leaf in bytes; longer files are split",
			Value: 1 << 20,
		},
		&cli.StringFlag{
			Name:  "tag",
			Usage: "Tag the checked in root",
		},
	},
}

func cmdPut(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return wsapi.ErrorInvalid("put takes exactly one path")
	}
	state, err := config.NewState()
	if err != nil {
		return err
	}
	local, err := util.OpenLocal(c.Context, state)
	if err != nil {
		return err
	}
	defer local.Close(c.Context)

	res, err := checkin.Path(c.Context, local.Store, local.Index, c.Args().First(), checkin.Config{
		ChunkSize: c.Int("chunk-size"),
		Cache:     c.Bool("cache"),
	})
	if err != nil {
		return err
	}
	if tag := c.String("tag"); tag != "" {
		if err := putTag(c, local, tag, wsapi.ObjectItem(res.Root)); err != nil {
			return err
		}
	}
	return setResult(c, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "root", qp.String(res.Root.String()))
		qp.MapEntry(ma, "objects", qp.Int(int64(res.Objects)))
		qp.MapEntry(ma, "bytes", qp.Int(int64(res.Bytes)))
	})
}

var getCmdDef = cli.Command{
	Name:      "get",
	Usage:     "Print the stored bytes of an object or process",
	ArgsUsage: "<reference>",
	Action:    action(cmdGet),
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "raw",
			Usage: "Print the stored encoding instead of JSON",
		},
		&cli.StringFlag{
			Name:      "output",
			Aliases:   []string{"o"},
			Usage:     "Write to a file instead of stdout",
			TakesFile: true,
		},
	},
}

func cmdGet(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return wsapi.ErrorInvalid("get takes exactly one reference")
	}
	state, err := config.NewState()
	if err != nil {
		return err
	}
	local, err := util.OpenLocal(c.Context, state)
	if err != nil {
		return err
	}
	defer local.Close(c.Context)

	it, err := util.ResolveReference(c.Context, local.Index, c.Args().First())
	if err != nil {
		return err
	}
	b, err := local.Store.TryGet(c.Context, it)
	if err != nil {
		return err
	}
	if b == nil {
		if n, err := local.Index.MarkMissing(c.Context, []wsapi.Item{it}); err != nil {
			return err
		} else if n > 0 {
			logging.Ctx(c.Context).Warn("", "%s was indexed as stored; the index now records it as missing", it)
		}
		return wsapi.ErrorInvalid("not in the store", [2]string{"reference", it.String()})
	}
	if !c.Bool("raw") {
		if b, err = toJSON(it, b); err != nil {
			return err
		}
	}
	if p := c.String("output"); p != "" {
		if err := renameio.WriteFile(p, b, 0o644); err != nil {
			return wsapi.ErrorIo("write output", p, err)
		}
		logging.Ctx(c.Context).Debug("", "wrote %d bytes to %s", len(b), p)
		return nil
	}
	_, err = c.App.Writer.Write(b)
	return err
}

// toJSON re-encodes stored bytes as dag-json. Leaves are returned as is.
func toJSON(it wsapi.Item, b []byte) ([]byte, error) {
	if it.Process != nil {
		p, err := wsapi.DecodeProcess(b)
		if err != nil {
			return nil, err
		}
		return p.Encode(wsapi.FormatJSON)
	}
	if it.Object.Kind == wsapi.ObjectKind_Leaf {
		return b, nil
	}
	obj, err := wsapi.DecodeObject(it.Object.Kind, b)
	if err != nil {
		return nil, err
	}
	return obj.EncodeFormat(wsapi.FormatJSON)
}
