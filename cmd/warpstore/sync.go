package main

import (
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/urfave/cli/v2"

	"github.com/warptools/warpstore/cmd/warpstore/internal/util"
	"github.com/warptools/warpstore/pkg/config"
	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/pkg/syncer"
	"github.com/warptools/warpstore/wsapi"
)

const LOG_TAG_SYNC = "│  sync"

var pullCmdDef = cli.Command{
	Name:      "pull",
	Usage:     "Fetch items and what they reference from a peer",
	ArgsUsage: "<reference>...",
	Action:    action(cmdPull, util.CmdMiddlewareCancelOnInterrupt),
	Flags:     util.SyncFlags,
}

var pushCmdDef = cli.Command{
	Name:      "push",
	Usage:     "Send items and what they reference to a peer",
	ArgsUsage: "<reference>...",
	Action:    action(cmdPush, util.CmdMiddlewareCancelOnInterrupt),
	Flags:     util.SyncFlags,
}

var syncCmdDef = cli.Command{
	Name:      "sync",
	Usage:     "Pull, then push, the same items",
	ArgsUsage: "<reference>...",
	Action:    action(cmdSync, util.CmdMiddlewareCancelOnInterrupt),
	Flags:     util.SyncFlags,
}

// openSync opens the local side and resolves the command's references.
// Tags are resolved against the local index; the peer only sees ids.
func openSync(c *cli.Context) (util.Local, []wsapi.Item, error) {
	if c.Args().Len() == 0 {
		return util.Local{}, nil, wsapi.ErrorInvalid("at least one reference is required")
	}
	state, err := config.NewState()
	if err != nil {
		return util.Local{}, nil, err
	}
	local, err := util.OpenLocal(c.Context, state)
	if err != nil {
		return util.Local{}, nil, err
	}
	items := make([]wsapi.Item, 0, c.Args().Len())
	for _, ref := range c.Args().Slice() {
		it, err := util.ResolveReference(c.Context, local.Index, ref)
		if err != nil {
			local.Close(c.Context)
			return util.Local{}, nil, err
		}
		items = append(items, it)
	}
	return local, items, nil
}

func pull(c *cli.Context, local util.Local, items []wsapi.Item) (syncer.GetResult, error) {
	conn, err := syncer.Dial(c.Context, c.String("remote"))
	if err != nil {
		return syncer.GetResult{}, err
	}
	peer := syncer.Peer{Store: local.Store, Index: local.Index}
	res, err := peer.Pull(c.Context, conn, items, util.SyncOptions(c))
	if err != nil {
		return res, err
	}
	log := logging.Ctx(c.Context)
	for _, it := range res.Missing {
		log.Warn(LOG_TAG_SYNC, "%s: not on the remote", it)
	}
	for _, e := range res.Errors {
		log.Warn(LOG_TAG_SYNC, "%s: %s", e.Item, e.Message)
	}
	return res, nil
}

func push(c *cli.Context, local util.Local, items []wsapi.Item) (syncer.PutStats, error) {
	conn, err := syncer.Dial(c.Context, c.String("remote"))
	if err != nil {
		return syncer.PutStats{}, err
	}
	peer := syncer.Peer{Store: local.Store}
	return peer.Push(c.Context, conn, items, util.SyncOptions(c))
}

func pullEntries(res syncer.GetResult) func(ma datamodel.MapAssembler) {
	return func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "objects", qp.Int(int64(res.Objects)))
		qp.MapEntry(ma, "processes", qp.Int(int64(res.Processes)))
		qp.MapEntry(ma, "bytes", qp.Int(int64(res.Bytes)))
		qp.MapEntry(ma, "skipped", qp.Int(int64(res.Skipped)))
		qp.MapEntry(ma, "missing", itemList(res.Missing))
		qp.MapEntry(ma, "errors", qp.Map(int64(len(res.Errors)), func(ma datamodel.MapAssembler) {
			for _, e := range res.Errors {
				qp.MapEntry(ma, e.Item.String(), qp.String(e.Message))
			}
		}))
	}
}

func pushEntries(stats syncer.PutStats) func(ma datamodel.MapAssembler) {
	return func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "items", qp.Int(int64(stats.Items)))
		qp.MapEntry(ma, "missing", qp.Int(int64(stats.Missing)))
		qp.MapEntry(ma, "errors", qp.Int(int64(stats.Errors)))
		qp.MapEntry(ma, "bytes", qp.Int(int64(stats.Bytes)))
	}
}

func cmdPull(c *cli.Context) error {
	local, items, err := openSync(c)
	if err != nil {
		return err
	}
	defer local.Close(c.Context)
	res, err := pull(c, local, items)
	if err != nil {
		return err
	}
	return setResult(c, pullEntries(res))
}

func cmdPush(c *cli.Context) error {
	local, items, err := openSync(c)
	if err != nil {
		return err
	}
	defer local.Close(c.Context)
	stats, err := push(c, local, items)
	if err != nil {
		return err
	}
	return setResult(c, pushEntries(stats))
}

func cmdSync(c *cli.Context) error {
	local, items, err := openSync(c)
	if err != nil {
		return err
	}
	defer local.Close(c.Context)
	res, err := pull(c, local, items)
	if err != nil {
		return err
	}
	stats, err := push(c, local, items)
	if err != nil {
		return err
	}
	return setResult(c, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "pulled", qp.Map(-1, pullEntries(res)))
		qp.MapEntry(ma, "pushed", qp.Map(-1, pushEntries(stats)))
	})
}
