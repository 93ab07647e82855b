package main

import (
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/urfave/cli/v2"

	"github.com/warptools/warpstore/cmd/warpstore/internal/util"
	"github.com/warptools/warpstore/pkg/config"
	"github.com/warptools/warpstore/wsapi"
)

var tagCmdDef = cli.Command{
	Name:  "tag",
	Usage: "Name items with version-aware tags",
	Subcommands: []*cli.Command{
		{
			Name:      "put",
			Usage:     "Point a tag at an item, replacing what it pointed at",
			ArgsUsage: "<tag> <reference>",
			Action:    action(cmdTagPut),
		},
		{
			Name:      "delete",
			Usage:     "Remove a tag",
			ArgsUsage: "<tag>",
			Action:    action(cmdTagDelete),
		},
		{
			Name:      "list",
			Usage:     "List tags at or beneath a prefix",
			ArgsUsage: "[prefix]",
			Action:    action(cmdTagList),
		},
	},
}

func putTag(c *cli.Context, local util.Local, tag string, it wsapi.Item) error {
	if _, err := wsapi.ParseTag(tag); err != nil {
		return err
	}
	var msgs wsapi.Messages
	msgs.Add(wsapi.Message{PutTag: &wsapi.PutTag{Tag: tag, Item: it}})
	return local.Index.HandleMessages(c.Context, msgs)
}

func cmdTagPut(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return wsapi.ErrorInvalid("tag put takes a tag and a reference")
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

	tag := c.Args().Get(0)
	it, err := util.ResolveReference(c.Context, local.Index, c.Args().Get(1))
	if err != nil {
		return err
	}
	if err := putTag(c, local, tag, it); err != nil {
		return err
	}
	return setResult(c, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "tag", qp.String(tag))
		qp.MapEntry(ma, "item", qp.String(it.String()))
	})
}

func cmdTagDelete(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return wsapi.ErrorInvalid("tag delete takes exactly one tag")
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

	var msgs wsapi.Messages
	msgs.Add(wsapi.Message{DeleteTag: &wsapi.DeleteTag{Tag: c.Args().First()}})
	return local.Index.HandleMessages(c.Context, msgs)
}

func cmdTagList(c *cli.Context) error {
	if c.Args().Len() > 1 {
		return wsapi.ErrorInvalid("tag list takes at most one prefix")
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

	tags, err := local.Index.ListTags(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	return setResult(c, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "tags", qp.Map(int64(len(tags)), func(ma datamodel.MapAssembler) {
			for _, e := range tags {
				qp.MapEntry(ma, e.Tag.String(), qp.String(e.Item.String()))
			}
		}))
	})
}
