package main

import (
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/urfave/cli/v2"

	"github.com/warptools/warpstore/wsapi"
)

// setResult hands a map to afterFunc for printing.
func setResult(c *cli.Context, fn func(ma datamodel.MapAssembler)) error {
	n, err := qp.BuildMap(basicnode.Prototype.Any, -1, fn)
	if err != nil {
		return wsapi.ErrorSerialization("build result", err)
	}
	c.App.Metadata["result"] = n
	return nil
}

func itemList(items []wsapi.Item) qp.Assemble {
	return qp.List(int64(len(items)), func(la datamodel.ListAssembler) {
		for _, it := range items {
			qp.ListEntry(la, qp.String(it.String()))
		}
	})
}
