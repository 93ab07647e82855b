package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/ipld/go-ipld-prime"
	ipldjson "github.com/ipld/go-ipld-prime/codec/json"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/urfave/cli/v2"

	"github.com/warptools/warpstore/cmd/warpstore/internal/helpgen"
	"github.com/warptools/warpstore/cmd/warpstore/internal/render"
	"github.com/warptools/warpstore/cmd/warpstore/internal/util"
	"github.com/warptools/warpstore/pkg/config"
)

const VERSION = "v0.1.0"

// outputMode styles results written to stdout.
var outputMode = render.Mode_Markdown

func makeApp(stdin io.Reader, stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "warpstore"
	app.Version = VERSION
	app.Usage = "Content-addressed objects and process records, indexed and replicated."
	app.Description = heredoc.Docf(`
		Data lives under $%s. The store and index backends are chosen with
		$%s and $%s; peers for push, pull and sync default to $%s.
	`, config.EnvWarpstoreDirectory, config.EnvWarpstoreStore, config.EnvWarpstoreIndex, config.EnvWarpstoreRemote)
	app.Writer = stdout
	app.ErrWriter = stderr
	app.Reader = stdin
	cli.VersionFlag = &cli.BoolFlag{
		Name: "version",
	}
	app.HideVersion = true
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
		},
		&cli.BoolFlag{
			Name: "quiet",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Enable JSON API output",
		},
		&cli.StringFlag{
			Name:      "trace.file",
			Usage:     "Enable tracing and emit output to file",
			TakesFile: true,
		},
		&cli.BoolFlag{
			Name:  "trace.http.enable",
			Usage: "Enable remote tracing over http",
		},
		&cli.BoolFlag{
			Name:  "trace.http.insecure",
			Usage: "Allows insecure http",
		},
		&cli.StringFlag{
			Name:  "trace.http.endpoint",
			Usage: "Sets an endpoint for remote open-telemetry tracing collection",
		},
	}
	app.ExitErrHandler = exitErrHandler
	app.After = afterFunc
	app.Commands = []*cli.Command{
		&putCmdDef,
		&getCmdDef,
		&tagCmdDef,
		&indexCmdDef,
		&cleanCmdDef,
		&pushCmdDef,
		&pullCmdDef,
		&syncCmdDef,
		&serveCmdDef,
		&healthCmdDef,
	}
	return app
}

// action wraps a command with the middleware every command gets.
func action(f cli.ActionFunc, extra ...func(cli.ActionFunc) cli.ActionFunc) cli.ActionFunc {
	mw := []func(cli.ActionFunc) cli.ActionFunc{
		util.CmdMiddlewareLogging,
		util.CmdMiddlewareTracingConfig,
		util.CmdMiddlewareTracingSpan,
	}
	return util.ChainCmdMiddleware(f, append(mw, extra...)...)
}

// Called after a command returns an non-nil error value.
// Prints the formatted error to stderr.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	if c.Bool("json") {
		bytes, err := json.Marshal(err)
		if err != nil {
			panic("error marshaling json")
		}
		fmt.Fprintf(c.App.ErrWriter, "%s\n", string(bytes))
	} else {
		fmt.Fprintf(c.App.ErrWriter, "error: %s\n", err)
	}
}

// Called after any command completes. The command may optionally set
// c.App.Metadata["result"] to a datamodel.Node value before returning to
// have the result output to stdout.
func afterFunc(c *cli.Context) error {
	if c.App.Metadata["result"] != nil {
		n, ok := c.App.Metadata["result"].(datamodel.Node)
		if !ok {
			panic("invalid result value - not a datamodel.Node")
		}

		serial, err := ipld.Encode(n, ipldjson.Encode)
		if err != nil {
			panic("failed to serialize output")
		}
		if err := render.JSON(serial, c.App.Writer, outputMode); err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer)
	}
	return nil
}

func main() {
	helpgen.Mode = render.Detect(os.Stdout)
	outputMode = helpgen.Mode
	err := makeApp(os.Stdin, os.Stdout, os.Stderr).Run(os.Args)
	if err != nil {
		os.Exit(1)
	}
}
