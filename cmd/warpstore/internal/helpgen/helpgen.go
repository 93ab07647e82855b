/*
Package helpgen replaces the help output of urfave/cli with markdown, which
package render then either passes through or styles for a terminal.

urfave/cli only offers package-scope hooks for this, so importing the package
installs the templates and the printer as a side effect.
*/
package helpgen

import (
	"bytes"
	"io"
	"strings"
	"text/tabwriter"
	"text/template"

	"github.com/urfave/cli/v2"

	"github.com/warptools/warpstore/cmd/warpstore/internal/render"
)

// Mode selects how help is rendered. main sets it from the output stream.
var Mode = render.Mode_Markdown

/*
	How the doc strings of a cli.Command are used here:

	- Usage: one line, shown in the parent's list of commands.
	- ArgsUsage: the positional arguments, appended to the synopsis.
	- UsageText: a hand written synopsis, replacing the generated one.
	- Description: prose, shown in the command's own help. May span lines.

	Flags only have Usage.
*/

// printHelpCustom is installed as cli.HelpPrinterCustom.
func printHelpCustom(out io.Writer, tmpl string, data interface{}, customFuncs map[string]interface{}) {
	funcMap := template.FuncMap{
		"join":           strings.Join,
		"subtract":       func(a, b int) int { return a - b },
		"indent":         indent,
		"nindent":        func(n int, s string) string { return "\n" + indent(n, s) },
		"trim":           strings.TrimSpace,
		"wrap":           func(input string, offset int) string { return input },
		"offset":         func(input string, fixed int) int { return len(input) + fixed },
		"offsetCommands": offsetCommands,
	}
	for key, value := range customFuncs {
		funcMap[key] = value
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 1, 8, 4, ' ', 0)
	t := template.Must(template.New("help").Funcs(funcMap).Parse(tmpl))
	template.Must(t.New("helpNameTemplate").Parse(helpNameTemplate))
	template.Must(t.New("usageTemplate").Parse(usageTemplate))
	template.Must(t.New("descriptionTemplate").Parse(descriptionTemplate))
	template.Must(t.New("visibleCommandTemplate").Parse(visibleCommandTemplate))
	template.Must(t.New("visibleFlagCategoryTemplate").Parse(visibleFlagCategoryTemplate))
	template.Must(t.New("visibleFlagTemplate").Parse(visibleFlagTemplate))
	template.Must(t.New("visibleCommandCategoryTemplate").Parse(visibleCommandCategoryTemplate))
	if err := t.Execute(w, data); err != nil {
		panic(err)
	}
	_ = w.Flush()
	if err := render.Render(buf.Bytes(), out, Mode); err != nil {
		panic(err)
	}
}

func indent(n int, s string) string {
	pad := strings.Repeat(" ", n)
	return pad + strings.ReplaceAll(s, "\n", "\n"+pad)
}

func offsetCommands(cmds []*cli.Command, fixed int) int {
	var max int
	for _, cmd := range cmds {
		if s := strings.Join(cmd.Names(), ", "); len(s) > max {
			max = len(s)
		}
	}
	return max + fixed
}

func init() {
	cli.HelpPrinterCustom = printHelpCustom
}
