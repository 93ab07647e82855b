package helpgen

import (
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/urfave/cli/v2"
)

// docnl dedents like heredoc.Doc and drops the final linebreak.
func docnl(s string) string {
	s = heredoc.Doc(s)
	return s[:len(s)-1]
}

var helpNameTemplate = docnl(`
	{{.HelpName}}{{if .Usage}} - {{.Usage}}{{end}}
`)

var usageTemplate = docnl(`
	{{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}}{{if .VisibleFlags}} [options]{{end}}{{if .ArgsUsage}} {{.ArgsUsage}}{{end}}{{end}}
`)

var descriptionTemplate = docnl(`
	{{.Description}}
`)

var visibleCommandTemplate = docnl(`

	{{- range .VisibleCommands}}
	### {{join .Names ", "}}
	{{.Usage}}
	{{end}}

`)

var visibleCommandCategoryTemplate = docnl(`
	{{- range .VisibleCategories}}{{if .Name}}
	## {{.Name}}
	{{template "visibleCommandTemplate" .}}{{else}}{{template "visibleCommandTemplate" .}}{{end}}{{end}}
`)

var visibleFlagCategoryTemplate = docnl(`
	{{- range .VisibleFlagCategories}}
	{{if .Name}}### {{.Name}}

	{{end}}{{range .Flags}}{{.}}
	{{end}}{{end}}
`)

// Flags print through cli.FlagStringer, which is flagStringer below.
var visibleFlagTemplate = docnl(`
	{{- range $i, $e := .VisibleFlags}}
	{{$e.String}}
	{{end}}
`)

func init() {
	cli.AppHelpTemplate = appHelpTemplate
	cli.CommandHelpTemplate = commandHelpTemplate
	cli.SubcommandHelpTemplate = subcommandHelpTemplate
	cli.FlagStringer = flagStringer
}

// appHelpTemplate is used for the root command.
var appHelpTemplate = heredoc.Doc(`
	## NAME
	{{template "helpNameTemplate" .}}

	{{- if .Version}}{{if not .HideVersion}}
	## VERSION
	{{.Version}}
	{{- end}}{{end}}

	{{- if .Description}}
	## DESCRIPTION
	{{template "descriptionTemplate" .}}
	{{- end}}

	{{- if .VisibleCommands}}
	## COMMANDS
	{{ printf "" }}
	{{- template "visibleCommandCategoryTemplate" .}}
	{{- end}}

	{{- if .VisibleFlags}}
	## GLOBAL OPTIONS
	{{ printf "" }}
	{{- template "visibleFlagTemplate" .}}
	{{- end}}
`)

// commandHelpTemplate is used for commands without subcommands.
var commandHelpTemplate = heredoc.Doc(`
	## NAME
	{{template "helpNameTemplate" .}}

	## USAGE
	{{template "usageTemplate" .}}

	{{- if .Description}}
	## DESCRIPTION
	{{template "descriptionTemplate" .}}
	{{- end}}

	{{- if .VisibleFlags}}
	## OPTIONS
	{{ printf "" }}
	{{- template "visibleFlagTemplate" .}}
	{{- end}}
`)

// subcommandHelpTemplate is used for commands with subcommands.
var subcommandHelpTemplate = heredoc.Doc(`
	## NAME
	{{template "helpNameTemplate" .}}

	## USAGE
	{{.HelpName}} command [arguments...]

	{{- if .Description}}
	## DESCRIPTION
	{{template "descriptionTemplate" .}}
	{{- end}}

	{{- if .VisibleCommands}}
	## COMMANDS
	{{ printf "" }}
	{{- template "visibleCommandTemplate" .}}
	{{- end}}
`)

func flagStringer(f cli.Flag) string {
	df, ok := f.(cli.DocGenerationFlag)
	if !ok {
		return fmt.Sprintf("#### %s\n", strings.Join(f.Names(), ", "))
	}

	placeholder, usage := unquoteUsage(df.GetUsage())
	if df.TakesValue() && placeholder == "" {
		placeholder = "VALUE"
	}

	var defaultText string
	if bf, ok := f.(*cli.BoolFlag); !ok || !bf.DisableDefaultText {
		if s := df.GetDefaultText(); s != "" {
			defaultText = fmt.Sprintf("\n\n(default: **%s**)", s)
		}
	}
	body := strings.TrimSpace(usage + defaultText)

	names := prefixedNames(df.Names(), placeholder)
	if sf, ok := f.(cli.DocGenerationSliceFlag); ok && sf.IsSliceFlag() {
		names += " [ " + names + " ]"
	}
	out := fmt.Sprintf("#### %s\n\n%s\n", names, body)
	if env := df.GetEnvVars(); len(env) > 0 {
		out += fmt.Sprintf("\n(env var: $**%s**)\n", strings.Join(env, ", $"))
	}
	return out
}

// unquoteUsage returns the backquoted placeholder in usage, if any, and usage without the quotes.
func unquoteUsage(usage string) (string, string) {
	start := strings.IndexByte(usage, '`')
	if start < 0 {
		return "", usage
	}
	end := strings.IndexByte(usage[start+1:], '`')
	if end < 0 {
		return "", usage
	}
	name := usage[start+1 : start+1+end]
	return name, usage[:start] + name + usage[start+2+end:]
}

func prefixedNames(names []string, placeholder string) string {
	var parts []string
	for _, name := range names {
		if name == "" {
			continue
		}
		prefix := "--"
		if len(name) == 1 {
			prefix = "-"
		}
		s := prefix + name
		if placeholder != "" {
			s += "=<" + placeholder + ">"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}
