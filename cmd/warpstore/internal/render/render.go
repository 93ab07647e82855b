/*
Package render turns the markdown our help templates produce into terminal
output. Only the node kinds those templates emit get real treatment; anything
else passes through as text.
*/
package render

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
	"golang.org/x/term"
)

type Mode uint8

const (
	Mode_Markdown Mode = iota // Plain markdown with no indentation. Used for docs and tests.
	Mode_ANSI                 // Styled headings, with paragraphs wrapped to the terminal and indented under their heading.
	Mode_ANSIdown             // Like Mode_ANSI but keeps the markdown heading markers.
)

// Detect picks Mode_ANSI for terminals and Mode_Markdown for everything else.
func Detect(w io.Writer) Mode {
	if fd, ok := w.(interface{ Fd() uintptr }); ok && term.IsTerminal(int(fd.Fd())) {
		return Mode_ANSI
	}
	return Mode_Markdown
}

// Render converts markdown and writes it to wr.
// In ANSI modes the width of wr is used for wrapping when wr is a terminal.
func Render(markdown []byte, wr io.Writer, m Mode) error {
	width := -1
	if fd, ok := wr.(interface{ Fd() uintptr }); ok {
		width, _, _ = term.GetSize(int(fd.Fd()))
		if width > 0 && width < 60 {
			width = 60
		}
	}
	profile := termenv.ANSI
	if m == Mode_Markdown {
		profile = termenv.Ascii
	}
	styles := lipgloss.NewRenderer(wr, termenv.WithProfile(profile))
	md := goldmark.New(
		goldmark.WithRenderer(renderer.NewRenderer(
			renderer.WithNodeRenderers(
				util.Prioritized(&gmRenderer{mode: m, width: width, headings: headingStyles(styles)}, 1),
			),
		)),
	)
	return md.Convert(markdown, wr)
}

func headingStyles(r *lipgloss.Renderer) map[int]lipgloss.Style {
	return map[int]lipgloss.Style{
		2: r.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
		3: r.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		4: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
	}
}

type gmRenderer struct {
	mode     Mode
	width    int
	headings map[int]lipgloss.Style
}

func (r *gmRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, r.renderDocument)
	reg.Register(ast.KindHeading, r.renderHeading)
	reg.Register(ast.KindParagraph, r.renderParagraph)
	// Angle brackets in flag placeholders parse as html.
	reg.Register(ast.KindRawHTML, r.renderRawHTML)
	reg.Register(ast.KindText, r.renderText)
}

func (r *gmRenderer) renderDocument(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

// headingIndent is how far content under a heading of this level is indented.
func headingIndent(level int) int {
	if level < 2 {
		return 0
	}
	return 4 * (level - 2)
}

func (r *gmRenderer) renderHeading(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Heading)
	text := string(plainText(n, source))
	marker := strings.Repeat("#", n.Level) + " "
	switch r.mode {
	case Mode_Markdown:
		w.WriteString(marker + text)
	case Mode_ANSI:
		marker = ""
		fallthrough
	default:
		w.WriteString(strings.Repeat(" ", headingIndent(n.Level)))
		style, ok := r.headings[n.Level]
		if !ok {
			style = r.headings[2]
		}
		w.WriteString(style.Render(marker + text))
	}
	w.WriteByte('\n')
	return ast.WalkSkipChildren, nil
}

func (r *gmRenderer) renderParagraph(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		w.WriteByte('\n')
		return ast.WalkContinue, nil
	}
	body := plainText(node, source)
	if r.mode != Mode_Markdown {
		left := headingIndent(findHeading(node)) + 4
		if r.width > 0 {
			body = wordwrap.Bytes(body, r.width-2-left)
		}
		body = indent.Bytes(body, uint(left))
	}
	w.Write(body)
	w.WriteByte('\n')
	return ast.WalkSkipChildren, nil
}

func (r *gmRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.Write(node.Text(source))
	}
	return ast.WalkContinue, nil
}

func (r *gmRenderer) renderRawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.RawHTML)
		for i := 0; i < n.Segments.Len(); i++ {
			segment := n.Segments.At(i)
			w.Write(segment.Value(source))
		}
	}
	return ast.WalkContinue, nil
}

// plainText collects the text beneath node, keeping raw html as written and
// dropping emphasis markers.
func plainText(node ast.Node, source []byte) []byte {
	var out []byte
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Text:
			out = append(out, n.Segment.Value(source)...)
			if n.SoftLineBreak() || n.HardLineBreak() {
				out = append(out, '\n')
			}
		case *ast.RawHTML:
			for i := 0; i < n.Segments.Len(); i++ {
				seg := n.Segments.At(i)
				out = append(out, seg.Value(source)...)
			}
		case *ast.String:
			out = append(out, n.Value...)
		}
		return ast.WalkContinue, nil
	})
	return out
}

// findHeading returns the level of the heading a block sits under, or 0.
func findHeading(node ast.Node) int {
	for sib := node.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		switch sib.Kind() {
		case ast.KindHeading:
			return sib.(*ast.Heading).Level
		case ast.KindThematicBreak:
			return 0
		}
	}
	return 0
}
