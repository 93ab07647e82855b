package render

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/alecthomas/chroma/formatters"
	"github.com/alecthomas/chroma/lexers"
	"github.com/alecthomas/chroma/styles"
)

// JSON writes serial to wr, indented and highlighted in ANSI modes.
// Input that isn't valid JSON, and everything in Mode_Markdown, is written unchanged.
func JSON(serial []byte, wr io.Writer, m Mode) error {
	if m == Mode_Markdown {
		_, err := wr.Write(serial)
		return err
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, serial, "", "\t"); err != nil {
		_, err := wr.Write(serial)
		return err
	}
	lexer := lexers.Get("json")
	style := styles.Get("dracula")
	formatter := formatters.Get("terminal256")
	iterator, err := lexer.Tokenise(nil, indented.String())
	if err != nil {
		return err
	}
	return formatter.Format(wr, style, iterator)
}
