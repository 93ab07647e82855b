package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type Logger struct {
	out     io.Writer
	err     io.Writer
	json    bool
	quiet   bool
	verbose bool
	mu      *sync.Mutex
}

func DefaultLogger() Logger {
	return NewLogger(os.Stdout, os.Stderr, false, false, false)
}

// NewLogger builds a logger writing results to out and log lines to err.
// With json set, log lines are emitted as one JSON object per line.
// Quiet suppresses Info; verbose enables Debug.
func NewLogger(out, err io.Writer, json, quiet, verbose bool) Logger {
	return Logger{
		out:     out,
		err:     err,
		json:    json,
		quiet:   quiet,
		verbose: verbose,
		mu:      &sync.Mutex{},
	}
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying the logger.
func (l Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Ctx returns the logger carried by ctx, or a default logger if there is none.
func Ctx(ctx context.Context) *Logger {
	l, ok := ctx.Value(ctxKey{}).(Logger)
	if !ok {
		l = DefaultLogger()
	}
	return &l
}

func (l *Logger) Out(f string, args ...interface{}) {
	fmt.Fprintf(l.out, f+"\n", args...)
}

func (l *Logger) OutRaw(s string) {
	fmt.Fprintf(l.out, "%s", s)
}

func (l *Logger) Info(tag string, f string, args ...interface{}) {
	if l.quiet {
		return
	}
	l.print("info", color.New(color.FgHiGreen), tag, f, args...)
}

func (l *Logger) Debug(tag string, f string, args ...interface{}) {
	if l.verbose {
		l.print("debug", color.New(color.FgGreen), tag, f, args...)
	}
}

// Warn is never suppressed by quiet.
func (l *Logger) Warn(tag string, f string, args ...interface{}) {
	l.print("warn", color.New(color.FgHiYellow), tag, f, args...)
}

type jsonLine struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Tag     string    `json:"tag"`
	Message string    `json:"msg"`
}

func (l *Logger) print(level string, tagColor *color.Color, tag, f string, args ...interface{}) {
	str := fmt.Sprintf(f, args...)
	if l.mu != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
	}
	if l.json {
		json.NewEncoder(l.err).Encode(jsonLine{
			Time:    time.Now().UTC(),
			Level:   level,
			Tag:     tag,
			Message: str,
		})
		return
	}
	for _, line := range strings.Split(str, "\n") {
		fmt.Fprintf(l.err, "%s  %s\n",
			tagColor.Sprint(tag),
			color.WhiteString(line))
	}
}

type Writer struct {
	pipe io.Writer
	tag  string
}

func (l *Logger) InfoWriter(tag string) *Writer {
	return &Writer{
		pipe: l.err,
		tag:  tag,
	}
}

func (w *Writer) Write(data []byte) (n int, err error) {
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fmt.Fprintf(w.pipe, "%s  %s\n",
			color.HiYellowString(w.tag),
			color.HiWhiteString(line))
	}
	return len(data), nil
}
