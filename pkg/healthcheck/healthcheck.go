/*
Package healthcheck runs a list of independent checks against a warpstore
setup and reports each outcome.

A check reports through the serum code of the error it returns: CodeRunOkay
and CodeRunAmbiguous carry information, CodeRunFailure means the setup is
broken. Any other error is a failure of the check itself and stops the run.
*/
package healthcheck

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/warpstore/wsapi"
)

const (
	CodeRunOkay      = "warpstore-error-healthcheck-run-okay"
	CodeRunFailure   = "warpstore-error-healthcheck-run-fail"
	CodeRunAmbiguous = "warpstore-error-healthcheck-run-ambiguous"
)

type Runner interface {
	Run(ctx context.Context) error
	String() string
}

type Result struct {
	Name    string
	Code    string
	Message string
}

type HealthCheck struct {
	Runners []Runner
	Results []Result
}

// Run executes every runner in order and records its outcome.
//
// Errors:
//
//   - warpstore-error-internal -- when a runner returns an error without a result code
func (hc *HealthCheck) Run(ctx context.Context) error {
	hc.Results = hc.Results[:0]
	for _, r := range hc.Runners {
		err := r.Run(ctx)
		code := serum.Code(err)
		switch code {
		case CodeRunOkay, CodeRunFailure, CodeRunAmbiguous:
		case "":
			code = CodeRunOkay
		default:
			return serum.Error(wsapi.ECodeInternal, serum.WithCause(err),
				serum.WithMessageTemplate("check {{check|q}} did not report a result"),
				serum.WithDetail("check", r.String()),
			)
		}
		msg := ""
		if err != nil {
			msg = serum.Message(err)
		}
		hc.Results = append(hc.Results, Result{Name: r.String(), Code: code, Message: msg})
	}
	return nil
}

// Failed reports whether any check found the setup broken.
func (hc *HealthCheck) Failed() bool {
	for _, r := range hc.Results {
		if r.Code == CodeRunFailure {
			return true
		}
	}
	return false
}

var labels = map[string]string{
	CodeRunOkay:      color.GreenString("  okay"),
	CodeRunFailure:   color.RedString("  FAIL"),
	CodeRunAmbiguous: color.YellowString("  info"),
}

// Fprint writes one line per result, with multi-line messages indented beneath it.
func (hc *HealthCheck) Fprint(w io.Writer) error {
	for _, r := range hc.Results {
		line := fmt.Sprintf("%s  %s", labels[r.Code], r.Name)
		if r.Message != "" {
			line += ": " + strings.ReplaceAll(r.Message, "\n", "\n\t")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
