package wsapi

import (
	"errors"

	"github.com/serum-errors/go-serum"
)

const (
	ECodeBackend          = "warpstore-error-backend"
	ECodeCorruption       = "warpstore-error-corruption"
	ECodeSerialization    = "warpstore-error-serialization"
	ECodeInvalid          = "warpstore-error-invalid"
	ECodeGraphCycle       = "warpstore-error-graph-cycle"
	ECodeIo               = "warpstore-error-io"
	ECodeConnection       = "warpstore-error-connection"
	ECodeConfig           = "warpstore-error-config"
	ECodeChecksumMismatch = "warpstore-error-checksum-mismatch"
	ECodeUnknown          = "warpstore-error-unknown"
	ECodeInternal         = "warpstore-error-internal"
	ECodeInitialization   = "warpstore-error-initialization"
)

// ErrorUnknown is returned when an unknown error occurs
//
// Errors:
//
//   - warpstore-error-unknown --
func ErrorUnknown(msgTmpl string, cause error) error {
	return serum.Errorf(ECodeUnknown, "%s: %w", msgTmpl, cause)
}

// ErrorInternal is for errors an end user has no viable intervention for.
//
// Errors:
//
//   - warpstore-error-internal --
func ErrorInternal(msgTmpl string, cause error) error {
	return serum.Errorf(ECodeInternal, "%s: %w", msgTmpl, cause)
}

// ErrorBackend wraps a failure reported by a store or index backend driver.
// The retry flag is recorded as a detail and read back by IsRetry.
//
// Errors:
//
//   - warpstore-error-backend --
func ErrorBackend(backend string, context string, retry bool, cause error) error {
	result := serum.Errorf(ECodeBackend,
		"%s backend: %s: %w", backend, context, cause)
	r := "false"
	if retry {
		r = "true"
	}
	addDetails(result, [][2]string{
		{"backend", backend},
		{"context", context},
		{"retry", r},
	})
	return result
}

// IsRetry reports whether err is a backend error that is worth retrying.
// Errors that are not backend errors are never retryable.
func IsRetry(err error) bool {
	var ev *serum.ErrorValue
	if !errors.As(err, &ev) {
		return false
	}
	if ev.Code() != ECodeBackend {
		return false
	}
	for _, d := range ev.Data.Details {
		if d[0] == "retry" {
			return d[1] == "true"
		}
	}
	return false
}

// Code returns the serum code of err, or the empty string for uncoded errors.
func Code(err error) string {
	var se serum.ErrorInterface
	if errors.As(err, &se) {
		return se.Code()
	}
	return ""
}

// ErrorCorruption is returned when stored data does not decode to what its key says it is.
// It is fatal for the operation that encountered it and is never repaired automatically.
//
// Errors:
//
//   - warpstore-error-corruption --
func ErrorCorruption(what string, key string) error {
	return serum.Error(ECodeCorruption,
		serum.WithMessageTemplate("corrupt {{what}} at key {{key|q}}"),
		serum.WithDetail("what", what),
		serum.WithDetail("key", key),
	)
}

// ErrorSerialization is returned when a serialization or deserialization error occurs
//
// Errors:
//
//   - warpstore-error-serialization --
func ErrorSerialization(context string, cause error) error {
	result := serum.Errorf(ECodeSerialization,
		"serialization error: %s: %w", context, cause)
	addDetails(result, [][2]string{
		{"context", context},
	})
	return result
}

// ErrorInvalid is returned when something is invalid.
// The caller must format the message string.
//
// Errors:
//
//   - warpstore-error-invalid --
func ErrorInvalid(message string, deets ...[2]string) error {
	opts := make([]serum.WithConstruction, 0, len(deets)+1)
	for _, d := range deets {
		opts = append(opts, serum.WithDetail(d[0], d[1]))
	}
	opts = append(opts, serum.WithMessageLiteral(message))
	return serum.Error(ECodeInvalid, opts...)
}

// ErrorGraphCycle is returned when a graph under construction turns out not to be a DAG.
//
// Errors:
//
//   - warpstore-error-graph-cycle --
func ErrorGraphCycle(at string) error {
	return serum.Error(ECodeGraphCycle,
		serum.WithMessageTemplate("graph is not acyclic: cycle detected at {{node}}"),
		serum.WithDetail("node", at),
	)
}

// ErrorIo wraps generic I/O errors from the Go stdlib
//
// Errors:
//
//   - warpstore-error-io --
func ErrorIo(context string, path string, cause error) error {
	result := serum.Errorf(ECodeIo,
		"io error: %s: %w", context, cause)
	addDetails(result, [][2]string{{"context", context}, {"path", path}})
	return result
}

// ErrorConnection is returned when a peer connection fails.
//
// Errors:
//
//   - warpstore-error-connection --
func ErrorConnection(context string, cause error) error {
	return serum.Errorf(ECodeConnection, "connection error: %s: %w", context, cause)
}

// ErrorConfig is returned when configuration cannot be used.
//
// Errors:
//
//   - warpstore-error-config --
func ErrorConfig(key string, reason string) error {
	return serum.Error(ECodeConfig,
		serum.WithMessageTemplate("invalid configuration for {{key}}: {{reason}}"),
		serum.WithDetail("key", key),
		serum.WithDetail("reason", reason),
	)
}

// ErrorChecksumMismatch is produced by download and checkin when fetched bytes don't
// match what was expected. The store keeps it as an error value; nothing here emits it.
//
// Errors:
//
//   - warpstore-error-checksum-mismatch --
func ErrorChecksumMismatch(expected, actual string) error {
	return serum.Error(ECodeChecksumMismatch,
		serum.WithMessageTemplate("checksum mismatch: expected {{expected}}, got {{actual}}"),
		serum.WithDetail("expected", expected),
		serum.WithDetail("actual", actual),
	)
}

// addDetails works around serum not supporting details together with Errorf.
func addDetails(err error, details [][2]string) {
	s := err.(*serum.ErrorValue)
	s.Data.Details = append(s.Data.Details, details...)
}
