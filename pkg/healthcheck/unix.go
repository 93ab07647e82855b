//go:build unix

package healthcheck

import (
	"github.com/serum-errors/go-serum"
	"golang.org/x/sys/unix"
)

func writeAccess(path string) error {
	if err := unix.Access(path, unix.W_OK|unix.X_OK); err != nil {
		return serum.Error(CodeRunFailure, serum.WithCause(err),
			serum.WithMessageTemplate("no write access to {{path|q}}"),
			serum.WithDetail("path", path),
		)
	}
	return nil
}

func kernel() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", err
	}
	return kernelString(
		unix.ByteSliceToString(u.Sysname[:]),
		unix.ByteSliceToString(u.Release[:]),
		unix.ByteSliceToString(u.Version[:]),
		unix.ByteSliceToString(u.Machine[:]),
	), nil
}
