//go:build !unix

package healthcheck

import (
	"errors"

	"github.com/serum-errors/go-serum"
)

func writeAccess(path string) error {
	return serum.Errorf(CodeRunAmbiguous, "write access detection not implemented on this platform")
}

func kernel() (string, error) {
	return "", errors.New("kernel info is only available on unix systems")
}
