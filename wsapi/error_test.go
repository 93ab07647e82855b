package wsapi

import (
	"errors"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestIsRetry(t *testing.T) {
	cause := errors.New("connection reset")
	qt.Check(t, IsRetry(ErrorBackend("s3", "get", true, cause)), qt.IsTrue)
	qt.Check(t, IsRetry(ErrorBackend("s3", "get", false, cause)), qt.IsFalse)
	qt.Check(t, IsRetry(fmt.Errorf("wrapped: %w", ErrorBackend("bolt", "put", true, cause))), qt.IsTrue)
	qt.Check(t, IsRetry(ErrorIo("read", "/tmp/x", cause)), qt.IsFalse)
	qt.Check(t, IsRetry(cause), qt.IsFalse)
}

func TestErrorCodes(t *testing.T) {
	qt.Check(t, Code(ErrorGraphCycle("3")), qt.Equals, ECodeGraphCycle)
	qt.Check(t, Code(ErrorCorruption("object row", "k")), qt.Equals, ECodeCorruption)
	qt.Check(t, Code(errors.New("plain")), qt.Equals, "")
}

func TestProcessIDRoundTrip(t *testing.T) {
	id := NewProcessID()
	parsed, err := ParseProcessID(id.String())
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, parsed, qt.Equals, id)

	it, err := ParseItem(id.String())
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, it.Process, qt.IsNotNil)
	qt.Check(t, *it.Process, qt.Equals, id)

	_, err = ParseProcessID("pcs_nope")
	qt.Check(t, Code(err), qt.Equals, ECodeInvalid)
}
