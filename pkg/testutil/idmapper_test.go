package testutil

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestIDMapper(t *testing.T) {
	m := NewIDMapper()
	dir := "dir_bafyreigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	file := "fil_bafyreib4pff766vhpbxbhjbqqnsh5emeznvujayjj4z2iu533cprgbz23m"
	pcs := "pcs_0190a4c2-7d35-7cc0-8a4e-2f1b9c3d4e5f"

	qt.Check(t, m.Replace(`{"root": "`+dir+`"}`), qt.Equals, `{"root": "dir_1"}`)
	qt.Check(t, m.Replace(file+" "+dir+" "+pcs), qt.Equals, "fil_2 dir_1 pcs_3")
	qt.Check(t, m.Replace("dir_1 and notdir_bafy"), qt.Equals, "dir_1 and notdir_bafy")
}
