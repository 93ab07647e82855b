package wsapi

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Tag is a hierarchical name for an item. Tags are GC roots.
type Tag struct {
	Components []string
}

// ParseTag splits a slash separated tag path.
//
// Errors:
//
//   - warpstore-error-invalid -- if the tag is empty or has an empty component
func ParseTag(s string) (Tag, error) {
	if s == "" {
		return Tag{}, ErrorInvalid("tag must not be empty")
	}
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" {
			return Tag{}, ErrorInvalid(fmt.Sprintf("invalid tag %q: empty component", s), [2]string{"tag", s})
		}
	}
	return Tag{Components: parts}, nil
}

func (t Tag) String() string {
	return strings.Join(t.Components, "/")
}

// canonicalVersion returns the semver form of c, or "" if c is not a version.
// A leading "v" is optional.
func canonicalVersion(c string) string {
	v := c
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// Compare orders tags component by component.
// Two components that both parse as versions compare by semver, others lexically.
func (t Tag) Compare(o Tag) int {
	for i := 0; i < len(t.Components) && i < len(o.Components); i++ {
		a, b := t.Components[i], o.Components[i]
		if a == b {
			continue
		}
		if va, vb := canonicalVersion(a), canonicalVersion(b); va != "" && vb != "" {
			if c := semver.Compare(va, vb); c != 0 {
				return c
			}
		}
		if a < b {
			return -1
		}
		return 1
	}
	switch {
	case len(t.Components) < len(o.Components):
		return -1
	case len(t.Components) > len(o.Components):
		return 1
	}
	return 0
}

// Matches reports whether t is pattern or lies beneath it.
func (t Tag) Matches(pattern Tag) bool {
	if len(pattern.Components) > len(t.Components) {
		return false
	}
	for i, c := range pattern.Components {
		if t.Components[i] != c {
			return false
		}
	}
	return true
}
