package testutil

import (
	"regexp"
	"strconv"
	"sync"
)

var reItemID = regexp.MustCompile(`\b(lef|bch|dir|fil|sym|gph|cmd)_b[a-z2-7]+\b|\bpcs_[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}\b`)

// IDMapper rewrites object and process ids into short stable names, numbered
// in the order they are first seen: the first directory id becomes "dir_1",
// a file seen after it "fil_2", and so on. Output of a command sequence
// can then be compared against fixtures without knowing hashes in advance.
type IDMapper struct {
	mu      sync.Mutex
	mapping map[string]string
}

func NewIDMapper() *IDMapper {
	return &IDMapper{mapping: make(map[string]string)}
}

// Replace maps every id in s.
func (m *IDMapper) Replace(s string) string {
	return reItemID.ReplaceAllStringFunc(s, m.get)
}

func (m *IDMapper) get(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if short, ok := m.mapping[id]; ok {
		return short
	}
	short := id[:3] + "_" + strconv.Itoa(len(m.mapping)+1)
	m.mapping[id] = short
	return short
}
