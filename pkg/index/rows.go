package index

import (
	"github.com/warptools/warpstore/wsapi"
)

// processStoredBits packs the flags as
// bit 0 node, bit 1 subtree, bits 2-5 node per role, bits 6-9 subtree per role,
// roles in wsapi.ProcessRoles order.
func processStoredBits(s wsapi.ProcessStored) int64 {
	var bits int64
	if s.Node {
		bits |= 1
	}
	if s.Subtree {
		bits |= 1 << 1
	}
	for i, r := range wsapi.ProcessRoles {
		if s.NodeRole(r) {
			bits |= 1 << (2 + i)
		}
		if s.SubtreeRole(r) {
			bits |= 1 << (2 + len(wsapi.ProcessRoles) + i)
		}
	}
	return bits
}

func processStoredFromBits(bits int64) wsapi.ProcessStored {
	var s wsapi.ProcessStored
	s.Node = bits&1 != 0
	s.Subtree = bits&(1<<1) != 0
	for i, r := range wsapi.ProcessRoles {
		s.SetNodeRole(r, bits&(1<<(2+i)) != 0)
		s.SetSubtreeRole(r, bits&(1<<(2+len(wsapi.ProcessRoles)+i)) != 0)
	}
	return s
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func parseObjectIDs(what string, raw []string) ([]wsapi.ObjectID, error) {
	out := make([]wsapi.ObjectID, 0, len(raw))
	for _, s := range raw {
		id, err := wsapi.ParseObjectID(s)
		if err != nil {
			return nil, wsapi.ErrorCorruption(what, s)
		}
		out = append(out, id)
	}
	return out, nil
}

func parseProcessIDs(what string, raw []string) ([]wsapi.ProcessID, error) {
	out := make([]wsapi.ProcessID, 0, len(raw))
	for _, s := range raw {
		id, err := wsapi.ParseProcessID(s)
		if err != nil {
			return nil, wsapi.ErrorCorruption(what, s)
		}
		out = append(out, id)
	}
	return out, nil
}
