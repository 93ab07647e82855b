package graph

import (
	"github.com/warptools/warpstore/wsapi"
)

// MarkStored records that the node's own data is stored and propagates
// completeness upward. It returns the positions that became complete,
// pos included if it did.
//
// The rules match the index: an object is complete once it is stored and
// every child is complete; a finished process gains role flags as the objects
// of each role complete and subtree flags as its children do.
func (g *Graph) MarkStored(pos int) []int {
	pos = g.Find(pos)
	before, wasComplete := g.flags(pos), g.IsComplete(pos)
	n := &g.nodes[pos]
	if n.Object != nil {
		n.Object.Stored.Node = true
	} else {
		n.Process.Stored.Node = true
	}
	g.recompute(pos)
	return g.propagate(pos, wasComplete, g.flags(pos) != before)
}

// MarkComplete records that the node and everything under it is already
// stored, as reported by an index, and propagates upward.
func (g *Graph) MarkComplete(pos int) []int {
	pos = g.Find(pos)
	before, wasComplete := g.flags(pos), g.IsComplete(pos)
	n := &g.nodes[pos]
	if n.Object != nil {
		n.Object.Stored = wsapi.ObjectStored{Node: true, Subtree: true}
	} else {
		s := wsapi.ProcessStored{Node: true, Subtree: true}
		for _, r := range wsapi.ProcessRoles {
			s.SetNodeRole(r, true)
			s.SetSubtreeRole(r, true)
		}
		n.Process.Stored = s
	}
	return g.propagate(pos, wasComplete, g.flags(pos) != before)
}

// IsComplete reports whether the node and everything under it is stored.
func (g *Graph) IsComplete(pos int) bool {
	n := g.Node(pos)
	if n.Object != nil {
		return n.Object.Stored.Subtree
	}
	return n.Process.Stored.Complete()
}

type flags struct {
	object  wsapi.ObjectStored
	process wsapi.ProcessStored
}

func (g *Graph) flags(pos int) flags {
	n := &g.nodes[pos]
	if n.Object != nil {
		return flags{object: n.Object.Stored}
	}
	return flags{process: n.Process.Stored}
}

// propagate walks up from pos, whose flags were just updated, recomputing
// every ancestor whose inputs changed.
func (g *Graph) propagate(pos int, wasComplete bool, changed bool) []int {
	var completed []int
	if !wasComplete && g.IsComplete(pos) {
		completed = append(completed, pos)
	}
	if !changed {
		return completed
	}
	stack := append([]int(nil), g.nodes[pos].Parents...)
	for len(stack) > 0 {
		p := g.Find(stack[len(stack)-1])
		stack = stack[:len(stack)-1]
		before := g.IsComplete(p)
		if !g.recompute(p) {
			continue
		}
		if !before && g.IsComplete(p) {
			completed = append(completed, p)
		}
		stack = append(stack, g.nodes[p].Parents...)
	}
	return completed
}

// recompute applies the completeness rules to one node and reports whether any flag changed.
func (g *Graph) recompute(pos int) bool {
	n := &g.nodes[pos]
	if n.Object != nil {
		o := n.Object
		if o.Stored.Subtree || !o.Stored.Node || !o.Known {
			return false
		}
		for _, c := range n.Children {
			if !g.nodes[g.Find(c)].Object.Stored.Subtree {
				return false
			}
		}
		o.Stored.Subtree = true
		return true
	}

	p := n.Process
	if !p.Known {
		return false
	}
	old := p.Stored
	next := old
	for _, r := range wsapi.ProcessRoles {
		if next.NodeRole(r) {
			continue
		}
		all := true
		for _, e := range p.Objects {
			if e.Role == r && !g.nodes[g.Find(e.Position)].Object.Stored.Subtree {
				all = false
				break
			}
		}
		next.SetNodeRole(r, all)
	}
	children := make([]*ProcessNode, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, g.nodes[g.Find(c)].Process)
	}
	if !next.Subtree && next.Node {
		all := true
		for _, c := range children {
			all = all && c.Stored.Subtree
		}
		next.Subtree = all
	}
	for _, r := range wsapi.ProcessRoles {
		if next.SubtreeRole(r) || !next.NodeRole(r) {
			continue
		}
		all := true
		for _, c := range children {
			all = all && c.Stored.SubtreeRole(r)
		}
		next.SetSubtreeRole(r, all)
	}
	p.Stored = next
	return next != old
}

// MergeProcessStored ORs flags an index already holds for the process at pos
// into its node and propagates upward.
func (g *Graph) MergeProcessStored(pos int, s wsapi.ProcessStored) []int {
	pos = g.Find(pos)
	before, wasComplete := g.flags(pos), g.IsComplete(pos)
	n := &g.nodes[pos]
	if n.Process == nil {
		return nil
	}
	n.Process.Stored = n.Process.Stored.Merge(s)
	g.recompute(pos)
	return g.propagate(pos, wasComplete, g.flags(pos) != before)
}
