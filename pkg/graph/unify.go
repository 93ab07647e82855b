package graph

import (
	"fmt"

	"github.com/warptools/warpstore/wsapi"
)

// Find returns the representative position of pos.
// Positions merged away by Unify resolve to the node they were merged into.
func (g *Graph) Find(pos int) int {
	root := pos
	for g.union[root] != root {
		root = g.union[root]
	}
	for g.union[pos] != root {
		next := g.union[pos]
		g.union[pos] = root
		pos = next
	}
	return root
}

// Unify merges the nodes at a and b. The lower position becomes the
// representative and takes over every edge of the other; flags are ORed and
// known metadata is kept.
//
// Errors:
//
//   - warpstore-error-invalid -- if the nodes are of different kinds or carry different ids
func (g *Graph) Unify(a, b int) error {
	ra, rb := g.Find(a), g.Find(b)
	if ra == rb {
		return nil
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	rep, other := &g.nodes[ra], &g.nodes[rb]
	switch {
	case rep.Object != nil && other.Object != nil:
		if rep.Object.ID != nil && other.Object.ID != nil && *rep.Object.ID != *other.Object.ID {
			return wsapi.ErrorInvalid(fmt.Sprintf("cannot unify %s with %s", rep.Object.ID, other.Object.ID))
		}
		if rep.Object.ID == nil {
			rep.Object.ID = other.Object.ID
		}
		if rep.Object.Kind == "" {
			rep.Object.Kind = other.Object.Kind
		}
		rep.Object.Known = rep.Object.Known || other.Object.Known
		rep.Object.Stored.Node = rep.Object.Stored.Node || other.Object.Stored.Node
		rep.Object.Stored.Subtree = rep.Object.Stored.Subtree || other.Object.Stored.Subtree
		if rep.Object.Metadata.Size == 0 {
			rep.Object.Metadata.Size = other.Object.Metadata.Size
		}
		if rep.Object.Metadata.Count == nil {
			rep.Object.Metadata.Count = other.Object.Metadata.Count
		}
		if rep.Object.Metadata.Weight == nil {
			rep.Object.Metadata.Weight = other.Object.Metadata.Weight
		}
	case rep.Process != nil && other.Process != nil:
		if rep.Process.ID != other.Process.ID {
			return wsapi.ErrorInvalid(fmt.Sprintf("cannot unify %s with %s", rep.Process.ID, other.Process.ID))
		}
	default:
		return wsapi.ErrorInvalid(fmt.Sprintf("cannot unify an object with a process at %d and %d", ra, rb))
	}
	g.union[rb] = ra

	for _, c := range other.Children {
		c = g.Find(c)
		g.nodes[c].Parents = replace(g.nodes[c].Parents, rb, ra)
		rep.Children = appendUnique(rep.Children, c)
	}
	for _, p := range other.Parents {
		p = g.Find(p)
		pn := &g.nodes[p]
		pn.Children = replace(pn.Children, rb, ra)
		if pn.Process != nil {
			for i := range pn.Process.Objects {
				if pn.Process.Objects[i].Position == rb {
					pn.Process.Objects[i].Position = ra
				}
			}
		}
		rep.Parents = appendUnique(rep.Parents, p)
	}
	if other.Object != nil && other.Object.ID != nil {
		g.objects[*other.Object.ID] = ra
	}
	other.Children, other.Parents = nil, nil
	return nil
}

// UnifyByShape merges nodes whose key is equal. Nodes are visited children
// first, so a key built from children's positions sees them already merged.
// Nodes for which key reports false are left alone.
//
// Errors:
//
//   - warpstore-error-graph-cycle -- if the graph has a cycle
//   - warpstore-error-invalid -- if two nodes with the same key can't be unified
func (g *Graph) UnifyByShape(key func(g *Graph, pos int) (string, bool)) (merged int, err error) {
	order, err := g.TopoOrder()
	if err != nil {
		return 0, err
	}
	seen := map[string]int{}
	for _, pos := range order {
		pos = g.Find(pos)
		k, ok := key(g, pos)
		if !ok {
			continue
		}
		first, ok := seen[k]
		if !ok {
			seen[k] = pos
			continue
		}
		if err := g.Unify(first, pos); err != nil {
			return merged, err
		}
		seen[k] = g.Find(first)
		merged++
	}
	return merged, nil
}

// replace swaps from for to in s, dropping from if to is already present.
func replace(s []int, from, to int) []int {
	has := false
	for _, x := range s {
		if x == to {
			has = true
		}
	}
	out := s[:0]
	for _, x := range s {
		switch {
		case x == from && has:
		case x == from:
			out = append(out, to)
			has = true
		default:
			out = append(out, x)
		}
	}
	return out
}
