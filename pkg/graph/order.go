package graph

import (
	"fmt"

	"github.com/warptools/warpstore/wsapi"
)

// Validate checks the graph is acyclic.
//
// Errors:
//
//   - warpstore-error-graph-cycle -- if it isn't
func (g *Graph) Validate() error {
	_, err := g.TopoOrder()
	return err
}

// TopoOrder lists every representative node with successors before the
// nodes that refer to them. Ties go by position, so the order is stable.
//
// Errors:
//
//   - warpstore-error-graph-cycle -- if the graph has a cycle
func (g *Graph) TopoOrder() ([]int, error) {
	result := make([]int, 0, len(g.nodes))
	// todo shrinks as nodes are placed
	todo := make(map[int]struct{}, len(g.nodes))
	for pos := range g.nodes {
		if g.Find(pos) == pos {
			todo[pos] = struct{}{}
		}
	}
	for pos := range g.nodes {
		if err := g.visit(pos, todo, map[int]struct{}{}, &result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (g *Graph) visit(pos int, todo map[int]struct{}, loopDetector map[int]struct{}, result *[]int) error {
	pos = g.Find(pos)
	// already placed
	if _, ok := todo[pos]; !ok {
		return nil
	}
	if _, ok := loopDetector[pos]; ok {
		return wsapi.ErrorGraphCycle(g.describe(pos))
	}
	loopDetector[pos] = struct{}{}
	for _, next := range g.Successors(pos) {
		if err := g.visit(next, todo, loopDetector, result); err != nil {
			return err
		}
	}
	delete(loopDetector, pos)
	*result = append(*result, pos)
	delete(todo, pos)
	return nil
}

func (g *Graph) describe(pos int) string {
	if it, ok := g.Item(pos); ok {
		return it.String()
	}
	return fmt.Sprintf("position %d", pos)
}

// Finalize assigns ids to every object node that lacks one, children first,
// by calling hash with the node's position and its children's ids in edge
// order. If a computed id is already held by another node the two are unified.
// The returned map covers every object position, merged ones included.
//
// Errors:
//
//   - warpstore-error-graph-cycle -- if the graph has a cycle
//   - warpstore-error-internal -- if a child is left without an id
//   - any error returned by hash
func (g *Graph) Finalize(hash func(pos int, children []wsapi.ObjectID) (wsapi.ObjectID, error)) (map[int]wsapi.ObjectID, error) {
	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}
	for _, pos := range order {
		pos = g.Find(pos)
		n := &g.nodes[pos]
		if n.Object == nil || n.Object.ID != nil {
			continue
		}
		children := make([]wsapi.ObjectID, 0, len(n.Children))
		for _, c := range n.Children {
			id, ok := g.ObjectID(c)
			if !ok {
				return nil, wsapi.ErrorInternal("finalize", fmt.Errorf("child %d of %d has no id", c, pos))
			}
			children = append(children, id)
		}
		id, err := hash(pos, children)
		if err != nil {
			return nil, err
		}
		n = &g.nodes[pos]
		n.Object.ID = &id
		if existing, ok := g.objects[id]; ok && g.Find(existing) != pos {
			if err := g.Unify(existing, pos); err != nil {
				return nil, err
			}
			continue
		}
		g.objects[id] = pos
	}
	out := make(map[int]wsapi.ObjectID, len(g.nodes))
	for pos := range g.nodes {
		if id, ok := g.ObjectID(pos); ok {
			out[pos] = id
		}
	}
	return out, nil
}
