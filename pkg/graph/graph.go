/*
Package graph holds an in-memory object/process graph whose nodes are
addressed by position.

Positions are handed out in discovery order and stay valid for the life of the
graph, which lets a node exist before its id is known (checkin computes ids
children first, see Finalize) and lets the sync getter track what it has
received without hashing anything twice.

A Graph is not safe for concurrent use; it belongs to whichever goroutine
built it.
*/
package graph

import (
	"fmt"

	"github.com/warptools/warpstore/wsapi"
)

// Node is one vertex. Exactly one of Object and Process is set.
//
// For an object, Children are child objects and Parents are every object or
// process referring to it. For a process, Children are child processes,
// Parents are parent processes, and the objects it references are in
// Process.Objects.
type Node struct {
	Object   *ObjectNode
	Process  *ProcessNode
	Parents  []int
	Children []int
}

type ObjectNode struct {
	// ID is nil until the object's bytes have been hashed.
	ID       *wsapi.ObjectID
	Kind     wsapi.ObjectKind
	Metadata wsapi.ObjectMetadata
	Stored   wsapi.ObjectStored
	// Known is set once the children are known.
	Known bool
}

type ProcessNode struct {
	ID       wsapi.ProcessID
	Objects  []ObjectEdge
	Metadata wsapi.ProcessMetadata
	Stored   wsapi.ProcessStored
	Known    bool
}

// ObjectEdge is a process's reference to an object node.
type ObjectEdge struct {
	Position int
	Role     wsapi.ProcessRole
}

type Graph struct {
	nodes     []Node
	union     []int
	objects   map[wsapi.ObjectID]int
	processes map[wsapi.ProcessID]int
}

func New() *Graph {
	return &Graph{
		objects:   map[wsapi.ObjectID]int{},
		processes: map[wsapi.ProcessID]int{},
	}
}

// Len is the number of positions handed out, merged ones included.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node at the representative of pos.
// The pointer is invalidated by the next Add call.
func (g *Graph) Node(pos int) *Node {
	return &g.nodes[g.Find(pos)]
}

func (g *Graph) push(n Node) int {
	pos := len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.union = append(g.union, pos)
	return pos
}

// AddObject returns the position of the object with the given id, adding a
// node if it's new. A nil id always adds a fresh node.
func (g *Graph) AddObject(kind wsapi.ObjectKind, id *wsapi.ObjectID) int {
	if id != nil {
		if pos, ok := g.objects[*id]; ok {
			return g.Find(pos)
		}
		id := *id
		pos := g.push(Node{Object: &ObjectNode{ID: &id, Kind: id.Kind}})
		g.objects[id] = pos
		return pos
	}
	return g.push(Node{Object: &ObjectNode{Kind: kind}})
}

// AddProcess returns the position of the process, adding a node if it's new.
func (g *Graph) AddProcess(id wsapi.ProcessID) int {
	if pos, ok := g.processes[id]; ok {
		return g.Find(pos)
	}
	pos := g.push(Node{Process: &ProcessNode{ID: id}})
	g.processes[id] = pos
	return pos
}

// LookupObject finds the position of an object by id.
func (g *Graph) LookupObject(id wsapi.ObjectID) (int, bool) {
	pos, ok := g.objects[id]
	if !ok {
		return 0, false
	}
	return g.Find(pos), true
}

func (g *Graph) LookupProcess(id wsapi.ProcessID) (int, bool) {
	pos, ok := g.processes[id]
	if !ok {
		return 0, false
	}
	return g.Find(pos), true
}

// UpdateObject records what the object's data revealed: its children and size,
// plus any metadata the sender knew. Children are only recorded the first time;
// metadata fields already known are kept.
//
// Errors:
//
//   - warpstore-error-invalid -- if pos or a child is not an object node
func (g *Graph) UpdateObject(pos int, children []int, size uint64, metadata *wsapi.ObjectMetadata) error {
	pos = g.Find(pos)
	n := &g.nodes[pos]
	if n.Object == nil {
		return wsapi.ErrorInvalid(fmt.Sprintf("position %d is not an object", pos))
	}
	if !n.Object.Known {
		for _, c := range children {
			c = g.Find(c)
			if g.nodes[c].Object == nil {
				return wsapi.ErrorInvalid(fmt.Sprintf("child %d of object %d is not an object", c, pos))
			}
		}
		n.Object.Known = true
		for _, c := range children {
			g.link(pos, g.Find(c))
		}
	}
	n.Object.Metadata.Size = size
	if metadata != nil {
		if n.Object.Metadata.Count == nil {
			n.Object.Metadata.Count = metadata.Count
		}
		if n.Object.Metadata.Weight == nil {
			n.Object.Metadata.Weight = metadata.Weight
		}
	}
	return nil
}

// UpdateProcess records a process's child processes and referenced objects.
// As with the index, edges may be added until the process is known to be
// finished; pass finished once the record says so.
//
// Errors:
//
//   - warpstore-error-invalid -- if pos is not a process or an edge points at the wrong kind of node
func (g *Graph) UpdateProcess(pos int, children []int, objects []ObjectEdge, finished bool, metadata *wsapi.ProcessMetadata) error {
	pos = g.Find(pos)
	n := &g.nodes[pos]
	if n.Process == nil {
		return wsapi.ErrorInvalid(fmt.Sprintf("position %d is not a process", pos))
	}
	for _, c := range children {
		if g.nodes[g.Find(c)].Process == nil {
			return wsapi.ErrorInvalid(fmt.Sprintf("child %d of process %d is not a process", c, pos))
		}
	}
	for _, o := range objects {
		if g.nodes[g.Find(o.Position)].Object == nil {
			return wsapi.ErrorInvalid(fmt.Sprintf("%s object %d of process %d is not an object", o.Role, o.Position, pos))
		}
	}
	if !n.Process.Known {
		for _, c := range children {
			g.link(pos, g.Find(c))
		}
		for _, o := range objects {
			op := g.Find(o.Position)
			if !hasEdge(n.Process.Objects, op, o.Role) {
				n.Process.Objects = append(n.Process.Objects, ObjectEdge{Position: op, Role: o.Role})
				g.nodes[op].Parents = appendUnique(g.nodes[op].Parents, pos)
			}
		}
		n.Process.Known = finished
	}
	if metadata != nil {
		if n.Process.Metadata.Count == nil {
			n.Process.Metadata.Count = metadata.Count
		}
		if n.Process.Metadata.Weight == nil {
			n.Process.Metadata.Weight = metadata.Weight
		}
	}
	return nil
}

func (g *Graph) link(parent, child int) {
	g.nodes[parent].Children = appendUnique(g.nodes[parent].Children, child)
	g.nodes[child].Parents = appendUnique(g.nodes[child].Parents, parent)
}

// Successors lists the child nodes of pos, and for a process the objects it references.
func (g *Graph) Successors(pos int) []int {
	n := g.Node(pos)
	out := append([]int(nil), n.Children...)
	if n.Process != nil {
		for _, o := range n.Process.Objects {
			out = appendUnique(out, o.Position)
		}
	}
	return out
}

// Predecessors lists every node with an edge to pos.
func (g *Graph) Predecessors(pos int) []int {
	return append([]int(nil), g.Node(pos).Parents...)
}

// ObjectID returns the id of the object at pos, if it has one yet.
func (g *Graph) ObjectID(pos int) (wsapi.ObjectID, bool) {
	n := g.Node(pos)
	if n.Object == nil || n.Object.ID == nil {
		return wsapi.ObjectID{}, false
	}
	return *n.Object.ID, true
}

// Item returns the id of the node at pos as an Item, if it has one yet.
func (g *Graph) Item(pos int) (wsapi.Item, bool) {
	n := g.Node(pos)
	switch {
	case n.Process != nil:
		return wsapi.ProcessItem(n.Process.ID), true
	case n.Object.ID != nil:
		return wsapi.ObjectItem(*n.Object.ID), true
	}
	return wsapi.Item{}, false
}

func appendUnique(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

func hasEdge(edges []ObjectEdge, pos int, role wsapi.ProcessRole) bool {
	for _, e := range edges {
		if e.Position == pos && e.Role == role {
			return true
		}
	}
	return false
}
