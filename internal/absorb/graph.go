// Package absorb analyzes a traced compute graph to find, for each
// quantizable layer, the preceding layer whose output scaling it can absorb.
// The graph and layer metadata come from a trace file rather than a live
// runtime, so the analysis is a pure function of its inputs.
package absorb

import (
	"fmt"
)

// Node is one operation in the traced graph. Name is the dotted module path
// that produced the op and may be empty for ops with no module scope.
// Inputs and Outputs are value identifiers; a value produced by one node and
// consumed by another forms an edge.
type Node struct {
	Op      string
	Name    string
	Inputs  []string
	Outputs []string
}

// Graph is an immutable dataflow graph with producer/consumer indexes built
// once at construction.
type Graph struct {
	Nodes  []*Node
	values map[string]*valueEdges
}

type valueEdges struct {
	producer *Node
	users    []*Node
}

// NewGraph indexes nodes into a Graph. A value with two producers is a
// malformed trace and rejected; consuming a value no node produces is fine
// (graph inputs and constants look like that).
func NewGraph(nodes []*Node) (*Graph, error) {
	g := &Graph{
		Nodes:  nodes,
		values: make(map[string]*valueEdges),
	}
	edge := func(id string) *valueEdges {
		e, ok := g.values[id]
		if !ok {
			e = &valueEdges{}
			g.values[id] = e
		}
		return e
	}
	for _, n := range nodes {
		for _, out := range n.Outputs {
			e := edge(out)
			if e.producer != nil {
				return nil, fmt.Errorf("absorb: value %q produced by both %q and %q", out, e.producer.Op, n.Op)
			}
			e.producer = n
		}
	}
	for _, n := range nodes {
		for _, in := range n.Inputs {
			edge(in).users = append(edge(in).users, n)
		}
	}
	return g, nil
}

// Producer returns the node producing a value, or nil for graph inputs.
func (g *Graph) Producer(valueID string) *Node {
	if e, ok := g.values[valueID]; ok {
		return e.producer
	}
	return nil
}

// Users returns the nodes consuming a value, in trace order.
func (g *Graph) Users(valueID string) []*Node {
	if e, ok := g.values[valueID]; ok {
		return e.users
	}
	return nil
}

// parent returns the producer of a node's first input, mirroring how the
// upstream walk moves through the graph. Nil when the node has no inputs or
// the first input is a graph input.
func (g *Graph) parent(n *Node) *Node {
	if len(n.Inputs) == 0 {
		return nil
	}
	return g.Producer(n.Inputs[0])
}
