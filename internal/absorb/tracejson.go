package absorb

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
)

// Trace is the on-disk form of a traced model: the operation graph plus the
// layer metadata needed to validate absorption targets.
type Trace struct {
	Nodes  []nodeJSON  `json:"nodes"`
	Layers []LayerInfo `json:"layers"`
}

type nodeJSON struct {
	Op      string   `json:"op"`
	Name    string   `json:"name,omitempty"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// LoadTrace reads a trace file and returns the indexed graph and layer tree.
func LoadTrace(path string) (*Graph, *LayerTree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()
	return ReadTrace(f)
}

// ReadTrace decodes a trace from r.
func ReadTrace(r io.Reader) (*Graph, *LayerTree, error) {
	var t Trace
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, nil, fmt.Errorf("decode trace: %w", err)
	}
	if len(t.Nodes) == 0 {
		return nil, nil, fmt.Errorf("decode trace: no nodes")
	}
	nodes := make([]*Node, len(t.Nodes))
	for i, n := range t.Nodes {
		nodes[i] = &Node{Op: n.Op, Name: n.Name, Inputs: n.Inputs, Outputs: n.Outputs}
	}
	g, err := NewGraph(nodes)
	if err != nil {
		return nil, nil, err
	}
	return g, NewLayerTree(t.Layers), nil
}
