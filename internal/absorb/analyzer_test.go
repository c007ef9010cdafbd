package absorb

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/samcharles93/crush/internal/logger"
)

func testAnalyzer() *Analyzer {
	return NewAnalyzer(logger.JSON(io.Discard, slog.LevelError))
}

func mustGraph(t *testing.T, nodes ...*Node) *Graph {
	t.Helper()
	g, err := NewGraph(nodes)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	return g
}

func linearLayers(names ...string) *LayerTree {
	infos := make([]LayerInfo, len(names))
	for i, n := range names {
		infos[i] = LayerInfo{Name: n, Type: "Linear"}
	}
	return NewLayerTree(infos)
}

func TestAbsorbThroughSkipOp(t *testing.T) {
	g := mustGraph(t,
		&Node{Op: "aten::linear", Name: "fc1", Inputs: []string{"x"}, Outputs: []string{"v1"}},
		&Node{Op: "aten::relu", Inputs: []string{"v1"}, Outputs: []string{"v2"}},
		&Node{Op: "aten::linear", Name: "fc2", Inputs: []string{"v2"}, Outputs: []string{"v3"}},
	)
	m, none := testAnalyzer().AbsorbToLayer(g, linearLayers("fc1", "fc2"), []string{"Linear"})
	if len(none)+len(m) == 0 {
		t.Fatalf("no results")
	}
	if got := m["fc1"]; len(got) != 1 || got[0] != "fc2" {
		t.Fatalf("fc1 absorbs %v, want [fc2]", got)
	}
	// fc1 itself is fed by the graph input and has no absorber
	if len(none) != 1 || none[0] != "fc1" {
		t.Fatalf("no-absorb list %v, want [fc1]", none)
	}
}

func TestAbsorbSharedNormFanOut(t *testing.T) {
	g := mustGraph(t,
		&Node{Op: "aten::layer_norm", Name: "ln", Inputs: []string{"x"}, Outputs: []string{"v1"}},
		&Node{Op: "aten::linear", Name: "q", Inputs: []string{"v1"}, Outputs: []string{"v2"}},
		&Node{Op: "aten::linear", Name: "k", Inputs: []string{"v1"}, Outputs: []string{"v3"}},
		&Node{Op: "aten::size", Inputs: []string{"v1"}, Outputs: []string{"v4"}},
	)
	tree := NewLayerTree([]LayerInfo{
		{Name: "ln", Type: "LayerNorm"},
		{Name: "q", Type: "Linear"},
		{Name: "k", Type: "Linear"},
	})
	m, none := testAnalyzer().AbsorbToLayer(g, tree, []string{"Linear"})
	if got := m["ln"]; len(got) != 2 || got[0] != "q" || got[1] != "k" {
		t.Fatalf("ln absorbs %v, want [q k]", got)
	}
	if len(none) != 0 {
		t.Fatalf("unexpected no-absorb layers %v", none)
	}
}

func TestAbsorbRejectsMixedFanOut(t *testing.T) {
	// ln also feeds an add, so rescaling its output would change the sum
	g := mustGraph(t,
		&Node{Op: "aten::layer_norm", Name: "ln", Inputs: []string{"x"}, Outputs: []string{"v1"}},
		&Node{Op: "aten::linear", Name: "fc", Inputs: []string{"v1"}, Outputs: []string{"v2"}},
		&Node{Op: "aten::add", Inputs: []string{"v1", "r"}, Outputs: []string{"v3"}},
	)
	m, none := testAnalyzer().AbsorbToLayer(g, linearLayers("fc"), []string{"Linear"})
	if len(m) != 0 {
		t.Fatalf("unexpected absorb map %v", m)
	}
	if len(none) != 1 || none[0] != "fc" {
		t.Fatalf("no-absorb list %v, want [fc]", none)
	}
}

func TestAbsorbFanOutThroughSkipChain(t *testing.T) {
	// every path from ln's output reaches an absorbable op, one of them via
	// a relu chain
	g := mustGraph(t,
		&Node{Op: "aten::layer_norm", Name: "ln", Inputs: []string{"x"}, Outputs: []string{"v1"}},
		&Node{Op: "aten::linear", Name: "fc1", Inputs: []string{"v1"}, Outputs: []string{"v2"}},
		&Node{Op: "aten::relu", Inputs: []string{"v1"}, Outputs: []string{"v3"}},
		&Node{Op: "aten::linear", Name: "fc2", Inputs: []string{"v3"}, Outputs: []string{"v4"}},
	)
	tree := NewLayerTree([]LayerInfo{
		{Name: "ln", Type: "LayerNorm"},
		{Name: "fc1", Type: "Linear"},
		{Name: "fc2", Type: "Linear"},
	})
	m, _ := testAnalyzer().AbsorbToLayer(g, tree, []string{"Linear"})
	if got := m["ln"]; len(got) != 2 {
		t.Fatalf("ln absorbs %v, want both linears", got)
	}
}

func TestAbsorbRejectsSkipChainToUnknownOp(t *testing.T) {
	g := mustGraph(t,
		&Node{Op: "aten::layer_norm", Name: "ln", Inputs: []string{"x"}, Outputs: []string{"v1"}},
		&Node{Op: "aten::linear", Name: "fc", Inputs: []string{"v1"}, Outputs: []string{"v2"}},
		&Node{Op: "aten::relu", Inputs: []string{"v1"}, Outputs: []string{"v3"}},
		&Node{Op: "aten::softmax", Inputs: []string{"v3"}, Outputs: []string{"v4"}},
	)
	m, none := testAnalyzer().AbsorbToLayer(g, linearLayers("fc"), []string{"Linear"})
	if len(m) != 0 || len(none) != 1 {
		t.Fatalf("got map %v, no-absorb %v; want rejection", m, none)
	}
}

func TestRemoveUnsupportedGroupedConv(t *testing.T) {
	g := mustGraph(t,
		&Node{Op: "aten::batch_norm", Name: "bn", Inputs: []string{"x"}, Outputs: []string{"v1"}},
		&Node{Op: "aten::_convolution", Name: "dw", Inputs: []string{"v1"}, Outputs: []string{"v2"}},
		&Node{Op: "aten::batch_norm", Name: "bn2", Inputs: []string{"v2"}, Outputs: []string{"v3"}},
		&Node{Op: "aten::_convolution", Name: "grouped", Inputs: []string{"v3"}, Outputs: []string{"v4"}},
	)
	tree := NewLayerTree([]LayerInfo{
		{Name: "bn", Type: "BatchNorm2d"},
		{Name: "dw", Type: "Conv2d", Groups: 32, InChannels: 32, OutChannels: 32},
		{Name: "bn2", Type: "BatchNorm2d"},
		{Name: "grouped", Type: "Conv2d", Groups: 4, InChannels: 32, OutChannels: 64},
	})
	m, none := testAnalyzer().AbsorbToLayer(g, tree, []string{"Conv2d"})
	if got := m["bn"]; len(got) != 1 || got[0] != "dw" {
		t.Fatalf("bn absorbs %v, want the depthwise conv", got)
	}
	if _, ok := m["bn2"]; ok {
		t.Fatalf("non-depthwise grouped conv kept an absorber")
	}
	found := false
	for _, n := range none {
		if n == "grouped" {
			found = true
		}
	}
	if !found {
		t.Fatalf("grouped conv missing from no-absorb list %v", none)
	}
}

func TestAbsorbNilGraph(t *testing.T) {
	m, none := testAnalyzer().AbsorbToLayer(nil, linearLayers(), []string{"Linear"})
	if m != nil || none != nil {
		t.Fatalf("nil graph should yield nil results, got %v / %v", m, none)
	}
}

func TestUnknownOpTypeIgnored(t *testing.T) {
	g := mustGraph(t,
		&Node{Op: "aten::linear", Name: "fc", Inputs: []string{"x"}, Outputs: []string{"v1"}},
	)
	m, none := testAnalyzer().AbsorbToLayer(g, linearLayers("fc"), []string{"Embedding"})
	if len(m) != 0 || len(none) != 0 {
		t.Fatalf("unknown op type produced results: %v / %v", m, none)
	}
}

func TestLayersFallsBackToLayerList(t *testing.T) {
	tree := NewLayerTree([]LayerInfo{
		{Name: "fc1", Type: "Linear"},
		{Name: "emb", Type: "Embedding"},
		{Name: "fc2", Type: "Linear"},
	})
	m, none := testAnalyzer().Layers(nil, tree, []string{"Linear"})
	if len(m) != 0 {
		t.Fatalf("unexpected absorption pairs %v", m)
	}
	if len(none) != 2 || none[0] != "fc1" || none[1] != "fc2" {
		t.Fatalf("fallback layers %v, want [fc1 fc2]", none)
	}
}

func TestReadTrace(t *testing.T) {
	const raw = `{
		"nodes": [
			{"op": "aten::linear", "name": "fc1", "inputs": ["x"], "outputs": ["v1"]},
			{"op": "aten::relu", "inputs": ["v1"], "outputs": ["v2"]},
			{"op": "aten::linear", "name": "fc2", "inputs": ["v2"], "outputs": ["v3"]}
		],
		"layers": [
			{"name": "fc1", "type": "Linear"},
			{"name": "fc2", "type": "Linear"}
		]
	}`
	g, tree, err := ReadTrace(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadTrace: %v", err)
	}
	if len(g.Nodes) != 3 || tree.Len() != 2 {
		t.Fatalf("got %d nodes, %d layers", len(g.Nodes), tree.Len())
	}
	m, _ := testAnalyzer().AbsorbToLayer(g, tree, []string{"Linear"})
	if got := m["fc1"]; len(got) != 1 || got[0] != "fc2" {
		t.Fatalf("fc1 absorbs %v, want [fc2]", got)
	}
}

func TestGraphRejectsDuplicateProducer(t *testing.T) {
	_, err := NewGraph([]*Node{
		{Op: "aten::linear", Outputs: []string{"v1"}},
		{Op: "aten::relu", Outputs: []string{"v1"}},
	})
	if err == nil {
		t.Fatalf("expected an error for a doubly produced value")
	}
}

func TestLayerTreeOfType(t *testing.T) {
	tree := NewLayerTree([]LayerInfo{
		{Name: "a", Type: "Linear"},
		{Name: "b", Type: "LayerNorm"},
		{Name: "c", Type: "Linear"},
	})
	got := tree.OfType("Linear")
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("OfType returned %v", got)
	}
}
