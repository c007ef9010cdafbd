package absorb

import (
	"sort"

	"github.com/samcharles93/crush/internal/logger"
)

// moduleToOp maps exporter module type names to the graph op they trace to.
// Only listed types participate in absorption analysis.
var moduleToOp = map[string]string{
	"Linear":          "aten::linear",
	"Conv2d":          "aten::_convolution",
	"ConvTranspose2d": "aten::_convolution",
	"LayerNorm":       "aten::layer_norm",
	"BatchNorm2d":     "aten::batch_norm",
	"GroupNorm":       "aten::group_norm",
	"InstanceNorm2d":  "aten::instance_norm",
	"LlamaRMSNorm":    "aten::mul",
	"T5LayerNorm":     "aten::mul",
	"LPLayerNorm":     "aten::layer_norm",
}

// skipOps are shape- and sign-preserving ops the upstream walk may pass
// through: scaling commutes with them.
var skipOps = map[string]bool{
	"aten::to":         true,
	"aten::relu":       true,
	"aten::leaky_relu": true,
	"aten::hardtanh":   true,
}

// absorbableOps can fold a per-channel scale into their own parameters.
var absorbableOps = map[string]bool{
	"aten::layer_norm":    true,
	"aten::batch_norm":    true,
	"aten::linear":        true,
	"aten::_convolution":  true,
	"aten::group_norm":    true,
	"aten::instance_norm": true,
	"aten::mul":           true,
}

// SupportedOpTypes lists the module type names the analyzer recognizes,
// sorted for stable output.
func SupportedOpTypes() []string {
	types := make([]string, 0, len(moduleToOp))
	for t := range moduleToOp {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Analyzer finds absorption pairs in a traced graph.
type Analyzer struct {
	log logger.Logger
}

func NewAnalyzer(log logger.Logger) *Analyzer {
	if log == nil {
		log = logger.Default()
	}
	return &Analyzer{log: log}
}

// AbsorbToLayer maps each absorbing layer name to the quantizable layers
// that can fold their input scaling into it, considering only layers whose
// module type is in opTypes. Layers with no usable absorber are returned in
// the second value, in trace order.
//
// A nil graph means tracing failed upstream; the analysis is skipped with a
// warning rather than treated as an error, matching a model that simply has
// no absorbable structure.
func (a *Analyzer) AbsorbToLayer(g *Graph, tree *LayerTree, opTypes []string) (map[string][]string, []string) {
	if g == nil {
		a.log.Warn("no trace available, absorb layer detection skipped")
		return nil, nil
	}

	ops := a.mapOpTypes(opTypes)
	absorbToLayer := make(map[string][]string)
	var noAbsorb []string
	for _, n := range g.Nodes {
		if !ops[n.Op] {
			continue
		}
		absorber := a.prevAbsorb(g, n)
		if absorber == nil {
			noAbsorb = append(noAbsorb, n.Name)
			continue
		}
		if n.Name == "" || absorber.Name == "" {
			continue
		}
		absorbToLayer[absorber.Name] = append(absorbToLayer[absorber.Name], n.Name)
	}
	if tree != nil {
		absorbToLayer = a.removeUnsupported(tree, absorbToLayer, &noAbsorb)
	}
	return absorbToLayer, noAbsorb
}

// mapOpTypes translates module type names to the graph op set, warning on
// and dropping unknown types.
func (a *Analyzer) mapOpTypes(opTypes []string) map[string]bool {
	ops := make(map[string]bool, len(opTypes))
	for _, t := range opTypes {
		op, ok := moduleToOp[t]
		if !ok {
			a.log.Warn("unsupported op type ignored", "type", t)
			continue
		}
		ops[op] = true
	}
	return ops
}

// prevAbsorb walks upstream from n through skip ops to the nearest
// absorbable producer, then verifies every consumer of that producer's
// output tolerates a rescaled value. Absorption is all-or-nothing: a single
// incompatible consumer disqualifies the absorber, because rescaling its
// output would change what that consumer sees.
func (a *Analyzer) prevAbsorb(g *Graph, n *Node) *Node {
	parent := g.parent(n)
	for parent != nil && skipOps[parent.Op] {
		parent = g.parent(parent)
	}
	if parent == nil || !absorbableOps[parent.Op] || len(parent.Outputs) == 0 {
		return nil
	}

	kinds := make(map[string]bool)
	for _, user := range g.Users(parent.Outputs[0]) {
		if user.Op != "aten::size" {
			kinds[user.Op] = true
		}
	}
	allAbsorbable := true
	anySkip := false
	for op := range kinds {
		if !absorbableOps[op] {
			allAbsorbable = false
		}
		if skipOps[op] {
			anySkip = true
		}
	}
	switch {
	case allAbsorbable:
		return parent
	case anySkip && a.skipOpAbsorb(g, parent):
		return parent
	default:
		return nil
	}
}

// skipOpAbsorb checks whether every consumer reachable from n's output
// through chains of skip ops ends at an absorbable op. Shape queries are
// ignored.
func (a *Analyzer) skipOpAbsorb(g *Graph, n *Node) bool {
	for _, user := range g.Users(n.Outputs[0]) {
		switch {
		case user.Op == "aten::size":
		case absorbableOps[user.Op]:
		case skipOps[user.Op]:
			if len(user.Outputs) == 0 || !a.skipOpAbsorb(g, user) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// removeUnsupported drops pairs whose absorber or target has a module type
// outside the registry, or a grouped convolution that is not depthwise.
// Dropped targets are reclassified as having no absorber. Keys are visited
// in sorted order so the reclassified list is deterministic.
func (a *Analyzer) removeUnsupported(tree *LayerTree, m map[string][]string, noAbsorb *[]string) map[string][]string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := make(map[string][]string, len(m))
	for _, key := range keys {
		absorber, ok := tree.Lookup(key)
		if !ok || moduleToOp[absorber.Type] == "" {
			*noAbsorb = append(*noAbsorb, m[key]...)
			continue
		}
		supported := true
		for _, name := range m[key] {
			layer, ok := tree.Lookup(name)
			if !ok || moduleToOp[layer.Type] == "" || !validConv(layer) {
				supported = false
				*noAbsorb = append(*noAbsorb, m[key]...)
				break
			}
		}
		if supported {
			res[key] = m[key]
		}
	}
	return res
}

// Layers runs the absorption analysis and, when nothing at all could be
// resolved, falls back to listing every layer of the requested types as
// unabsorbable, so callers always receive the quantizable targets.
func (a *Analyzer) Layers(g *Graph, tree *LayerTree, opTypes []string) (map[string][]string, []string) {
	absorbToLayer, noAbsorb := a.AbsorbToLayer(g, tree, opTypes)
	if len(absorbToLayer) == 0 && len(noAbsorb) == 0 && tree != nil {
		noAbsorb = tree.OfType(opTypes...)
		a.log.Warn("no absorption pairs detected", "fallback_layers", len(noAbsorb))
	}
	return absorbToLayer, noAbsorb
}

// validConv admits any non-convolution, ungrouped convolutions, and
// depthwise convolutions (groups == in channels == out channels). Other
// grouped convolutions cannot absorb a per-channel scale.
func validConv(l LayerInfo) bool {
	if l.Type != "Conv2d" || l.Groups <= 1 {
		return true
	}
	return l.InChannels == l.OutChannels && l.Groups == l.InChannels
}
