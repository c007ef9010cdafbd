package absorb

// LayerInfo describes one named module of the traced model. Groups and the
// channel counts are only meaningful for convolutions. WrappedBy names the
// adapter kind when the exporter had already enclosed the layer in a
// wrapper; the reported type is then the wrapped module's type. An empty
// WrappedBy means the layer is a direct module.
type LayerInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Groups      int    `json:"groups,omitempty"`
	InChannels  int    `json:"in_channels,omitempty"`
	OutChannels int    `json:"out_channels,omitempty"`
	WrappedBy   string `json:"wrapped_by,omitempty"`
}

// LayerTree is a name-indexed view of the model's layers. Order of the
// underlying slice is the exporter's module order and is preserved by
// OfType.
type LayerTree struct {
	layers []LayerInfo
	byName map[string]int
}

// NewLayerTree builds the index. Duplicate names keep the first entry.
func NewLayerTree(layers []LayerInfo) *LayerTree {
	t := &LayerTree{
		layers: layers,
		byName: make(map[string]int, len(layers)),
	}
	for i, l := range layers {
		if _, ok := t.byName[l.Name]; !ok {
			t.byName[l.Name] = i
		}
	}
	return t
}

// Lookup returns the layer with the given dotted name.
func (t *LayerTree) Lookup(name string) (LayerInfo, bool) {
	i, ok := t.byName[name]
	if !ok {
		return LayerInfo{}, false
	}
	return t.layers[i], true
}

// OfType returns the names of all layers whose type is one of types, in
// module order.
func (t *LayerTree) OfType(types ...string) []string {
	want := make(map[string]bool, len(types))
	for _, ty := range types {
		want[ty] = true
	}
	var names []string
	for _, l := range t.layers {
		if want[l.Type] {
			names = append(names, l.Name)
		}
	}
	return names
}

// Len reports the number of layers.
func (t *LayerTree) Len() int { return len(t.layers) }
