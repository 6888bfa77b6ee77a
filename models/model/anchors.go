package model

import "gopkg.in/yaml.v3"

// Anchor is a predefined box size in absolute pixels.
type Anchor struct {
	Width  float32 `json:"width" yaml:"width"`
	Height float32 `json:"height" yaml:"height"`
}

// UnmarshalYAML accepts both the [w, h] pair form and the {width, height} form.
func (a *Anchor) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var pair []float32
		if err := value.Decode(&pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return ConfigErrorf("anchor must be a [width, height] pair, got %v", pair)
		}
		a.Width, a.Height = pair[0], pair[1]
		return nil
	}

	type plain Anchor
	return value.Decode((*plain)(a))
}

// AnchorSet is the ordered list of anchors used by one output branch. Its
// length is the number of anchors per grid cell.
type AnchorSet []Anchor

// Flatten returns the anchors as interleaved width, height values.
func (s AnchorSet) Flatten() []float32 {
	out := make([]float32, 0, 2*len(s))
	for _, a := range s {
		out = append(out, a.Width, a.Height)
	}
	return out
}

// DefaultMasks are the anchor masks used when a network carries a single flat
// anchor list and no masks, keyed by the number of output branches. Coarse
// branches come first and take the largest anchors.
var DefaultMasks = map[int][][]int{
	1: {{0, 1, 2}},
	2: {{3, 4, 5}, {1, 2, 3}},
	3: {{6, 7, 8}, {3, 4, 5}, {0, 1, 2}},
}

// BranchAnchors resolves the anchor set of every output branch.
//
// When the metadata holds exactly one anchor set per branch it is used as is.
// Otherwise the first anchor set is treated as a flat list and split through
// the configured masks, or DefaultMasks for the branch count.
//
// Arguments:
//   - branches: The number of output branches of the network.
//
// Returns:
//   - []AnchorSet: One anchor set per branch.
//   - error: ErrConfiguration if the sets cannot be matched to the branches.
func (m Metadata) BranchAnchors(branches int) ([]AnchorSet, error) {
	if branches <= 0 {
		return nil, ConfigErrorf("invalid branch count %d", branches)
	}
	if len(m.Anchors) == 0 {
		return nil, ConfigErrorf("network metadata has no anchors")
	}

	if len(m.Masks) == 0 && len(m.Anchors) == branches {
		return m.Anchors, nil
	}

	if len(m.Anchors) != 1 {
		return nil, ConfigErrorf("%d anchor sets for %d output branches", len(m.Anchors), branches)
	}

	masks := m.Masks
	if len(masks) == 0 {
		var ok bool
		if masks, ok = DefaultMasks[branches]; !ok {
			return nil, ConfigErrorf("no default anchor masks for %d output branches", branches)
		}
	}
	if len(masks) != branches {
		return nil, ConfigErrorf("%d anchor masks for %d output branches", len(masks), branches)
	}

	flat := m.Anchors[0]
	sets := make([]AnchorSet, len(masks))
	for i, mask := range masks {
		set := make(AnchorSet, 0, len(mask))
		for _, idx := range mask {
			if idx < 0 || idx >= len(flat) {
				return nil, ConfigErrorf("anchor mask index %d out of range [0, %d)", idx, len(flat))
			}
			set = append(set, flat[idx])
		}
		sets[i] = set
	}

	return sets, nil
}

// Branches infers the number of output branches from the anchors alone, for
// networks whose layers are not described. A flat set without masks is split
// in groups of three.
func (m Metadata) Branches() int {
	switch {
	case len(m.Masks) > 0:
		return len(m.Masks)
	case len(m.Anchors) > 1:
		return len(m.Anchors)
	case len(m.Anchors) == 1:
		return (len(m.Anchors[0]) + 2) / 3
	default:
		return 0
	}
}
