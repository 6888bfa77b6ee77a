// Package models - registry of the detection networks known by name.
package models

import (
	"sort"

	"github.com/nvr-ai/go-yolo/models/model"
)

func anchors(wh ...float32) model.AnchorSet {
	set := make(model.AnchorSet, 0, len(wh)/2)
	for i := 0; i+1 < len(wh); i += 2 {
		set = append(set, model.Anchor{Width: wh[i], Height: wh[i+1]})
	}
	return set
}

// knownNetworks holds the published geometry of the standard Darknet networks.
// Both predict the 80 COCO classes from a 416x416 input and split one flat
// anchor list through model.DefaultMasks.
var knownNetworks = map[model.Name]model.Metadata{
	model.ModelNameYOLOv3: {
		Classes:    80,
		Anchors:    []model.AnchorSet{anchors(10, 13, 16, 30, 33, 23, 30, 61, 62, 45, 59, 119, 116, 90, 156, 198, 373, 326)},
		InputShape: model.InputShape{Width: 416, Height: 416},
	},
	model.ModelNameTinyYOLOv4: {
		Classes:    80,
		Anchors:    []model.AnchorSet{anchors(10, 14, 23, 27, 37, 58, 81, 82, 135, 169, 344, 319)},
		InputShape: model.InputShape{Width: 416, Height: 416},
	},
}

// Names returns the names of the known networks, sorted.
func Names() []model.Name {
	names := make([]model.Name, 0, len(knownNetworks))
	for name := range knownNetworks {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// NewMetadata returns the metadata of a known network.
//
// The factory hands out a copy so callers may adjust the input resolution or
// anchors without affecting other users.
//
// Arguments:
//   - name: The network name.
//
// Returns:
//   - model.Metadata: The anchors, class count and input resolution.
//   - error: ErrConfiguration if the network is unknown.
func NewMetadata(name model.Name) (model.Metadata, error) {
	m, ok := knownNetworks[name]
	if !ok {
		return model.Metadata{}, model.ConfigErrorf("unsupported network %q (known: %v)", name, Names())
	}

	out := m
	out.Anchors = make([]model.AnchorSet, len(m.Anchors))
	for i, set := range m.Anchors {
		out.Anchors[i] = append(model.AnchorSet(nil), set...)
	}
	return out, nil
}

// NewNetwork returns a layerless network for a known name, to be paired with
// an external feature source such as an exported backbone.
func NewNetwork(name model.Name) (*model.Network, error) {
	m, err := NewMetadata(name)
	if err != nil {
		return nil, err
	}
	return &model.Network{Name: name, Metadata: m}, nil
}
