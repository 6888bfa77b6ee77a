// Package model - Network definitions and configuration for YOLO detection heads.
package model

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// OutputBranchesType is the type of the terminal layer that enumerates the
	// output branches of a network.
	OutputBranchesType = "yolo_output_branches"
	// ConcatenateType is the type of a layer that gathers earlier outputs by index.
	ConcatenateType = "concatenate"
)

// Name is the unique identifier of a model.
type Name string

const (
	// ModelNameTinyYOLOv4 is the name of the tiny YOLOv4 network.
	ModelNameTinyYOLOv4 Name = "tinyyolov4"
	// ModelNameYOLOv3 is the name of the YOLOv3 network.
	ModelNameYOLOv3 Name = "yolov3"
)

// Network is a complete detection network definition.
type Network struct {
	// Name of the network for logging purposes.
	Name Name `json:"name" yaml:"name"`
	// Layers is the trunk followed by the output-branches terminator.
	Layers []LayerSpec `json:"layers" yaml:"layers"`
	// Metadata holds anchors, class count and input geometry.
	Metadata Metadata `json:"metadata" yaml:"metadata"`
}

// Metadata describes the geometry of a network.
type Metadata struct {
	// Classes is the number of object classes the network predicts.
	Classes int `json:"classes" yaml:"classes"`
	// Anchors is either one anchor set per branch, or a single flat set that is
	// split into branches through Masks.
	Anchors []AnchorSet `json:"anchors" yaml:"anchors"`
	// Masks selects, per branch, indices into a flat anchor set.
	Masks [][]int `json:"masks" yaml:"masks"`
	// InputShape is the nominal input resolution (width, height).
	InputShape InputShape `json:"input_shape" yaml:"input_shape"`
}

// InputShape is an image resolution in pixels.
type InputShape struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// LayerSpec is one layer of a network definition.
//
// Only the type and the optional input indices are interpreted here; the rest
// of the layer's parameters are kept verbatim and decoded by the layer factory
// that owns the type.
type LayerSpec struct {
	// Type selects the layer operation from the registry.
	Type string
	// Inputs are earlier-layer indices, used by concatenations.
	Inputs []int

	params yaml.Node
}

// NewLayerSpec builds a LayerSpec from a type and a parameter value, which may
// be a map or a struct with yaml tags.
func NewLayerSpec(layerType string, params interface{}, inputs ...int) (LayerSpec, error) {
	spec := LayerSpec{Type: layerType, Inputs: inputs}
	if params == nil {
		return spec, nil
	}
	if err := spec.params.Encode(params); err != nil {
		return LayerSpec{}, errors.Wrapf(err, "encoding parameters of %q layer", layerType)
	}
	return spec, nil
}

// MustLayerSpec is like NewLayerSpec but panics on error.
func MustLayerSpec(layerType string, params interface{}, inputs ...int) LayerSpec {
	spec, err := NewLayerSpec(layerType, params, inputs...)
	if err != nil {
		panic(err)
	}
	return spec
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *LayerSpec) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Type   string `yaml:"type"`
		Inputs []int  `yaml:"inputs"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}

	l.Type = head.Type
	l.Inputs = head.Inputs
	l.params = *value
	return nil
}

// MarshalYAML implements yaml.Marshaler so that specs built with
// NewLayerSpec survive a round trip through nested parameter blocks.
func (l LayerSpec) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if l.params.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(l.params.Content); i += 2 {
			switch l.params.Content[i].Value {
			case "type", "inputs":
				continue
			}
			node.Content = append(node.Content, l.params.Content[i], l.params.Content[i+1])
		}
	}

	if err := appendPair(node, "type", l.Type); err != nil {
		return nil, err
	}
	if len(l.Inputs) > 0 {
		if err := appendPair(node, "inputs", l.Inputs); err != nil {
			return nil, err
		}
	}

	return node, nil
}

func appendPair(node *yaml.Node, key string, value interface{}) error {
	var k, v yaml.Node
	if err := k.Encode(key); err != nil {
		return err
	}
	if err := v.Encode(value); err != nil {
		return err
	}
	node.Content = append(node.Content, &k, &v)
	return nil
}

// Decode decodes the layer parameters into v. A layer without parameters
// leaves v untouched.
func (l LayerSpec) Decode(v interface{}) error {
	if l.params.Kind == 0 {
		return nil
	}
	if err := l.params.Decode(v); err != nil {
		return ConfigErrorf("decoding parameters of %q layer: %v", l.Type, err)
	}
	return nil
}

// OutputBranches is the parameter block of the terminal layer.
type OutputBranches struct {
	Branches []BranchSpec `json:"output_branches" yaml:"output_branches"`
}

// BranchSpec defines how one branch derives its raw tensor from one trunk output.
type BranchSpec struct {
	// Input is the index of the trunk output the branch starts from.
	Input int `json:"input" yaml:"input"`
	// ConvolutionPath is the branch's own operation sequence.
	ConvolutionPath []LayerSpec `json:"convolution_path" yaml:"convolution_path"`
}

// Trunk returns every layer but the terminator.
func (n *Network) Trunk() []LayerSpec {
	if len(n.Layers) == 0 {
		return nil
	}
	return n.Layers[:len(n.Layers)-1]
}

// OutputBranches returns the branches enumerated by the terminal layer.
//
// Returns:
//   - []BranchSpec: The branches, in declaration order.
//   - error: ErrConfiguration if the last layer is not the output-branches
//     terminator or declares no branches.
func (n *Network) OutputBranches() ([]BranchSpec, error) {
	if len(n.Layers) == 0 {
		return nil, ConfigErrorf("network has no layers")
	}

	last := n.Layers[len(n.Layers)-1]
	if last.Type != OutputBranchesType {
		return nil, ConfigErrorf("last layer is %q, expected %q", last.Type, OutputBranchesType)
	}

	var out OutputBranches
	if err := last.Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Branches) == 0 {
		return nil, ConfigErrorf("%q declares no branches", OutputBranchesType)
	}

	return out.Branches, nil
}
