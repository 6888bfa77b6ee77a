package inference

import "github.com/pkg/errors"

// EngineType selects where the feature maps of an engine come from.
type EngineType string

const (
	// EngineNetwork runs the layer graph of a network definition in process.
	EngineNetwork EngineType = "network"
	// EngineONNX runs an exported backbone through onnxruntime.
	EngineONNX EngineType = "onnx"
)

// Engines is a list of all supported engines.
var Engines = []EngineType{EngineNetwork, EngineONNX}

// ParseEngineType validates an engine name. Empty means EngineNetwork.
func ParseEngineType(s string) (EngineType, error) {
	switch EngineType(s) {
	case "", EngineNetwork:
		return EngineNetwork, nil
	case EngineONNX:
		return EngineONNX, nil
	default:
		return "", errors.Errorf("unsupported engine %q (want one of %v)", s, Engines)
	}
}
