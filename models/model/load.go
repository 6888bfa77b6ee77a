package model

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadNetwork reads a network definition from a YAML or JSON file.
func LoadNetwork(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading network definition")
	}

	network, err := ParseNetwork(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}

	return network, nil
}

// ParseNetwork parses a network definition. JSON input is accepted since it is
// valid YAML.
//
// Returns:
//   - *Network: The parsed network.
//   - error: ErrConfiguration if the document is malformed or does not end in
//     the output-branches terminator.
func ParseNetwork(data []byte) (*Network, error) {
	var network Network
	if err := yaml.Unmarshal(data, &network); err != nil {
		return nil, ConfigErrorf("malformed network definition: %v", err)
	}

	if _, err := network.OutputBranches(); err != nil {
		return nil, err
	}

	return &network, nil
}

// LoadMetadata reads a network definition whose layers live elsewhere, such
// as an exported backbone. Only the name and metadata are required.
func LoadMetadata(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading network metadata")
	}

	var network Network
	if err := yaml.Unmarshal(data, &network); err != nil {
		return nil, ConfigErrorf("malformed network metadata in %s: %v", path, err)
	}
	if network.Metadata.Classes <= 0 || len(network.Metadata.Anchors) == 0 {
		return nil, ConfigErrorf("%s: metadata needs classes and anchors", path)
	}

	return &network, nil
}
