// Package graph - Executes a network definition: a trunk of layers whose
// outputs are kept in an index-addressed arena, followed by output branches
// that each start from one trunk output.
package graph

import (
	"context"

	"github.com/nvr-ai/go-yolo/models/layers"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// step is one built trunk layer. inputs is only set for concatenations.
type step struct {
	op     layers.Op
	inputs []int
}

// branch is one built output branch.
type branch struct {
	input int
	ops   []layers.Op
}

// Tail is the executable form of a network definition. It is immutable after
// construction and safe for concurrent use.
type Tail struct {
	name     model.Name
	trunk    []step
	branches []branch
}

// NewTail builds every layer of a network up front.
//
// Arguments:
//   - network: The network definition, terminated by the output-branches layer.
//   - registry: The layer factories. Nil means layers.DefaultRegistry().
//
// Returns:
//   - *Tail: The executable graph.
//   - error: ErrConfiguration if the terminator is missing or misplaced, a layer
//     type is unknown, or a layer references an output that does not exist.
func NewTail(network *model.Network, registry *layers.Registry) (*Tail, error) {
	if network == nil {
		return nil, model.ConfigErrorf("nil network")
	}
	if registry == nil {
		registry = layers.DefaultRegistry()
	}

	specs, err := network.OutputBranches()
	if err != nil {
		return nil, err
	}

	trunk := network.Trunk()
	t := &Tail{
		name:     network.Name,
		trunk:    make([]step, len(trunk)),
		branches: make([]branch, len(specs)),
	}

	for i, spec := range trunk {
		if spec.Type == model.OutputBranchesType {
			return nil, model.ConfigErrorf("layer %d: %q must be the last layer", i, model.OutputBranchesType)
		}
		if spec.Type == model.ConcatenateType {
			if len(spec.Inputs) == 0 {
				return nil, model.ConfigErrorf("layer %d: concatenation without inputs", i)
			}
			for _, j := range spec.Inputs {
				if j < 0 || j >= i {
					return nil, model.ConfigErrorf("layer %d: input %d is not an earlier layer", i, j)
				}
			}
		}
		op, err := registry.Build(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		t.trunk[i] = step{op: op, inputs: spec.Inputs}
		if spec.Type != model.ConcatenateType {
			t.trunk[i].inputs = nil
		}
	}

	for i, spec := range specs {
		if spec.Input < 0 || spec.Input >= len(trunk) {
			return nil, model.ConfigErrorf("branch %d: input %d outside trunk of %d layers", i, spec.Input, len(trunk))
		}
		ops, err := registry.BuildSequence(spec.ConvolutionPath)
		if err != nil {
			return nil, errors.Wrapf(err, "branch %d", i)
		}
		t.branches[i] = branch{input: spec.Input, ops: ops}
	}

	return t, nil
}

// Name returns the network name.
func (t *Tail) Name() model.Name {
	return t.name
}

// Branches returns the number of output branches.
func (t *Tail) Branches() int {
	return len(t.branches)
}

// Run evaluates the trunk and every branch.
//
// Arguments:
//   - input: The network input, NHWC.
//
// Returns:
//   - []*tensor.Dense: One raw tensor per branch, in declaration order.
//   - error: ErrShape if a layer rejects its input.
func (t *Tail) Run(input *tensor.Dense) ([]*tensor.Dense, error) {
	return t.run(context.Background(), input)
}

// Features implements inference.FeatureSource.
func (t *Tail) Features(ctx context.Context, input *tensor.Dense) ([]*tensor.Dense, error) {
	return t.run(ctx, input)
}

func (t *Tail) run(ctx context.Context, input *tensor.Dense) ([]*tensor.Dense, error) {
	if input == nil {
		return nil, model.ShapeErrorf("nil input")
	}

	// outputs[i] is the output of trunk layer i and lives only for this call.
	outputs := make([]*tensor.Dense, 0, len(t.trunk))
	current := input
	for i, s := range t.trunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		args := []*tensor.Dense{current}
		if s.inputs != nil {
			args = make([]*tensor.Dense, len(s.inputs))
			for k, j := range s.inputs {
				args[k] = outputs[j]
			}
		}

		out, err := s.op.Apply(args...)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		outputs = append(outputs, out)
		current = out
	}

	results := make([]*tensor.Dense, len(t.branches))
	for i, b := range t.branches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := layers.Propagate(b.ops, outputs[b.input])
		if err != nil {
			return nil, errors.Wrapf(err, "branch %d", i)
		}
		results[i] = out
	}

	return results, nil
}
