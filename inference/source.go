package inference

import (
	"context"

	"gorgonia.org/tensor"
)

// FeatureSource produces the per-branch feature maps of a detection network
// for one input tensor. Outputs are NHWC and ordered by branch.
type FeatureSource interface {
	Features(ctx context.Context, input *tensor.Dense) ([]*tensor.Dense, error)
}
