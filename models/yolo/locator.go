package yolo

import (
	"github.com/nvr-ai/go-yolo/images"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/models/postprocess"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
)

// NewLocatorArgs are the arguments of NewLocator.
type NewLocatorArgs struct {
	// Anchors holds one anchor set per output branch.
	Anchors []model.AnchorSet
	// Branches is the number of output branches the locator will be fed.
	Branches int
	// Classes is the number of object classes.
	Classes int
	// Config holds the thresholds. A zero Config means model.DefaultConfig().
	Config model.Config
	// Logger receives per-call debug output. Nil means the standard logger.
	Logger logrus.FieldLogger
}

// Locator turns the raw branch tensors of one image into the final detections.
// It holds only read-only configuration and may be shared between goroutines.
type Locator struct {
	anchors []model.AnchorSet
	classes int
	config  model.Config
	logger  logrus.FieldLogger
}

// NewLocator validates the head configuration.
//
// Returns:
//   - *Locator: The locator.
//   - error: ErrConfiguration if the anchor sets do not match the branches, an
//     anchor set is empty, or the thresholds are invalid.
func NewLocator(args NewLocatorArgs) (*Locator, error) {
	if args.Classes <= 0 {
		return nil, model.ConfigErrorf("invalid class count %d", args.Classes)
	}
	if len(args.Anchors) != args.Branches {
		return nil, model.ConfigErrorf("%d anchor sets for %d output branches", len(args.Anchors), args.Branches)
	}
	for i, set := range args.Anchors {
		if len(set) == 0 {
			return nil, model.ConfigErrorf("anchor set %d is empty", i)
		}
	}

	config := args.Config
	if config == (model.Config{}) {
		config = model.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := args.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Locator{
		anchors: args.Anchors,
		classes: args.Classes,
		config:  config,
		logger:  logger,
	}, nil
}

// NewNetworkLocator builds a locator from the metadata of a network definition.
func NewNetworkLocator(network *model.Network, config model.Config, logger logrus.FieldLogger) (*Locator, error) {
	branches, err := network.OutputBranches()
	if err != nil {
		return nil, err
	}
	anchors, err := network.Metadata.BranchAnchors(len(branches))
	if err != nil {
		return nil, err
	}
	return NewLocator(NewLocatorArgs{
		Anchors:  anchors,
		Branches: len(branches),
		Classes:  network.Metadata.Classes,
		Config:   config,
		Logger:   logger,
	})
}

// Config returns the thresholds in use.
func (l *Locator) Config() model.Config {
	return l.config
}

// Classes returns the number of classes.
func (l *Locator) Classes() int {
	return l.classes
}

// InputResolution derives the nominal input resolution from the grid of the
// first branch and the configured stride.
func (l *Locator) InputResolution(features []*tensor.Dense) (model.InputShape, error) {
	if len(features) == 0 || features[0] == nil {
		return model.InputShape{}, model.ShapeErrorf("no feature tensors")
	}
	shape := features[0].Shape()
	if len(shape) < 3 {
		return model.InputShape{}, model.ShapeErrorf("feature tensor %v has no spatial grid", shape)
	}
	return model.InputShape{
		Width:  shape[2] * l.config.Stride,
		Height: shape[1] * l.config.Stride,
	}, nil
}

// Candidates decodes every branch and concatenates the boxes and the row-major
// score matrices in branch order.
func (l *Locator) Candidates(features []*tensor.Dense) ([]images.Box, []float32, error) {
	if len(features) != len(l.anchors) {
		return nil, nil, model.ShapeErrorf("%d feature tensors for %d anchor sets", len(features), len(l.anchors))
	}
	input, err := l.InputResolution(features)
	if err != nil {
		return nil, nil, err
	}

	var (
		boxes  []images.Box
		scores []float32
	)
	for i, f := range features {
		if f == nil {
			return nil, nil, model.ShapeErrorf("branch %d: nil feature tensor", i)
		}
		if batch := f.Shape()[0]; batch != 1 {
			return nil, nil, model.ShapeErrorf("branch %d: batch of %d images, expected 1", i, batch)
		}

		out, err := BranchHead(f, l.anchors[i], l.classes, input)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "branch %d", i)
		}
		b, s, err := BoxesAndScores(out, input)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "branch %d", i)
		}

		l.logger.WithFields(logrus.Fields{
			"branch":     i,
			"grid":       f.Shape()[1:3],
			"candidates": len(b),
		}).Debug("decoded branch")

		boxes = append(boxes, b...)
		scores = append(scores, s...)
	}

	return boxes, scores, nil
}

// Locate runs the full head on the branch tensors of one image.
//
// Arguments:
//   - features: One raw tensor per branch, batch of one.
//
// Returns:
//   - *postprocess.DetectionSet: The detections, class-major. No detection
//     above the threshold yields empty sequences, not an error.
//   - error: ErrShape if a tensor does not match its anchors and classes.
func (l *Locator) Locate(features []*tensor.Dense) (*postprocess.DetectionSet, error) {
	boxes, scores, err := l.Candidates(features)
	if err != nil {
		return nil, err
	}

	results, err := postprocess.SuppressPerClass(boxes, scores, l.classes, l.config.NMS())
	if err != nil {
		return nil, model.WrapShape(err, "suppress")
	}

	l.logger.WithFields(logrus.Fields{
		"candidates": len(boxes),
		"detections": len(results),
	}).Debug("suppressed candidates")

	return postprocess.NewDetectionSet(results), nil
}
