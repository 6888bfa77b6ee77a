package inference

import (
	"context"
	"image"
	"io"
	"time"

	"github.com/nvr-ai/go-yolo/images"
	"github.com/nvr-ai/go-yolo/models/graph"
	"github.com/nvr-ai/go-yolo/models/layers"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/models/postprocess"
	"github.com/nvr-ai/go-yolo/models/yolo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
)

// Engine defines the interface for detection engines.
type Engine interface {
	// Predict prepares an image and detects objects in it. Boxes are in
	// network input coordinates.
	Predict(ctx context.Context, img image.Image) (*postprocess.DetectionSet, error)
	// Detect runs the engine on a prepared (1, H, W, 3) tensor.
	Detect(ctx context.Context, input *tensor.Dense) (*postprocess.DetectionSet, error)
	// Input returns the network input resolution.
	Input() model.InputShape
	Close() error
}

// EngineBuilder assembles an Engine with a fluent API.
type EngineBuilder struct {
	network  *model.Network
	registry *layers.Registry
	source   FeatureSource
	config   model.Config
	rescale  images.RescaleType
	logger   logrus.FieldLogger
	err      error
}

// NewEngineBuilder creates a new engine builder.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{
		config:  model.DefaultConfig(),
		rescale: images.RescaleWarp,
		logger:  logrus.StandardLogger(),
	}
}

// WithNetwork sets the network definition. Its metadata supplies the anchors,
// the class count and the input resolution. Without a feature source its
// layers are executed in process.
func (b *EngineBuilder) WithNetwork(network *model.Network) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if network == nil {
		b.err = model.ConfigErrorf("nil network")
		return b
	}
	b.network = network
	return b
}

// WithNetworkFile loads the network definition from a YAML or JSON file.
func (b *EngineBuilder) WithNetworkFile(path string) *EngineBuilder {
	if b.HasError() {
		return b
	}
	network, err := model.LoadNetwork(path)
	if err != nil {
		b.err = err
		return b
	}
	return b.WithNetwork(network)
}

// WithRegistry sets the layer registry used to build the network layers.
func (b *EngineBuilder) WithRegistry(registry *layers.Registry) *EngineBuilder {
	b.registry = registry
	return b
}

// WithFeatureSource replaces the in-process layer graph. The engine takes
// ownership: a source implementing io.Closer is closed by Engine.Close or by a
// failed Build.
func (b *EngineBuilder) WithFeatureSource(source FeatureSource) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.closeSource()
	b.source = source
	return b
}

// WithONNX uses an exported backbone as the feature source.
//
// Arguments:
//   - config: The ONNX session configuration.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithONNX(config SessionConfig) *EngineBuilder {
	if b.HasError() {
		return b
	}
	session, err := NewONNXSession(config)
	if err != nil {
		b.err = err
		return b
	}
	return b.WithFeatureSource(session)
}

// WithConfig sets the detection thresholds.
func (b *EngineBuilder) WithConfig(config model.Config) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if err := config.Validate(); err != nil {
		b.err = err
		return b
	}
	b.config = config
	return b
}

// WithExtras sets the detection thresholds from loosely typed settings.
func (b *EngineBuilder) WithExtras(extras map[string]interface{}) *EngineBuilder {
	if b.HasError() {
		return b
	}
	config, err := model.ConfigFromExtras(extras)
	if err != nil {
		b.err = err
		return b
	}
	return b.WithConfig(config)
}

// WithRescale sets how Predict fits images to the input resolution.
func (b *EngineBuilder) WithRescale(mode images.RescaleType) *EngineBuilder {
	b.rescale = mode
	return b
}

// WithLogger sets the logger of the engine.
func (b *EngineBuilder) WithLogger(logger logrus.FieldLogger) *EngineBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// HasError checks if the engine builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

func (b *EngineBuilder) closeSource() {
	if c, ok := b.source.(io.Closer); ok {
		_ = c.Close()
	}
	b.source = nil
}

// MustBuild builds the engine and panics if there is an error.
//
// Returns:
//   - Engine: The engine.
func (b *EngineBuilder) MustBuild() Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}

// Build builds the engine.
//
// Returns:
//   - Engine: The engine.
//   - error: The first error recorded by the builder, or a configuration
//     error if the network is missing or does not match its anchors.
func (b *EngineBuilder) Build() (Engine, error) {
	if b.HasError() {
		b.closeSource()
		return nil, b.err
	}
	if b.network == nil {
		b.closeSource()
		return nil, model.ConfigErrorf("network not configured")
	}

	e, err := b.build()
	if err != nil {
		b.closeSource()
		return nil, err
	}

	b.logger.WithFields(logrus.Fields{
		"network":  e.name,
		"branches": e.branches,
		"classes":  e.locator.Classes(),
		"input":    e.input,
		"rescale":  e.rescale,
	}).Info("detection engine ready")

	return e, nil
}

func (b *EngineBuilder) build() (*engine, error) {
	source := b.source
	var branches int

	if source == nil {
		tail, err := graph.NewTail(b.network, b.registry)
		if err != nil {
			return nil, errors.Wrapf(err, "building network %s", b.network.Name)
		}
		source, branches = tail, tail.Branches()
	} else if len(b.network.Layers) > 0 {
		specs, err := b.network.OutputBranches()
		if err != nil {
			return nil, err
		}
		branches = len(specs)
	} else {
		branches = b.network.Metadata.Branches()
	}

	anchors, err := b.network.Metadata.BranchAnchors(branches)
	if err != nil {
		return nil, err
	}
	locator, err := yolo.NewLocator(yolo.NewLocatorArgs{
		Anchors:  anchors,
		Branches: branches,
		Classes:  b.network.Metadata.Classes,
		Config:   b.config,
		Logger:   b.logger,
	})
	if err != nil {
		return nil, err
	}

	return &engine{
		name:     b.network.Name,
		source:   source,
		locator:  locator,
		branches: branches,
		input:    b.network.Metadata.InputShape,
		rescale:  b.rescale,
		logger:   b.logger,
	}, nil
}

// engine implements the Engine interface.
type engine struct {
	name     model.Name
	source   FeatureSource
	locator  *yolo.Locator
	branches int
	input    model.InputShape
	rescale  images.RescaleType
	logger   logrus.FieldLogger
}

// Predict implements Engine.
func (e *engine) Predict(ctx context.Context, img image.Image) (*postprocess.DetectionSet, error) {
	input, err := PrepareInput(img, e.input, e.rescale)
	if err != nil {
		return nil, err
	}
	return e.Detect(ctx, input)
}

// Detect implements Engine.
func (e *engine) Detect(ctx context.Context, input *tensor.Dense) (*postprocess.DetectionSet, error) {
	start := time.Now()

	features, err := e.source.Features(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "computing features")
	}
	if len(features) != e.branches {
		return nil, model.ShapeErrorf("feature source returned %d tensors for %d branches", len(features), e.branches)
	}

	set, err := e.locator.Locate(features)
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"network":    e.name,
		"detections": set.Len(),
		"elapsed":    time.Since(start),
	}).Debug("detected objects")

	return set, nil
}

// Input implements Engine.
func (e *engine) Input() model.InputShape {
	return e.input
}

// Close implements Engine.
func (e *engine) Close() error {
	if c, ok := e.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
