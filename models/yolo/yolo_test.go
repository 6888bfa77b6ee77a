package yolo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-yolo/images"
	"github.com/nvr-ai/go-yolo/models/layers"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

const background = -10

var (
	coarseAnchors = model.AnchorSet{{Width: 116, Height: 90}, {Width: 156, Height: 198}, {Width: 373, Height: 326}}
	fineAnchors   = model.AnchorSet{{Width: 10, Height: 14}, {Width: 23, Height: 27}, {Width: 37, Height: 58}}
)

// branch is a synthetic raw branch tensor under construction.
type branch struct {
	height, width, anchors, classes int
	data                            []float32
}

func newBranch(height, width, anchors, classes int) *branch {
	data := make([]float32, height*width*anchors*(classes+BoxParams))
	for i := range data {
		data[i] = background
	}
	return &branch{height: height, width: width, anchors: anchors, classes: classes, data: data}
}

// set writes the logits of one anchor of one cell.
func (b *branch) set(y, x, anchor int, txywh [4]float32, objectness float32, class int, classLogit float32) {
	depth := b.classes + BoxParams
	p := b.data[((y*b.width+x)*b.anchors+anchor)*depth:][:depth]
	copy(p, txywh[:])
	p[4] = objectness
	for k := BoxParams; k < depth; k++ {
		p[k] = background
	}
	p[BoxParams+class] = classLogit
}

// object places a confident object centered in a cell with the anchor's size.
func (b *branch) object(y, x, anchor, class int) {
	b.set(y, x, anchor, [4]float32{}, 10, class, 10)
}

func (b *branch) dense() *tensor.Dense {
	return layers.NewDense(b.data, 1, b.height, b.width, b.anchors*(b.classes+BoxParams))
}

func logit(p float64) float32 {
	return float32(math.Log(p / (1 - p)))
}

func TestBranchHeadRoundTrip(t *testing.T) {
	b := newBranch(4, 4, 1, 2)
	b.set(1, 2, 0, [4]float32{logit(0.25), logit(0.75), float32(math.Log(2)), float32(math.Log(0.5))}, 0, 1, logit(0.8))

	anchors := model.AnchorSet{{Width: 10, Height: 20}}
	input := model.InputShape{Width: 128, Height: 128}
	out, err := BranchHead(b.dense(), anchors, 2, input)
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{1, 4, 4, 1, 2}, out.XY.Shape())
	assert.Equal(t, tensor.Shape{1, 4, 4, 1, 2}, out.WH.Shape())
	assert.Equal(t, tensor.Shape{1, 4, 4, 1, 1}, out.Confidence.Shape())
	assert.Equal(t, tensor.Shape{1, 4, 4, 1, 2}, out.ClassProbs.Shape())

	cell := 1*4 + 2
	xy, err := layers.Float32s(out.XY)
	require.NoError(t, err)
	wh, err := layers.Float32s(out.WH)
	require.NoError(t, err)
	conf, err := layers.Float32s(out.Confidence)
	require.NoError(t, err)
	probs, err := layers.Float32s(out.ClassProbs)
	require.NoError(t, err)

	assert.InDelta(t, (0.25+2)/4.0, xy[2*cell], 1e-6)
	assert.InDelta(t, (0.75+1)/4.0, xy[2*cell+1], 1e-6)
	assert.InDelta(t, 2*10/128.0, wh[2*cell], 1e-6)
	assert.InDelta(t, 0.5*20/128.0, wh[2*cell+1], 1e-6)
	assert.InDelta(t, 0.5, conf[cell], 1e-6)
	assert.InDelta(t, 0.8, probs[2*cell+1], 1e-6)

	// The untouched neighbour decodes to its own grid cell.
	assert.InDelta(t, (sigmoid(background)+3)/4, xy[2*(cell+1)], 1e-6)

	for _, v := range append(append([]float32{}, conf...), probs...) {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}

	boxes, err := CorrectBoxes(out.XY, out.WH, input)
	require.NoError(t, err)
	require.Len(t, boxes, 16)

	// Center (72, 56), size (20, 10) in pixels.
	expected := images.Box{YMin: 56 - 5, XMin: 72 - 10, YMax: 56 + 5, XMax: 72 + 10}
	assert.InDelta(t, expected.YMin, boxes[cell].YMin, 1e-4)
	assert.InDelta(t, expected.XMin, boxes[cell].XMin, 1e-4)
	assert.InDelta(t, expected.YMax, boxes[cell].YMax, 1e-4)
	assert.InDelta(t, expected.XMax, boxes[cell].XMax, 1e-4)
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func TestBranchHeadShapeLaw(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		valid bool
	}{
		{name: "flat channels", shape: []int{1, 2, 3, 3 * 7}, valid: true},
		{name: "reshaped", shape: []int{1, 2, 3, 3, 7}, valid: true},
		{name: "one channel short", shape: []int{1, 2, 3, 3*7 - 1}},
		{name: "wrong anchor count", shape: []int{1, 2, 3, 2 * 7}},
		{name: "reshaped wrong depth", shape: []int{1, 2, 3, 3, 6}},
		{name: "rank 3", shape: []int{2, 3, 21}},
	}

	input := model.InputShape{Width: 96, Height: 64}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := 1
			for _, d := range tt.shape {
				size *= d
			}
			features := layers.NewDense(make([]float32, size), tt.shape...)

			out, err := BranchHead(features, coarseAnchors, 2, input)
			raw, rawErr := RawHead(features, len(coarseAnchors), 2)
			if !tt.valid {
				assert.ErrorIs(t, err, model.ErrShape)
				assert.ErrorIs(t, rawErr, model.ErrShape)
				return
			}
			require.NoError(t, err)
			require.NoError(t, rawErr)
			assert.Equal(t, tensor.Shape{1, 2, 3, 3, 2}, out.XY.Shape())
			assert.Equal(t, tensor.Shape{1, 2, 3, 3, 7}, raw.Features.Shape())
		})
	}
}

func TestRawHead(t *testing.T) {
	b := newBranch(2, 3, 1, 1)
	b.set(1, 2, 0, [4]float32{1, 2, 3, 4}, 5, 0, 6)

	out, err := RawHead(b.dense(), 1, 1)
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{2, 3, 1, 2}, out.Grid.Shape())
	grid, err := layers.Float32s(out.Grid)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 0, 2, 0, 0, 1, 1, 1, 2, 1}, grid)

	raw, err := layers.Float32s(out.Features)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, raw[5*6:])
}

func TestBoxesAndScores(t *testing.T) {
	b := newBranch(1, 1, 1, 2)
	b.set(0, 0, 0, [4]float32{}, logit(0.5), 0, logit(0.6))
	b.data[BoxParams+1] = logit(0.2)

	input := model.InputShape{Width: 32, Height: 32}
	out, err := BranchHead(b.dense(), model.AnchorSet{{Width: 8, Height: 16}}, 2, input)
	require.NoError(t, err)

	boxes, scores, err := BoxesAndScores(out, input)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.InDeltaSlice(t, []float32{0.3, 0.1}, scores, 1e-6)
	assert.InDelta(t, float32(8), boxes[0].YMin, 1e-4)
	assert.InDelta(t, float32(12), boxes[0].XMin, 1e-4)
	assert.InDelta(t, float32(24), boxes[0].YMax, 1e-4)
	assert.InDelta(t, float32(20), boxes[0].XMax, 1e-4)
}

func newTestLocator(t *testing.T, classes int, extras map[string]interface{}) *Locator {
	t.Helper()
	config, err := model.ConfigFromExtras(extras)
	require.NoError(t, err)
	locator, err := NewLocator(NewLocatorArgs{
		Anchors:  []model.AnchorSet{coarseAnchors, fineAnchors},
		Branches: 2,
		Classes:  classes,
		Config:   config,
	})
	require.NoError(t, err)
	return locator
}

func TestLocatorSingleObject(t *testing.T) {
	locator := newTestLocator(t, 3, map[string]interface{}{model.ExtraBoundingBoxThreshold: 0.4})

	coarse, fine := newBranch(13, 13, 3, 3), newBranch(26, 26, 3, 3)
	coarse.object(6, 4, 1, 2)

	features := []*tensor.Dense{coarse.dense(), fine.dense()}
	input, err := locator.InputResolution(features)
	require.NoError(t, err)
	assert.Equal(t, model.InputShape{Width: 416, Height: 416}, input)

	set, err := locator.Locate(features)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	// Center (144, 208) with the 156x198 anchor.
	box := set.Boxes[0][0]
	assert.InDelta(t, float32(109), box.YMin, 1)
	assert.InDelta(t, float32(66), box.XMin, 1)
	assert.InDelta(t, float32(307), box.YMax, 1)
	assert.InDelta(t, float32(222), box.XMax, 1)
	assert.Greater(t, set.Scores[0][0], float32(0.9))
	assert.Equal(t, 2, set.Classes[0][0])
}

func TestLocatorMultipleObjects(t *testing.T) {
	locator := newTestLocator(t, 80, map[string]interface{}{model.ExtraBoundingBoxThreshold: 0.4})

	coarse, fine := newBranch(13, 13, 3, 80), newBranch(26, 26, 3, 80)
	coarse.object(2, 2, 0, 0)
	coarse.object(2, 9, 0, 53)
	coarse.object(9, 2, 1, 0)
	fine.object(20, 20, 2, 53)
	fine.object(5, 18, 0, 0)

	// A weaker duplicate of the first object, shifted by one cell, and an
	// object below the threshold.
	coarse.set(2, 3, 0, [4]float32{}, 5, 0, 10)
	coarse.set(11, 11, 0, [4]float32{}, -1, 0, 10)

	set, err := locator.Locate([]*tensor.Dense{coarse.dense(), fine.dense()})
	require.NoError(t, err)
	require.Equal(t, 5, set.Len())

	assert.Equal(t, []int{0, 0, 0, 53, 53}, set.Classes[0])
	classes := map[int]bool{}
	for _, c := range set.Classes[0] {
		classes[c] = true
	}
	assert.Equal(t, map[int]bool{0: true, 53: true}, classes)

	// Equal scores keep candidate order: coarse cells first, then fine cells.
	assert.InDelta(t, float32(80), set.Boxes[0][0].XMin+58, 1e-3)
	assert.InDelta(t, float32(304), (set.Boxes[0][1].YMin+set.Boxes[0][1].YMax)/2, 1e-3)
	assert.InDelta(t, float32(88), (set.Boxes[0][2].YMin+set.Boxes[0][2].YMax)/2, 1e-3)
}

func TestLocatorEmpty(t *testing.T) {
	locator := newTestLocator(t, 3, nil)

	set, err := locator.Locate([]*tensor.Dense{newBranch(13, 13, 3, 3).dense(), newBranch(26, 26, 3, 3).dense()})
	require.NoError(t, err)

	assert.Equal(t, 0, set.Len())
	require.Len(t, set.Boxes, 1)
	require.Len(t, set.Scores, 1)
	require.Len(t, set.Classes, 1)
	assert.NotNil(t, set.Boxes[0])
	assert.Empty(t, set.Boxes[0])
	assert.Empty(t, set.Scores[0])
	assert.Empty(t, set.Classes[0])
}

func TestLocatorThresholdMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	coarse, fine := newBranch(13, 13, 3, 4), newBranch(26, 26, 3, 4)
	for _, b := range []*branch{coarse, fine} {
		for i := range b.data {
			b.data[i] = float32(rng.NormFloat64() * 3)
		}
	}
	features := []*tensor.Dense{coarse.dense(), fine.dense()}

	previous := math.MaxInt
	for _, threshold := range []float64{0.05, 0.2, 0.4, 0.6, 0.8, 0.95} {
		locator := newTestLocator(t, 4, map[string]interface{}{
			model.ExtraBoundingBoxThreshold: threshold,
			model.ExtraIoUThreshold:         0.45,
		})
		set, err := locator.Locate(features)
		require.NoError(t, err)

		assert.LessOrEqual(t, set.Len(), previous, "threshold %v", threshold)
		previous = set.Len()

		perClass := map[int]int{}
		for i, c := range set.Classes[0] {
			perClass[c]++
			assert.GreaterOrEqual(t, set.Scores[0][i], float32(threshold))
			for j := i + 1; j < set.Len(); j++ {
				if set.Classes[0][j] == c {
					assert.Less(t, images.CalculateIoU(set.Boxes[0][i], set.Boxes[0][j]), float32(0.45))
					assert.LessOrEqual(t, set.Scores[0][j], set.Scores[0][i])
				}
			}
		}
		for c, n := range perClass {
			assert.LessOrEqual(t, n, model.MaxBoundingBoxes, "class %d", c)
		}
	}
}

func TestLocatorShapeErrors(t *testing.T) {
	locator := newTestLocator(t, 3, nil)
	good := newBranch(13, 13, 3, 3).dense()

	_, err := locator.Locate([]*tensor.Dense{good})
	assert.ErrorIs(t, err, model.ErrShape)

	_, err = locator.Locate([]*tensor.Dense{good, newBranch(26, 26, 3, 4).dense()})
	assert.ErrorIs(t, err, model.ErrShape)

	batch := layers.NewDense(make([]float32, 2*13*13*24), 2, 13, 13, 24)
	_, err = locator.Locate([]*tensor.Dense{batch, newBranch(26, 26, 3, 3).dense()})
	assert.ErrorIs(t, err, model.ErrShape)
}

func TestNewLocatorErrors(t *testing.T) {
	tests := []struct {
		name string
		args NewLocatorArgs
	}{
		{
			name: "anchor sets do not match branches",
			args: NewLocatorArgs{Anchors: []model.AnchorSet{coarseAnchors}, Branches: 2, Classes: 3},
		},
		{
			name: "empty anchor set",
			args: NewLocatorArgs{Anchors: []model.AnchorSet{coarseAnchors, {}}, Branches: 2, Classes: 3},
		},
		{
			name: "no classes",
			args: NewLocatorArgs{Anchors: []model.AnchorSet{coarseAnchors}, Branches: 1},
		},
		{
			name: "invalid threshold",
			args: NewLocatorArgs{
				Anchors:  []model.AnchorSet{coarseAnchors},
				Branches: 1,
				Classes:  3,
				Config:   model.Config{BoundingBoxThreshold: 2, IoUThreshold: 0.5, MaxBoundingBoxes: 1, Stride: 32},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLocator(tt.args)
			assert.ErrorIs(t, err, model.ErrConfiguration)
		})
	}
}

func TestNewNetworkLocator(t *testing.T) {
	network, err := model.ParseNetwork([]byte(`
layers:
  - type: activation
  - type: yolo_output_branches
    output_branches:
      - input: 0
      - input: 0
metadata:
  classes: 2
  anchors:
    - [[10, 14], [23, 27], [37, 58], [81, 82], [135, 169], [344, 319]]
`))
	require.NoError(t, err)

	locator, err := NewNetworkLocator(network, model.Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, locator.Classes())
	assert.Equal(t, model.DefaultConfig().BoundingBoxThreshold, locator.Config().BoundingBoxThreshold)
	require.Len(t, locator.anchors, 2)
	assert.Equal(t, model.Anchor{Width: 81, Height: 82}, locator.anchors[0][0])
	assert.Equal(t, model.Anchor{Width: 23, Height: 27}, locator.anchors[1][0])

	network.Metadata.Anchors = append(network.Metadata.Anchors, fineAnchors, coarseAnchors)
	_, err = NewNetworkLocator(network, model.Config{}, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func BenchmarkLocate(b *testing.B) {
	locator, err := NewLocator(NewLocatorArgs{
		Anchors:  []model.AnchorSet{coarseAnchors, fineAnchors},
		Branches: 2,
		Classes:  80,
		Config:   model.DefaultConfig(),
		Logger:   logrus.New(),
	})
	require.NoError(b, err)

	coarse, fine := newBranch(13, 13, 3, 80), newBranch(26, 26, 3, 80)
	coarse.object(6, 4, 1, 2)
	fine.object(20, 3, 0, 53)
	features := []*tensor.Dense{coarse.dense(), fine.dense()}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := locator.Locate(features); err != nil {
			b.Fatal(err)
		}
	}
}
