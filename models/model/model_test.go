package model

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const tinyNetworkYAML = `
name: tinyyolov4
layers:
  - type: convolution_2d
    strides: [2, 2]
  - type: concatenate
    inputs: [0]
  - type: yolo_output_branches
    output_branches:
      - input: 1
        convolution_path:
          - type: activation
            activation_function: sigmoid
      - input: 0
        convolution_path: []
metadata:
  classes: 80
  anchors:
    - [[10, 14], [23, 27], [37, 58], [81, 82], [135, 169], [344, 319]]
  input_shape:
    width: 416
    height: 416
`

const tinyNetworkJSON = `{
  "name": "json",
  "layers": [
    {"type": "max_pooling_2d", "pool_size": [2, 2]},
    {"type": "yolo_output_branches", "output_branches": [{"input": 0, "convolution_path": []}]}
  ],
  "metadata": {"classes": 3, "anchors": [[{"width": 4, "height": 5}]]}
}`

func TestParseNetworkYAML(t *testing.T) {
	network, err := ParseNetwork([]byte(tinyNetworkYAML))
	require.NoError(t, err)

	assert.Equal(t, ModelNameTinyYOLOv4, network.Name)
	assert.Equal(t, 80, network.Metadata.Classes)
	assert.Equal(t, InputShape{Width: 416, Height: 416}, network.Metadata.InputShape)
	require.Len(t, network.Layers, 3)
	assert.Equal(t, "convolution_2d", network.Layers[0].Type)
	assert.Equal(t, []int{0}, network.Layers[1].Inputs)
	assert.Len(t, network.Trunk(), 2)

	var conv struct {
		Strides []int `yaml:"strides"`
	}
	require.NoError(t, network.Layers[0].Decode(&conv))
	assert.Equal(t, []int{2, 2}, conv.Strides)

	branches, err := network.OutputBranches()
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, 1, branches[0].Input)
	require.Len(t, branches[0].ConvolutionPath, 1)
	assert.Equal(t, "activation", branches[0].ConvolutionPath[0].Type)
	assert.Empty(t, branches[1].ConvolutionPath)

	anchors, err := network.Metadata.BranchAnchors(len(branches))
	require.NoError(t, err)
	assert.Equal(t, []AnchorSet{
		{{81, 82}, {135, 169}, {344, 319}},
		{{23, 27}, {37, 58}, {81, 82}},
	}, anchors)
}

func TestParseNetworkJSON(t *testing.T) {
	network, err := ParseNetwork([]byte(tinyNetworkJSON))
	require.NoError(t, err)

	assert.Equal(t, Name("json"), network.Name)
	assert.Equal(t, []AnchorSet{{{Width: 4, Height: 5}}}, network.Metadata.Anchors)
}

func TestParseNetworkErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "malformed", doc: "layers: [unclosed"},
		{name: "no layers", doc: "name: empty\n"},
		{name: "missing terminator", doc: "layers:\n  - type: activation\n"},
		{name: "no branches", doc: "layers:\n  - type: yolo_output_branches\n    output_branches: []\n"},
		{name: "bad branch block", doc: "layers:\n  - type: yolo_output_branches\n    output_branches: 3\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNetwork([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestLoadNetwork(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tinyNetworkYAML), 0o600))

	network, err := LoadNetwork(path)
	require.NoError(t, err)
	assert.Equal(t, ModelNameTinyYOLOv4, network.Name)

	_, err = LoadNetwork(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("layers: []\n"), 0o600))
	_, err = LoadNetwork(bad)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "exported.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: exported\nmetadata:\n  classes: 2\n  anchors:\n    - [[1, 2], [3, 4], [5, 6]]\n"), 0o600))
	network, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Empty(t, network.Layers)
	assert.Equal(t, 1, network.Metadata.Branches())

	bare := filepath.Join(dir, "bare.yaml")
	require.NoError(t, os.WriteFile(bare, []byte("name: bare\n"), 0o600))
	_, err = LoadMetadata(bare)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLayerSpecRoundTrip(t *testing.T) {
	spec := MustLayerSpec("zero_padding_2d", map[string]interface{}{"padding": [][]int{{1, 0}, {1, 0}}}, 3)

	out, err := yaml.Marshal(spec)
	require.NoError(t, err)

	var back LayerSpec
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "zero_padding_2d", back.Type)
	assert.Equal(t, []int{3}, back.Inputs)

	var params struct {
		Padding [][]int `yaml:"padding"`
	}
	require.NoError(t, back.Decode(&params))
	assert.Equal(t, [][]int{{1, 0}, {1, 0}}, params.Padding)

	empty := MustLayerSpec("upsampling_2d", nil)
	require.NoError(t, empty.Decode(&params), "a layer without parameters decodes to nothing")

	var wrong struct {
		Padding string `yaml:"padding"`
	}
	assert.ErrorIs(t, back.Decode(&wrong), ErrConfiguration)
}

func TestBranchAnchors(t *testing.T) {
	flat := AnchorSet{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}, {6, 6}, {7, 7}, {8, 8}, {9, 9}}

	tests := []struct {
		name     string
		metadata Metadata
		branches int
		expected []AnchorSet
		err      bool
	}{
		{
			name:     "one set per branch",
			metadata: Metadata{Anchors: []AnchorSet{{{1, 1}}, {{2, 2}}}},
			branches: 2,
			expected: []AnchorSet{{{1, 1}}, {{2, 2}}},
		},
		{
			name:     "default masks",
			metadata: Metadata{Anchors: []AnchorSet{flat}},
			branches: 3,
			expected: []AnchorSet{
				{{7, 7}, {8, 8}, {9, 9}},
				{{4, 4}, {5, 5}, {6, 6}},
				{{1, 1}, {2, 2}, {3, 3}},
			},
		},
		{
			name:     "explicit masks",
			metadata: Metadata{Anchors: []AnchorSet{flat}, Masks: [][]int{{8}, {0, 4}}},
			branches: 2,
			expected: []AnchorSet{{{9, 9}}, {{1, 1}, {5, 5}}},
		},
		{name: "no anchors", metadata: Metadata{}, branches: 1, err: true},
		{name: "zero branches", metadata: Metadata{Anchors: []AnchorSet{flat}}, branches: 0, err: true},
		{name: "no default masks", metadata: Metadata{Anchors: []AnchorSet{flat}}, branches: 4, err: true},
		{name: "mask count", metadata: Metadata{Anchors: []AnchorSet{flat}, Masks: [][]int{{0}}}, branches: 2, err: true},
		{name: "mask range", metadata: Metadata{Anchors: []AnchorSet{flat}, Masks: [][]int{{9}}}, branches: 1, err: true},
		{name: "set count", metadata: Metadata{Anchors: []AnchorSet{flat, flat}}, branches: 3, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sets, err := tt.metadata.BranchAnchors(tt.branches)
			if tt.err {
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, sets)
		})
	}
}

func TestMetadataBranches(t *testing.T) {
	flat := AnchorSet{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}, {6, 6}}

	assert.Equal(t, 0, Metadata{}.Branches())
	assert.Equal(t, 2, Metadata{Anchors: []AnchorSet{flat}}.Branches())
	assert.Equal(t, 3, Metadata{Anchors: []AnchorSet{flat}, Masks: [][]int{{0}, {1}, {2}}}.Branches())
	assert.Equal(t, 2, Metadata{Anchors: []AnchorSet{{{1, 1}}, {{2, 2}}}}.Branches())
}

func TestAnchorUnmarshal(t *testing.T) {
	var set AnchorSet
	require.NoError(t, yaml.Unmarshal([]byte("[[10, 14], {width: 23, height: 27}]"), &set))
	assert.Equal(t, AnchorSet{{10, 14}, {23, 27}}, set)
	assert.Equal(t, []float32{10, 14, 23, 27}, set.Flatten())

	assert.Error(t, yaml.Unmarshal([]byte("[[1, 2, 3]]"), &set))
}

func TestConfigFromExtras(t *testing.T) {
	config, err := ConfigFromExtras(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
	assert.Equal(t, IgnoreThreshold, config.BoundingBoxThreshold)
	assert.Equal(t, MaxBoundingBoxes, config.MaxBoundingBoxes)

	config, err = ConfigFromExtras(map[string]interface{}{
		ExtraBoundingBoxThreshold: 0.25,
		ExtraIoUThreshold:         float32(0.4),
		ExtraMaxBoundingBoxes:     int64(7),
		"unknown":                 "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), config.BoundingBoxThreshold)
	assert.Equal(t, float32(0.4), config.IoUThreshold)
	assert.Equal(t, 7, config.MaxBoundingBoxes)

	nms := config.NMS()
	assert.Equal(t, float32(0.25), nms.ScoreThreshold)
	assert.Equal(t, float32(0.4), nms.IoUThreshold)
	assert.Equal(t, 7, nms.MaxOutput)
}

func TestConfigFromExtrasErrors(t *testing.T) {
	tests := []struct {
		name   string
		extras map[string]interface{}
	}{
		{name: "threshold type", extras: map[string]interface{}{ExtraBoundingBoxThreshold: "high"}},
		{name: "threshold range", extras: map[string]interface{}{ExtraBoundingBoxThreshold: 1.5}},
		{name: "iou range", extras: map[string]interface{}{ExtraIoUThreshold: -0.1}},
		{name: "iou type", extras: map[string]interface{}{ExtraIoUThreshold: true}},
		{name: "max boxes", extras: map[string]interface{}{ExtraMaxBoundingBoxes: 0}},
		{name: "max boxes type", extras: map[string]interface{}{ExtraMaxBoundingBoxes: "all"}},
		{name: "max boxes fractional", extras: map[string]interface{}{ExtraMaxBoundingBoxes: 2.7}},
		{name: "max boxes fractional float32", extras: map[string]interface{}{ExtraMaxBoundingBoxes: float32(0.5)}},
		{name: "max boxes NaN", extras: map[string]interface{}{ExtraMaxBoundingBoxes: math.NaN()}},
		{name: "threshold NaN", extras: map[string]interface{}{ExtraBoundingBoxThreshold: math.NaN()}},
		{name: "iou NaN", extras: map[string]interface{}{ExtraIoUThreshold: math.NaN()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConfigFromExtras(tt.extras)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}

	assert.ErrorIs(t, Config{BoundingBoxThreshold: 0.5, IoUThreshold: 0.5, MaxBoundingBoxes: 1}.Validate(), ErrConfiguration)

	nan := float32(math.NaN())
	valid := DefaultConfig()
	for _, cfg := range []Config{
		{BoundingBoxThreshold: nan, IoUThreshold: 0.5, MaxBoundingBoxes: 1, Stride: 32},
		{BoundingBoxThreshold: 0.5, IoUThreshold: nan, MaxBoundingBoxes: 1, Stride: 32},
	} {
		assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)
	}
	assert.NoError(t, valid.Validate())
}

func TestConfigFromExtrasIntegralMaxBoxes(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected int
	}{
		{name: "int", value: 5, expected: 5},
		{name: "int32", value: int32(6), expected: 6},
		{name: "integral float64", value: 3.0, expected: 3},
		{name: "integral float32", value: float32(4), expected: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ConfigFromExtras(map[string]interface{}{ExtraMaxBoundingBoxes: tt.value})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg.MaxBoundingBoxes)
		})
	}
}

func TestWrapShape(t *testing.T) {
	cause := errors.New("dimension mismatch")

	err := WrapShape(cause, "concatenate on axis %d", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShape)
	assert.NotErrorIs(t, err, ErrConfiguration)
	assert.Same(t, cause, errors.Cause(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "concatenate on axis 3: dimension mismatch", err.Error())

	wrapped := errors.Wrap(err, "execute")
	assert.ErrorIs(t, wrapped, ErrShape)
	assert.Same(t, cause, errors.Cause(wrapped))

	assert.NoError(t, WrapShape(nil, "unused"))
}
