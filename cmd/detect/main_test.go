package main

import (
	"flag"
	"testing"

	"github.com/nvr-ai/go-yolo/inference/providers"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlagsChannelsFirst(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected bool
	}{
		{name: "default", args: nil, expected: true},
		{name: "explicit true", args: []string{"-channels-first"}, expected: true},
		{name: "nhwc", args: []string{"-channels-first=false"}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := parseFlags(append([]string{"-engine", "onnx", "-onnx-model", "backbone.onnx"}, tt.args...))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, o.nchw)

			config := sessionConfig(o, providers.DefaultConfig())
			assert.Equal(t, tt.expected, config.ChannelsFirst)
			assert.Equal(t, "backbone.onnx", config.ModelPath)
		})
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	o, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultNetworkPath, o.networkPath)
	assert.Equal(t, NoCamera, o.cameraID)
	assert.Equal(t, model.MaxBoundingBoxes, o.maxBoxes)
}

func TestParseFlagsErrors(t *testing.T) {
	_, err := parseFlags([]string{"-h"})
	assert.ErrorIs(t, err, flag.ErrHelp)

	_, err = parseFlags([]string{"-max-boxes", "many"})
	assert.Error(t, err)
}
