// Package postprocess - Postprocessing utilities for models.
package postprocess

import "github.com/nvr-ai/go-yolo/images"

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result.
	Box images.Box
	// The confidence score of the result.
	Score float32
	// The predicted class index of the result.
	Class int
}

// DetectionSet is the final output of a detection head: three parallel
// sequences wrapped in a leading batch dimension of exactly one image.
//
// Within the image, detections are ordered by ascending class and, inside a
// class, by the order suppression selected them (descending score).
type DetectionSet struct {
	Boxes   [][]images.Box
	Scores  [][]float32
	Classes [][]int
}

// NewDetectionSet wraps results in a batch of one. An empty input yields
// empty, non-nil inner sequences.
func NewDetectionSet(results []Result) *DetectionSet {
	boxes := make([]images.Box, 0, len(results))
	scores := make([]float32, 0, len(results))
	classes := make([]int, 0, len(results))

	for _, r := range results {
		boxes = append(boxes, r.Box)
		scores = append(scores, r.Score)
		classes = append(classes, r.Class)
	}

	return &DetectionSet{
		Boxes:   [][]images.Box{boxes},
		Scores:  [][]float32{scores},
		Classes: [][]int{classes},
	}
}

// Len returns the number of detections of the single image.
func (d *DetectionSet) Len() int {
	if d == nil || len(d.Scores) == 0 {
		return 0
	}
	return len(d.Scores[0])
}

// Results flattens the single image of the set back into results.
func (d *DetectionSet) Results() []Result {
	n := d.Len()
	out := make([]Result, n)
	for i := 0; i < n; i++ {
		out[i] = Result{Box: d.Boxes[0][i], Score: d.Scores[0][i], Class: d.Classes[0][i]}
	}
	return out
}
