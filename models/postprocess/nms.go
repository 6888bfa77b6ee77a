// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"sort"
	"sync"

	"github.com/nvr-ai/go-yolo/images"
	"github.com/pkg/errors"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	ScoreThreshold float32 // Minimum score for a box to be a candidate of a class.
	IoUThreshold   float32 // Overlap at or above which a lower scoring box is suppressed.
	MaxOutput      int     // Maximum number of boxes kept by one suppression pass.
	NumWorkers     int     // Number of goroutines reducing classes in parallel.
}

// NonMaxSuppression performs standard greedy Non-Maximum Suppression.
//
// Candidates are visited by descending score, ties broken by their position in
// boxes. The highest remaining candidate is kept and every later candidate
// whose IoU with a kept box is at or above iouThreshold is discarded, until the
// candidates are exhausted or maxOutput boxes are kept.
//
// Arguments:
//   - boxes: Candidate boxes.
//   - scores: One score per candidate.
//   - maxOutput: Maximum number of boxes to keep.
//   - iouThreshold: IoU at or above which overlapping boxes are suppressed.
//
// Returns:
//   - Indices into boxes of the kept candidates, in selection order.
func NonMaxSuppression(boxes []images.Box, scores []float32, maxOutput int, iouThreshold float32) []int {
	n := len(boxes)
	if n == 0 || maxOutput <= 0 {
		return []int{}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	selected := make([]int, 0, min(n, maxOutput))
	for _, candidate := range order {
		if len(selected) == maxOutput {
			break
		}

		suppressed := false
		for _, kept := range selected {
			if images.CalculateIoU(boxes[kept], boxes[candidate]) >= iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			selected = append(selected, candidate)
		}
	}

	return selected
}

// SuppressClass selects the candidates of one class from a row-major score
// matrix and runs NonMaxSuppression on them.
//
// Arguments:
//   - boxes: The shared candidate boxes.
//   - scores: Row-major [len(boxes)][numClasses] scores.
//   - numClasses: The number of classes per row.
//   - class: The class to reduce.
//   - config: Thresholds and the per-class cap.
//
// Returns:
//   - The surviving detections of the class, in selection order.
func SuppressClass(boxes []images.Box, scores []float32, numClasses, class int, config *NMSConfig) []Result {
	var (
		classBoxes  []images.Box
		classScores []float32
	)
	for i := range boxes {
		score := scores[i*numClasses+class]
		if score >= config.ScoreThreshold {
			classBoxes = append(classBoxes, boxes[i])
			classScores = append(classScores, score)
		}
	}

	keep := NonMaxSuppression(classBoxes, classScores, config.MaxOutput, config.IoUThreshold)
	results := make([]Result, len(keep))
	for i, idx := range keep {
		results[i] = Result{Box: classBoxes[idx], Score: classScores[idx], Class: class}
	}

	return results
}

// SuppressPerClass reduces every class independently and concatenates the
// survivors in ascending class order.
//
// Classes share nothing but the read-only candidate set, so they are spread
// over config.NumWorkers goroutines, each writing only its own class slot.
//
// Arguments:
//   - boxes: Candidate boxes, concatenated across all scales.
//   - scores: Row-major [len(boxes)][numClasses] scores.
//   - numClasses: The number of classes.
//   - config: Thresholds, the per-class cap and the worker count.
//
// Returns:
//   - The survivors of all classes. A box may appear under several classes.
//   - An error if the score matrix does not match the boxes.
func SuppressPerClass(boxes []images.Box, scores []float32, numClasses int, config *NMSConfig) ([]Result, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("invalid class count %d", numClasses)
	}
	if len(scores) != len(boxes)*numClasses {
		return nil, errors.Errorf("score matrix holds %d values, expected %d boxes x %d classes",
			len(scores), len(boxes), numClasses)
	}

	perClass := make([][]Result, numClasses)

	workers := config.NumWorkers
	if workers < 1 {
		workers = 1
	}
	workers = min(workers, numClasses)

	jobs := make(chan int, numClasses)
	for c := 0; c < numClasses; c++ {
		jobs <- c
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				perClass[c] = SuppressClass(boxes, scores, numClasses, c, config)
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, r := range perClass {
		total += len(r)
	}
	merged := make([]Result, 0, total)
	for _, r := range perClass {
		merged = append(merged, r...)
	}

	return merged, nil
}
