package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// SuppressOverlapping performs class-aware non-max suppression.
// Scan all pairs of objects in 'input', and if they share a class and their IoU is at least minIoU,
// then drop the one with lower confidence.
// Returns the indices of the objects that should be retained, in their input order.
func SuppressOverlapping(input []ObjectDetection, minIoU float64) []int {
	if len(input) == 0 {
		return []int{}
	}
	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(b.Box.X1, b.Box.Y1, b.Box.X2, b.Box.Y2)
	}
	fb.Finish()

	// Visit the most confident objects first, so that they are the ones that survive
	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].Confidence > input[order[b]].Confidence
	})

	deleted := make([]bool, len(input))
	for _, i := range order {
		if deleted[i] {
			continue
		}
		in := &input[i]
		for _, j := range fb.Search(in.Box.X1, in.Box.Y1, in.Box.X2, in.Box.Y2) {
			if i == j || deleted[j] {
				continue
			}
			if input[j].Class != in.Class {
				continue
			}
			if input[j].Confidence > in.Confidence {
				// j will be visited before us, or already was
				continue
			}
			if in.Box.IOU(input[j].Box) >= minIoU {
				deleted[j] = true
			}
		}
	}

	retain := make([]int, 0, len(input))
	for i := range input {
		if !deleted[i] {
			retain = append(retain, i)
		}
	}
	return retain
}

// Scan all pairs of objects in 'input', and if they have a high IoU, and their classes are specified in 'mergeMap',
// then merge them into a single object.
// For example, a small pickup might get detected as a "car" and a "truck" with slightly different
// bounding boxes. With mergeMap {"truck": "car"} we delete the truck and keep the car.
// Returns the list of objects that should be retained.
func MergeSimilarObjects(input []ObjectDetection, mergeMap map[string]string, minIoU float64) []int {
	if len(input) == 0 {
		return []int{}
	}
	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(b.Box.X1, b.Box.Y1, b.Box.X2, b.Box.Y2)
	}
	fb.Finish()

	deleted := make([]bool, len(input))

	for i, in := range input {
		expectOtherClass, ok := mergeMap[in.Class]
		if !ok {
			continue
		}
		for _, j := range fb.Search(in.Box.X1, in.Box.Y1, in.Box.X2, in.Box.Y2) {
			if i == j || deleted[j] {
				continue
			}
			if input[j].Class != expectOtherClass {
				continue
			}
			if in.Box.IOU(input[j].Box) >= minIoU {
				deleted[i] = true
				break
			}
		}
	}

	retain := make([]int, 0, len(input))
	for i := range input {
		if !deleted[i] {
			retain = append(retain, i)
		}
	}
	return retain
}

// Select returns input[i] for each i in indices
func Select(input []ObjectDetection, indices []int) []ObjectDetection {
	out := make([]ObjectDetection, 0, len(indices))
	for _, i := range indices {
		out = append(out, input[i])
	}
	return out
}

// PostProcess applies the confidence threshold, class-aware NMS, and class merging to the
// raw output of a detector.
func PostProcess(raw []ObjectDetection, params *DetectionParams) []ObjectDetection {
	objects := FilterByConfidence(raw, params.Probability())
	objects = Select(objects, SuppressOverlapping(objects, params.NmsIou()))
	if params != nil && len(params.MergeClasses) != 0 {
		objects = Select(objects, MergeSimilarObjects(objects, params.MergeClasses, params.NmsIou()))
	}
	return objects
}
