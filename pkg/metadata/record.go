package metadata

import (
	"maps"
	"math"

	"github.com/cyclopcam/imgsearch/pkg/nn"
)

// Detection is a single labelled box found in an image.
// It is a value type: once inside an ImageResult it cannot be changed.
type Detection struct {
	Class      string  // eg "car"
	Confidence float64 // 0..1
	Box        nn.Box
}

// ImageResult is the aggregate of all detections for one image.
// All fields apart from the path and the detections themselves are derived,
// and are computed once, by the constructor.
type ImageResult struct {
	imagePath     string
	detections    []Detection
	uniqueClasses []string // first-appearance order
	classCounts   map[string]int
}

func validateDetection(imagePath string, index int, d *Detection) error {
	bad := func(reason string) error {
		return &MalformedDetectionError{ImagePath: imagePath, Index: index, Reason: reason}
	}
	if d.Class == "" {
		return bad("empty class label")
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return bad("confidence must be between 0 and 1")
	}
	if !d.Box.IsValid() {
		return bad("bbox must satisfy x_min <= x_max and y_min <= y_max")
	}
	return nil
}

// NewImageResult validates the detections and computes the derived fields.
// The detections slice is copied.
func NewImageResult(imagePath string, detections []Detection) (*ImageResult, error) {
	if imagePath == "" {
		return nil, &MalformedDetectionError{Index: -1, Reason: "empty image path"}
	}
	r := &ImageResult{
		imagePath:   imagePath,
		detections:  make([]Detection, len(detections)),
		classCounts: map[string]int{},
	}
	copy(r.detections, detections)
	for i := range r.detections {
		d := &r.detections[i]
		if err := validateDetection(imagePath, i, d); err != nil {
			return nil, err
		}
		if r.classCounts[d.Class] == 0 {
			r.uniqueClasses = append(r.uniqueClasses, d.Class)
		}
		r.classCounts[d.Class]++
	}
	return r, nil
}

// FromObjectDetections builds an ImageResult from raw detector output
func FromObjectDetections(imagePath string, objects []nn.ObjectDetection) (*ImageResult, error) {
	dets := make([]Detection, len(objects))
	for i, obj := range objects {
		dets[i] = Detection{
			Class:      obj.Class,
			Confidence: obj.Confidence,
			Box:        obj.Box,
		}
	}
	return NewImageResult(imagePath, dets)
}

func (r *ImageResult) ImagePath() string {
	return r.imagePath
}

// Detections returns a copy of the detections, in detector order
func (r *ImageResult) Detections() []Detection {
	return append([]Detection(nil), r.detections...)
}

func (r *ImageResult) TotalObjects() int {
	return len(r.detections)
}

// UniqueClasses returns the distinct labels, in the order they first appear
func (r *ImageResult) UniqueClasses() []string {
	return append([]string(nil), r.uniqueClasses...)
}

// ClassCounts returns a copy of the label -> count map
func (r *ImageResult) ClassCounts() map[string]int {
	return maps.Clone(r.classCounts)
}

// ClassCount returns the number of detections with the given label (zero if absent)
func (r *ImageResult) ClassCount(label string) int {
	return r.classCounts[label]
}

func (r *ImageResult) HasClass(label string) bool {
	return r.classCounts[label] != 0
}
