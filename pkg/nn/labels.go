package nn

// ObjectDetection is an object that a detector has found in an image
type ObjectDetection struct {
	Class      string  `json:"class"`
	ClassID    int     `json:"classID"` // -1 if the backend only reports labels
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// FilterByConfidence returns the objects with Confidence >= threshold, preserving order
func FilterByConfidence(objects []ObjectDetection, threshold float64) []ObjectDetection {
	out := make([]ObjectDetection, 0, len(objects))
	for _, obj := range objects {
		if obj.Confidence >= threshold {
			out = append(out, obj)
		}
	}
	return out
}
