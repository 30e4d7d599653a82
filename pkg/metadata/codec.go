package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/cyclopcam/imgsearch/pkg/nn"
)

// DefaultFilename is the name of the metadata file that we write into a processed directory
const DefaultFilename = "metadata.json"

// On-disk shape of a detection. Every field is required when reading, so they're all pointers.
type fileDetection struct {
	Class      *string    `json:"class"`
	Confidence *float64   `json:"confidence"`
	BBox       *[]float64 `json:"bbox"`
	Count      *int       `json:"count"` // Number of detections of this class in the image
}

// On-disk shape of an image result
type fileEntry struct {
	ImagePath    *string          `json:"image_path"`
	Detections   *[]fileDetection `json:"detections"`
	TotalObjects *int             `json:"total_objects"`
	UniqueClass  *[]string        `json:"unique_class"`
	ClassCounts  *map[string]int  `json:"class_counts"`
}

func ptr[T any](v T) *T {
	return &v
}

func encodeResult(r *ImageResult) fileEntry {
	dets := make([]fileDetection, len(r.detections))
	for i, d := range r.detections {
		xyxy := d.Box.XYXY()
		dets[i] = fileDetection{
			Class:      ptr(d.Class),
			Confidence: ptr(d.Confidence),
			BBox:       ptr(xyxy[:]),
			Count:      ptr(r.classCounts[d.Class]),
		}
	}
	unique := r.UniqueClasses()
	if unique == nil {
		unique = []string{}
	}
	return fileEntry{
		ImagePath:    ptr(r.imagePath),
		Detections:   &dets,
		TotalObjects: ptr(len(r.detections)),
		UniqueClass:  &unique,
		ClassCounts:  ptr(r.ClassCounts()),
	}
}

func decodeResult(entry int, e *fileEntry) (*ImageResult, error) {
	switch {
	case e.ImagePath == nil:
		return nil, corrupt(entry, nil, "missing image_path")
	case e.Detections == nil:
		return nil, corrupt(entry, nil, "missing detections")
	case e.TotalObjects == nil:
		return nil, corrupt(entry, nil, "missing total_objects")
	case e.UniqueClass == nil:
		return nil, corrupt(entry, nil, "missing unique_class")
	case e.ClassCounts == nil:
		return nil, corrupt(entry, nil, "missing class_counts")
	}

	dets := make([]Detection, len(*e.Detections))
	for i, fd := range *e.Detections {
		switch {
		case fd.Class == nil:
			return nil, corrupt(entry, nil, "detection %v: missing class", i)
		case fd.Confidence == nil:
			return nil, corrupt(entry, nil, "detection %v: missing confidence", i)
		case fd.BBox == nil:
			return nil, corrupt(entry, nil, "detection %v: missing bbox", i)
		case fd.Count == nil:
			return nil, corrupt(entry, nil, "detection %v: missing count", i)
		case len(*fd.BBox) != 4:
			return nil, corrupt(entry, nil, "detection %v: bbox has %v values, expected 4", i, len(*fd.BBox))
		}
		dets[i] = Detection{
			Class:      *fd.Class,
			Confidence: *fd.Confidence,
			Box:        nn.MakeBox([4]float64((*fd.BBox)[:4])),
		}
	}

	r, err := NewImageResult(*e.ImagePath, dets)
	if err != nil {
		return nil, corrupt(entry, err, "invalid image result")
	}

	// The derived fields in the file must agree with what we derive ourselves
	if *e.TotalObjects != r.TotalObjects() {
		return nil, corrupt(entry, nil, "total_objects is %v, but there are %v detections", *e.TotalObjects, r.TotalObjects())
	}
	if !maps.Equal(*e.ClassCounts, r.classCounts) {
		return nil, corrupt(entry, nil, "class_counts disagrees with detections")
	}
	fileUnique := slices.Sorted(slices.Values(*e.UniqueClass))
	ourUnique := slices.Sorted(slices.Values(r.uniqueClasses))
	if !slices.Equal(fileUnique, ourUnique) {
		return nil, corrupt(entry, nil, "unique_class disagrees with detections")
	}
	for i, fd := range *e.Detections {
		if *fd.Count != r.classCounts[*fd.Class] {
			return nil, corrupt(entry, nil, "detection %v: count is %v, but '%v' appears %v times", i, *fd.Count, *fd.Class, r.classCounts[*fd.Class])
		}
	}
	return r, nil
}

// Encode writes the store in the metadata file format
func (s *Store) Encode(w io.Writer) error {
	entries := make([]fileEntry, len(s.results))
	for i, r := range s.results {
		entries[i] = encodeResult(r)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// Serialize returns the store in the metadata file format
func (s *Store) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeResults writes an arbitrary list of results in the metadata file format
func EncodeResults(w io.Writer, results []*ImageResult) error {
	s := &Store{results: results}
	return s.Encode(w)
}

// Deserialize parses a metadata payload into a new store.
// Any error is a CorruptMetadataError, and no partial store is ever returned.
func Deserialize(payload []byte) (*Store, error) {
	var entries []fileEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, corrupt(-1, err, "invalid JSON")
	}
	if entries == nil {
		// A literal 'null' is not a list of images
		return nil, corrupt(-1, nil, "expected a JSON array")
	}
	results := make([]*ImageResult, 0, len(entries))
	for i := range entries {
		r, err := decodeResult(i, &entries[i])
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	s, err := NewStoreFromResults(results)
	if err != nil {
		return nil, corrupt(-1, err, "duplicate image path")
	}
	return s, nil
}

// ReadStore reads an entire metadata payload from r and deserializes it
func ReadStore(r io.Reader) (*Store, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("Failed to read metadata: %w", err)
	}
	return Deserialize(b)
}
