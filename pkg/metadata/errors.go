package metadata

import (
	"errors"
	"fmt"
)

var ErrMalformedDetection = errors.New("Malformed detection")
var ErrDuplicateImage = errors.New("Duplicate image")
var ErrCorruptMetadata = errors.New("Corrupt metadata")

// MalformedDetectionError is returned when a detection violates the bbox or confidence rules
type MalformedDetectionError struct {
	ImagePath string
	Index     int // Index of the detection inside the image, or -1 if the image itself is at fault
	Reason    string
}

func (e *MalformedDetectionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("Malformed detection in '%v': %v", e.ImagePath, e.Reason)
	}
	return fmt.Sprintf("Malformed detection %v in '%v': %v", e.Index, e.ImagePath, e.Reason)
}

func (e *MalformedDetectionError) Is(target error) bool {
	return target == ErrMalformedDetection
}

// DuplicateImageError is returned when an image path is added to a store twice
type DuplicateImageError struct {
	ImagePath string
}

func (e *DuplicateImageError) Error() string {
	return fmt.Sprintf("Image '%v' is already in the store", e.ImagePath)
}

func (e *DuplicateImageError) Is(target error) bool {
	return target == ErrDuplicateImage
}

// CorruptMetadataError is returned when a metadata payload cannot be turned into a store
type CorruptMetadataError struct {
	Entry  int // Index of the offending entry in the payload, or -1 if the payload as a whole is bad
	Reason string
	Err    error
}

func (e *CorruptMetadataError) Error() string {
	msg := "Corrupt metadata"
	if e.Entry >= 0 {
		msg += fmt.Sprintf(" (entry %v)", e.Entry)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptMetadataError) Unwrap() error {
	return e.Err
}

func (e *CorruptMetadataError) Is(target error) bool {
	return target == ErrCorruptMetadata
}

func corrupt(entry int, err error, format string, args ...any) *CorruptMetadataError {
	return &CorruptMetadataError{
		Entry:  entry,
		Reason: fmt.Sprintf(format, args...),
		Err:    err,
	}
}
