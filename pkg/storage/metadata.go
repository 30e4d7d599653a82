package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/cyclopcam/imgsearch/pkg/metadata"
)

// MetadataName returns the name of the metadata file that belongs to an image directory
func MetadataName(imageDir string) string {
	return path.Join(imageDir, metadata.DefaultFilename)
}

// SaveMetadata writes the store to 'name'
func SaveMetadata(ctx context.Context, s Storage, name string, store *metadata.Store) error {
	payload, err := store.Serialize()
	if err != nil {
		return err
	}
	if err := WriteFile(ctx, s, name, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("Failed to save metadata to %v: %w", name, err)
	}
	return nil
}

// LoadMetadata reads a store from 'name'.
// A payload that can't be parsed produces a metadata.CorruptMetadataError.
func LoadMetadata(ctx context.Context, s Storage, name string) (*metadata.Store, error) {
	payload, err := ReadFile(ctx, s, name)
	if err != nil {
		return nil, fmt.Errorf("Failed to read metadata from %v: %w", name, err)
	}
	return metadata.Deserialize(payload)
}
