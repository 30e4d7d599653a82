package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNoPublicUrl = errors.New("No public URL")
var ErrNotAFilesystem = errors.New("Storage is not a filesystem")

// Storage is an abstraction of a blob store (eg GCS, Azure Blob, or a local directory).
// We keep metadata files and exports in it.
type Storage interface {
	// When finished, you must close the WriteCloser. The write is only complete once Close returns nil.
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	// Kind is "filesystem", "gcs", or "azure"
	Kind() string
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
