package storage

import (
	"context"
	"errors"

	"github.com/cyclopcam/imgsearch/pkg/config"
	"github.com/cyclopcam/logs"
)

// Open creates the storage described by 'cfg'. If nothing is configured, we use the local filesystem
// with plain paths.
func Open(ctx context.Context, log logs.Log, cfg *config.StorageConfig) (Storage, error) {
	switch {
	case cfg.GCS != nil:
		return NewStorageGCS(ctx, log, cfg.GCS.Bucket, cfg.GCS.Public)
	case cfg.Azure != nil:
		if cfg.Azure.Key == "" {
			return nil, errors.New("Azure storage needs AZURE_STORAGE_KEY")
		}
		return NewStorageAzure(log, cfg.Azure.Account, cfg.Azure.Key, cfg.Azure.Container)
	case cfg.Filesystem != nil:
		return NewStorageFS(log, cfg.Filesystem.Root)
	default:
		return NewStorageFS(log, "")
	}
}
