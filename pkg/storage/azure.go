package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/cyclopcam/logs"
)

// StorageAzure is an Azure Blob Storage-based blob store.
// All blobs live in a single container.
type StorageAzure struct {
	account   string
	container string
	client    *azblob.Client
	log       logs.Log
}

func NewStorageAzure(log logs.Log, account, key, container string) (*StorageAzure, error) {
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, err
	}
	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", account),
		credential,
		nil,
	)
	if err != nil {
		return nil, err
	}
	return &StorageAzure{
		account:   account,
		container: container,
		client:    client,
		log:       log,
	}, nil
}

func (s *StorageAzure) Kind() string {
	return "azure"
}

// azureWriter streams into an upload that runs on a background goroutine
type azureWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *azureWriter) Write(b []byte) (int, error) {
	return w.pw.Write(b)
}

func (w *azureWriter) Close() error {
	w.pw.Close()
	return <-w.done
}

func (s *StorageAzure) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	s.log.Infof("Writing azure %v/%v", s.container, name)
	pr, pw := io.Pipe()
	w := &azureWriter{
		pw:   pw,
		done: make(chan error, 1),
	}
	go func() {
		_, err := s.client.UploadStream(ctx, s.container, name, pr, nil)
		// Unblock the writer if the upload gave up early
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

func (s *StorageAzure) ReadFile(ctx context.Context, name string) (*File, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		return nil, fmt.Errorf("Download of %v failed: %w", name, err)
	}
	f := &File{
		Reader: resp.Body,
	}
	if resp.LastModified != nil {
		f.ModifiedAt = *resp.LastModified
	} else {
		f.ModifiedAt = time.Now()
	}
	if resp.ContentLength != nil {
		f.Size = *resp.ContentLength
	}
	return f, nil
}

func (s *StorageAzure) DeleteFile(ctx context.Context, name string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, name, nil)
	return err
}

func (s *StorageAzure) URL(name string) (string, error) {
	return "", ErrNoPublicUrl
}
