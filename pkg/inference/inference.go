package inference

// Package inference runs an object detector over a directory of images,
// and turns the output into a metadata store.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/imgsearch/pkg/metadata"
	"github.com/cyclopcam/imgsearch/pkg/nn"
	"github.com/cyclopcam/logs"
	"golang.org/x/sync/errgroup"
)

var ErrNoImages = errors.New("No images found")

// DetectionFailure records an image that could not be processed.
// A failure does not stop the rest of the batch.
type DetectionFailure struct {
	Path string
	Err  error
}

func (f *DetectionFailure) Error() string {
	return fmt.Sprintf("Error processing %v: %v", f.Path, f.Err)
}

func (f *DetectionFailure) Unwrap() error {
	return f.Err
}

type Options struct {
	Extensions   []string            // eg [".jpg", ".png"]. Matched case insensitively.
	Workers      int                 // Number of images in flight at once. Zero means 1.
	ImageTimeout time.Duration       // Zero means no limit
	Params       *nn.DetectionParams // nil means defaults
	Progress     func(p Progress)    // Optional. Calls are serialized.
	AllowEmpty   bool                // If false, a directory without images is an error
}

// Progress is emitted after every image
type Progress struct {
	Path  string `json:"path"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
	Error string `json:"error,omitempty"`
}

// Report summarizes a directory run
type Report struct {
	Directory string
	Images    int // Number of images found
	Failures  []*DetectionFailure
	Started   time.Time
	Finished  time.Time
}

func (r *Report) Succeeded() int {
	return r.Images - len(r.Failures)
}

// ListImages returns the files in 'dir' whose extension is in 'extensions', sorted by path.
// Subdirectories are not searched.
func ListImages(dir string, extensions []string) ([]string, error) {
	allowed := map[string]bool{}
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	// ReadDir returns entries sorted by filename
	paths := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if allowed[strings.ToLower(filepath.Ext(e.Name()))] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// DetectImage runs the detector on a single image and builds its result
func DetectImage(ctx context.Context, detector nn.ObjectDetector, imagePath string, params *nn.DetectionParams) (*metadata.ImageResult, error) {
	objects, err := detector.DetectObjects(ctx, imagePath, params)
	if err != nil {
		return nil, err
	}
	return metadata.FromObjectDetections(imagePath, objects)
}

// RunOnDirectory detects objects in every image of 'dir'.
// Images that fail are listed in the report, and are absent from the store.
// The store is ordered by image path, regardless of the order in which detections complete.
// An error is returned only if the directory can't be listed, or ctx is cancelled.
func RunOnDirectory(ctx context.Context, log logs.Log, detector nn.ObjectDetector, dir string, options Options) (*metadata.Store, *Report, error) {
	report := &Report{
		Directory: dir,
		Started:   time.Now(),
	}
	paths, err := ListImages(dir, options.Extensions)
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 && !options.AllowEmpty {
		return nil, nil, fmt.Errorf("%w in %v (extensions %v)", ErrNoImages, dir, strings.Join(options.Extensions, ","))
	}
	report.Images = len(paths)
	log.Infof("Running detection on %v images in %v", len(paths), dir)

	results := make([]*metadata.ImageResult, len(paths))
	failures := make([]*DetectionFailure, len(paths))

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(options.Workers, 1))
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			imgCtx := gctx
			if options.ImageTimeout > 0 {
				var cancel context.CancelFunc
				imgCtx, cancel = context.WithTimeout(gctx, options.ImageTimeout)
				defer cancel()
			}
			r, err := DetectImage(imgCtx, detector, path, options.Params)
			if err != nil && gctx.Err() != nil {
				// The whole run was cancelled, not just this image
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			p := Progress{Path: path, Done: done, Total: len(paths)}
			if err != nil {
				failures[i] = &DetectionFailure{Path: path, Err: err}
				p.Error = err.Error()
				log.Warnf("%v", failures[i])
			} else {
				results[i] = r
			}
			if options.Progress != nil {
				options.Progress(p)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	ok := make([]*metadata.ImageResult, 0, len(paths))
	for i := range paths {
		if failures[i] != nil {
			report.Failures = append(report.Failures, failures[i])
		} else {
			ok = append(ok, results[i])
		}
	}
	store, err := metadata.NewStoreFromResults(ok)
	if err != nil {
		// Paths come from a single directory listing, so this would be a bug
		return nil, nil, err
	}
	report.Finished = time.Now()
	log.Infof("Processed %v images in %v (%v failed) in %.1f seconds", report.Succeeded(), dir, len(report.Failures), report.Finished.Sub(report.Started).Seconds())
	return store, report, nil
}
