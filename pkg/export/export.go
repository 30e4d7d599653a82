package export

// Package export writes a set of search matches out of the application:
// as a metadata JSON file, as a ZIP bundle, or as a directory of annotated images.

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/imgsearch/pkg/metadata"
	"github.com/cyclopcam/imgsearch/pkg/render"
)

// MetadataEntry is the name of the metadata file inside a ZIP export
const MetadataEntry = "metadata.json"

// HighlightFunc returns the classes to draw for a result. nil means draw everything.
type HighlightFunc func(r *metadata.ImageResult) []string

type ZipOptions struct {
	Annotate  bool                                     // Draw boxes onto the images (re-encoded as JPEG)
	Highlight HighlightFunc                            // Used when Annotate is true
	Open      func(path string) (io.ReadCloser, error) // Defaults to reading from the local filesystem
}

// WriteJSON writes the results in the metadata file format
func WriteJSON(w io.Writer, results []*metadata.ImageResult) error {
	return metadata.EncodeResults(w, results)
}

// entryNames returns a unique name inside the archive for every result.
// Images with the same base name (from different directories) get a numeric prefix.
func entryNames(results []*metadata.ImageResult, annotate bool) []string {
	names := make([]string, len(results))
	used := map[string]bool{MetadataEntry: true}
	for i, r := range results {
		base := filepath.Base(r.ImagePath())
		if annotate {
			base = strings.TrimSuffix(base, filepath.Ext(base)) + ".jpg"
		}
		name := base
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%d_%v", n, base)
		}
		used[name] = true
		names[i] = name
	}
	return names
}

func openLocal(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func addToZip(zw *zip.Writer, filenameInZip string, src io.Reader, compress bool) error {
	method := zip.Deflate
	if !compress {
		method = zip.Store
	}
	header := &zip.FileHeader{
		Name:   filenameInZip,
		Method: method,
	}
	f, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, src)
	return err
}

// WriteZip writes a ZIP archive containing every matched image, plus metadata.json describing them.
// If any image cannot be read, the export fails.
func WriteZip(w io.Writer, results []*metadata.ImageResult, options ZipOptions) error {
	open := options.Open
	if open == nil {
		open = openLocal
	}
	zw := zip.NewWriter(w)
	names := entryNames(results, options.Annotate)

	for i, r := range results {
		if options.Annotate {
			var highlight []string
			if options.Highlight != nil {
				highlight = options.Highlight(r)
			}
			img, err := render.AnnotateFile(r, highlight)
			if err != nil {
				return err
			}
			buf := bytes.Buffer{}
			if err := render.EncodeJPEG(&buf, img, 0); err != nil {
				return err
			}
			if err := addToZip(zw, names[i], &buf, false); err != nil {
				return err
			}
			continue
		}
		src, err := open(r.ImagePath())
		if err != nil {
			return fmt.Errorf("Failed to open %v: %w", r.ImagePath(), err)
		}
		// Images are already compressed
		err = addToZip(zw, names[i], src, false)
		src.Close()
		if err != nil {
			return err
		}
	}

	meta := bytes.Buffer{}
	if err := WriteJSON(&meta, results); err != nil {
		return err
	}
	if err := addToZip(zw, MetadataEntry, &meta, true); err != nil {
		return err
	}
	return zw.Close()
}

// WriteAnnotated renders every result into outDir as a JPEG, and returns the files written
func WriteAnnotated(outDir string, results []*metadata.ImageResult, highlight HighlightFunc) ([]string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	written := []string{}
	for i, name := range entryNames(results, true) {
		r := results[i]
		var hl []string
		if highlight != nil {
			hl = highlight(r)
		}
		img, err := render.AnnotateFile(r, hl)
		if err != nil {
			return written, err
		}
		fn := filepath.Join(outDir, name)
		f, err := os.Create(fn)
		if err != nil {
			return written, err
		}
		err = render.EncodeJPEG(f, img, 0)
		if errClose := f.Close(); err == nil {
			err = errClose
		}
		if err != nil {
			return written, err
		}
		written = append(written, fn)
	}
	return written, nil
}
