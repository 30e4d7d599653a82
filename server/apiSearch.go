package server

import (
	"bytes"
	"net/http"

	"github.com/cyclopcam/imgsearch/pkg/export"
	"github.com/cyclopcam/imgsearch/pkg/metadata"
	"github.com/cyclopcam/imgsearch/pkg/render"
	"github.com/cyclopcam/imgsearch/pkg/search"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Images sent to the browser are scaled down to this size, unless the caller asks for something else
const defaultImageSize = 1600

// readQuery reads a search.Query from the request body, and returns it with duplicate classes removed
func readQuery(w http.ResponseWriter, r *http.Request) *search.Query {
	req := search.Query{}
	www.ReadJSON(w, r, &req, maxJSONBody)
	return search.NewQuery(req.Classes, req.Mode, req.Thresholds)
}

// SYNC-SEARCH-MATCH
type matchJSON struct {
	ImagePath    string         `json:"imagePath"`
	TotalObjects int            `json:"totalObjects"`
	ClassCounts  map[string]int `json:"classCounts"`
	Highlight    []string       `json:"highlight"` // The selected classes that matched in this image
}

func (s *Server) httpSearch(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *Session) {
	type responseJSON struct {
		Query     string                `json:"query"`
		NumImages int                   `json:"numImages"` // Size of the store that was searched
		Matches   []matchJSON           `json:"matches"`
		Summary   []search.ClassSummary `json:"summary"`
	}

	store, _ := requireStore(sess)
	q := readQuery(w, r)
	matches := search.Evaluate(store, q)

	resp := responseJSON{
		Query:     q.String(),
		NumImages: store.Len(),
		Matches:   make([]matchJSON, 0, len(matches)),
		Summary:   search.Summarize(matches, q),
	}
	for _, m := range matches {
		resp.Matches = append(resp.Matches, matchJSON{
			ImagePath:    m.ImagePath(),
			TotalObjects: m.TotalObjects(),
			ClassCounts:  m.ClassCounts(),
			Highlight:    q.Highlight(m),
		})
	}
	www.SendJSON(w, &resp)
}

// httpImage sends an image of the session's store as a JPEG, with its boxes drawn on.
// highlight is an optional comma separated list of classes to draw. If empty, all boxes are drawn.
func (s *Server) httpImage(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *Session) {
	store, _ := requireStore(sess)
	imagePath := www.RequiredQueryValue(r, "path")
	result := store.Get(imagePath)
	if result == nil {
		www.PanicNotFound()
	}
	highlight := search.ParseClassList(www.QueryValue(r, "highlight"))
	size := www.QueryInt(r, "size")
	if size <= 0 {
		size = defaultImageSize
	}

	img, err := render.AnnotateFile(result, highlight)
	checkUserError(err)
	img = render.Fit(img, size)

	buf := bytes.Buffer{}
	www.Check(render.EncodeJPEG(&buf, img, render.DefaultJPEGQuality))
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(buf.Bytes())
}

func (s *Server) matchesForExport(w http.ResponseWriter, r *http.Request, sess *Session) ([]*metadata.ImageResult, *search.Query) {
	store, _ := requireStore(sess)
	q := readQuery(w, r)
	return search.Evaluate(store, q), q
}

// httpExportJSON sends the matches of a query, in the metadata file format
func (s *Server) httpExportJSON(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *Session) {
	matches, _ := s.matchesForExport(w, r, sess)
	buf := bytes.Buffer{}
	www.Check(export.WriteJSON(&buf, matches))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="matches.json"`)
	w.Write(buf.Bytes())
}

// httpExportZip sends a zip file of the images that match a query, plus their metadata.
// Add ?annotate=1 to draw the boxes of the selected classes onto the images.
func (s *Server) httpExportZip(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *Session) {
	annotate := www.QueryValue(r, "annotate") == "1"
	matches, q := s.matchesForExport(w, r, sess)

	// Build the whole archive before sending anything, so that a missing image produces an error response
	buf := bytes.Buffer{}
	err := export.WriteZip(&buf, matches, export.ZipOptions{
		Annotate:  annotate,
		Highlight: q.Highlight,
	})
	checkUserError(err)
	s.Log.Infof("Exporting %v images (%v) as zip, %v bytes", len(matches), q, buf.Len())
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="matches.zip"`)
	w.Write(buf.Bytes())
}
