package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/imgsearch/pkg/inference"
	"github.com/cyclopcam/imgsearch/pkg/metadata"
	"github.com/cyclopcam/imgsearch/pkg/nn"
	"github.com/cyclopcam/imgsearch/pkg/nnload"
	"github.com/cyclopcam/imgsearch/pkg/storage"
	"github.com/cyclopcam/imgsearch/server/rundb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Number of runs returned by /api/runs if the caller doesn't specify a limit
const defaultRunListLimit = 50

// checkUserError sends 400 for errors caused by bad input, 404 for missing files,
// and 500 for anything else.
func checkUserError(err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, metadata.ErrCorruptMetadata),
		errors.Is(err, metadata.ErrMalformedDetection),
		errors.Is(err, metadata.ErrDuplicateImage),
		errors.Is(err, inference.ErrNoImages):
		www.PanicBadRequestf("%v", err)
	case errors.Is(err, os.ErrNotExist):
		www.Panic(http.StatusNotFound, err.Error())
	}
	www.Check(err)
}

// requireStore returns the session's store, or fails the request if nothing has been loaded
func requireStore(sess *Session) (*metadata.Store, string) {
	store, source := sess.Store()
	if store == nil {
		www.PanicBadRequestf("No metadata loaded. Process a directory or load a metadata file first.")
	}
	return store, source
}

type classesJSON struct {
	Source       string           `json:"source"`
	NumImages    int              `json:"numImages"`
	Classes      []string         `json:"classes"`
	CountOptions map[string][]int `json:"countOptions"`
}

func makeClassesJSON(store *metadata.Store, source string) *classesJSON {
	return &classesJSON{
		Source:       source,
		NumImages:    store.Len(),
		Classes:      store.UniqueClasses(),
		CountOptions: store.CountOptions(),
	}
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	ping := &pingJSON{
		Time: time.Now().Unix(),
	}
	www.SendJSON(w, ping)
}

func (s *Server) httpSession(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *Session) {
	type sessionJSON struct {
		Loaded    bool   `json:"loaded"`
		Source    string `json:"source"`
		NumImages int    `json:"numImages"`
	}
	resp := sessionJSON{}
	if store, source := sess.Store(); store != nil {
		resp.Loaded = true
		resp.Source = source
		resp.NumImages = store.Len()
	}
	www.SendJSON(w, &resp)
}

// httpProcess runs the detector over a directory, saves the metadata file, and makes
// the result the session's store. Progress is published to the session's websockets.
func (s *Server) httpProcess(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *Session) {
	type requestJSON struct {
		Directory string `json:"directory"`
		Output    string `json:"output"` // Optional. Defaults to metadata.json inside the directory.
	}
	type failureJSON struct {
		Path  string `json:"path"`
		Error string `json:"error"`
	}
	type responseJSON struct {
		MetadataPath string        `json:"metadataPath"`
		NumImages    int           `json:"numImages"`
		Failures     []failureJSON `json:"failures"`
		Classes      []string      `json:"classes"`
	}

	req := requestJSON{}
	www.ReadJSON(w, r, &req, maxJSONBody)
	req.Directory = strings.TrimSpace(req.Directory)
	if req.Directory == "" {
		www.PanicBadRequestf("directory is required")
	}
	if !sess.BeginProcessing() {
		www.Panic(http.StatusConflict, "A directory is already being processed")
	}
	defer sess.EndProcessing()

	detector, err := s.getDetector(r.Context())
	if err != nil {
		www.Panic(http.StatusServiceUnavailable, "Object detector is not available: "+err.Error())
	}

	cfg := s.Config
	options := inference.Options{
		Extensions:   cfg.Data.ImageExtension,
		Workers:      cfg.Model.Workers,
		ImageTimeout: cfg.Model.ImageTimeout,
		Params:       nnload.DetectionParams(&cfg.Model),
		Progress: func(p inference.Progress) {
			sess.Publish(ProgressEvent{Directory: req.Directory, Path: p.Path, Done: p.Done, Total: p.Total, Error: p.Error})
		},
	}
	store, report, err := inference.RunOnDirectory(r.Context(), s.Log, detector, req.Directory, options)
	if err != nil {
		sess.Publish(ProgressEvent{Directory: req.Directory, Error: err.Error(), Finished: true})
		checkUserError(err)
	}

	metadataPath := req.Output
	if metadataPath == "" {
		metadataPath = storage.MetadataName(req.Directory)
	}
	if err := storage.SaveMetadata(r.Context(), s.storage, metadataPath, store); err != nil {
		sess.Publish(ProgressEvent{Directory: req.Directory, Error: err.Error(), Finished: true})
		www.Check(err)
	}
	sess.SetStore(store, metadataPath)
	s.recordRun(detector.Config(), report, metadataPath, store)
	sess.Publish(ProgressEvent{Directory: req.Directory, Done: report.Images, Total: report.Images, Finished: true})

	resp := responseJSON{
		MetadataPath: metadataPath,
		NumImages:    report.Images,
		Failures:     []failureJSON{},
		Classes:      store.UniqueClasses(),
	}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, failureJSON{Path: f.Path, Error: f.Err.Error()})
	}
	www.SendJSON(w, &resp)
}

// recordRun adds the run to the history. Failure to do so is logged, but doesn't fail the request.
func (s *Server) recordRun(model *nn.ModelConfig, report *inference.Report, metadataPath string, store *metadata.Store) {
	if s.RunDB == nil {
		return
	}
	run := &rundb.Run{
		Directory:     report.Directory,
		MetadataPath:  metadataPath,
		Backend:       model.Architecture,
		Model:         model.Name,
		StartedAt:     dbh.MakeIntTime(report.Started),
		FinishedAt:    dbh.MakeIntTime(report.Finished),
		NumImages:     report.Images,
		NumFailed:     len(report.Failures),
		UniqueClasses: strings.Join(store.UniqueClasses(), ","),
	}
	if err := s.RunDB.Record(run); err != nil {
		s.Log.Errorf("Failed to record run on %v: %v", report.Directory, err)
	}
}

// httpLoad replaces the session's store with the contents of a metadata file
func (s *Server) httpLoad(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *Session) {
	type requestJSON struct {
		Path string `json:"path"`
	}
	req := requestJSON{}
	www.ReadJSON(w, r, &req, maxJSONBody)
	if req.Path == "" {
		www.PanicBadRequestf("path is required")
	}
	store, err := storage.LoadMetadata(r.Context(), s.storage, req.Path)
	checkUserError(err)
	s.Log.Infof("Loaded %v images from %v", store.Len(), req.Path)
	sess.SetStore(store, req.Path)
	www.SendJSON(w, makeClassesJSON(store, req.Path))
}

func (s *Server) httpClasses(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *Session) {
	store, source := requireStore(sess)
	www.SendJSON(w, makeClassesJSON(store, source))
}

func (s *Server) httpRuns(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.RunDB == nil {
		www.SendJSON(w, []rundb.Run{})
		return
	}
	limit := www.QueryInt(r, "limit")
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	runs, err := s.RunDB.List(limit)
	www.Check(err)
	www.SendJSON(w, runs)
}

// httpProgressWebSocket streams ProgressEvents for the caller's session, until the client goes away
func (s *Server) httpProgressWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *Session) {
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpProgressWebSocket websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	// We don't expect anything from the client, but we must read in order to notice when it disconnects
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				s.Log.Infof("httpProgressWebSocket write failed: %v", err)
				return
			}
		}
	}
}
