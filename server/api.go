package server

import (
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/staticfiles"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

//go:embed www
var staticWWW embed.FS

// Inference is expensive, so a single IP may only start a few runs per minute
const processRequestsPerMinute = 6

// Maximum size of a JSON request body
const maxJSONBody = 1024 * 1024

type sessionHandler func(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *Session)

func (s *Server) setupHttpRoutes() error {
	logEveryRequest := false
	router := httprouter.New()

	// withSession creates an HTTP handler that runs against the caller's session
	withSession := func(method, route string, handle sessionHandler) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params, s.sessions.Get(w, r))
		})
	}

	// ratelimited is withSession, but limited to requestLimit requests per windowLength, per IP.
	ratelimited := func(method, route string, handle sessionHandler, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params, s.sessions.Get(w, r))
			})).ServeHTTP(w, r)
		})
	}

	www.Handle(s.Log, router, "GET", "/api/ping", s.httpPing)
	withSession("GET", "/api/session", s.httpSession)
	ratelimited("POST", "/api/process", s.httpProcess, processRequestsPerMinute, time.Minute)
	withSession("POST", "/api/load", s.httpLoad)
	withSession("GET", "/api/classes", s.httpClasses)
	withSession("POST", "/api/search", s.httpSearch)
	withSession("GET", "/api/image", s.httpImage)
	withSession("POST", "/api/export/json", s.httpExportJSON)
	withSession("POST", "/api/export/zip", s.httpExportZip)
	www.Handle(s.Log, router, "GET", "/api/runs", s.httpRuns)
	withSession("GET", "/api/ws", s.httpProgressWebSocket)

	isImmutable := true
	var fsys fs.FS
	fsysRoot := "www"
	fsys = staticWWW
	if s.HotReloadWWW {
		relRoot := "server/www"
		absRoot, err := filepath.Abs(relRoot)
		if err != nil {
			s.Log.Errorf("Failed to resolve static file directory %v: %v", relRoot, err)
			return errors.New("Failed to resolve static file directory for hot reload")
		}
		s.Log.Infof("Serving static files from %v, with hot reload", absRoot)
		fsys = os.DirFS(absRoot)
		fsysRoot = ""
		isImmutable = false
	}

	static, err := staticfiles.NewCachedStaticFileServer(fsys, fsysRoot, []string{"/api/"}, s.Log, isImmutable, nil)
	if err != nil {
		s.Log.Warnf("Error in static files: %v", err)
	}
	router.NotFound = static

	s.httpRouter = router
	return nil
}
