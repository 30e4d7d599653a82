package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/cyclopcam/imgsearch/pkg/config"
	"github.com/cyclopcam/imgsearch/pkg/nn"
	"github.com/cyclopcam/imgsearch/pkg/nnload"
	"github.com/cyclopcam/imgsearch/pkg/storage"
	"github.com/cyclopcam/imgsearch/server/rundb"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// DetectorFactory creates the object detector. It is called once, on the first inference request.
type DetectorFactory func(ctx context.Context) (nn.ObjectDetector, error)

type Server struct {
	HotReloadWWW bool
	Log          logs.Log
	Config       *config.Config
	RunDB        *rundb.RunDB // nil if the run history is disabled

	signalIn     chan os.Signal
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	wsUpgrader   websocket.Upgrader
	storage      storage.Storage
	sessions     *SessionManager
	newDetector  DetectorFactory
	detectorLock sync.Mutex
	detector     nn.ObjectDetector
}

// NewServer creates the HTTP service.
// If newDetector is nil, the detector is built from cfg.Model on first use.
func NewServer(logger logs.Log, cfg *config.Config, newDetector DetectorFactory) (*Server, error) {
	store, err := storage.Open(context.Background(), logger, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("Failed to open storage: %w", err)
	}
	var runDB *rundb.RunDB
	if cfg.Server.RunDB != "" {
		runDB, err = rundb.Open(logger, cfg.Server.RunDB)
		if err != nil {
			return nil, err
		}
	}
	if newDetector == nil {
		newDetector = func(ctx context.Context) (nn.ObjectDetector, error) {
			return nnload.LoadDetector(ctx, logger, &cfg.Model)
		}
	}
	s := &Server{
		HotReloadWWW: cfg.Server.HotReloadWWW,
		Log:          logger,
		Config:       cfg,
		RunDB:        runDB,
		storage:      store,
		sessions:     NewSessionManager(DefaultSessionExpiry),
		newDetector:  newDetector,
	}
	if err := s.setupHttpRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// getDetector returns the shared detector, creating it if necessary.
// A failed attempt is not cached, so a detector service that comes up later will be found.
func (s *Server) getDetector(ctx context.Context) (nn.ObjectDetector, error) {
	s.detectorLock.Lock()
	defer s.detectorLock.Unlock()
	if s.detector != nil {
		return s.detector, nil
	}
	det, err := s.newDetector(ctx)
	if err != nil {
		return nil, err
	}
	s.detector = det
	return det, nil
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

// ListenHTTPS serves on port 443, with a certificate from Let's Encrypt for 'domain'.
// Certificates are cached in certDirectory.
func (s *Server) ListenHTTPS(domain, certDirectory string) error {
	s.Log.Infof("Listening on :443 for %v (certificates in %v)", domain, certDirectory)
	certmagic.Default.Storage = &certmagic.FileStorage{Path: certDirectory}
	certmagic.DefaultACME.Agreed = true
	tlsConfig, err := certmagic.TLS([]string{domain})
	if err != nil {
		return fmt.Errorf("Failed to setup certificate for %v: %w", domain, err)
	}
	s.httpServer = &http.Server{
		Addr:      ":443",
		Handler:   s.httpRouter,
		TLSConfig: tlsConfig,
	}
	return s.httpServer.ListenAndServeTLS("", "")
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// This path gets hit when Shutdown() is called by something other than ourselves, and Shutdown() closes the signalIn channel.
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.httpServer.Shutdown(ctx)
		defer cancel()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Log.Warnf("HTTP server shutdown error: %v", err)
		}
	}
	s.sessions.CloseAll()
	s.detectorLock.Lock()
	if s.detector != nil {
		s.detector.Close()
		s.detector = nil
	}
	s.detectorLock.Unlock()
	if s.RunDB != nil {
		s.RunDB.Close()
	}
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
}
