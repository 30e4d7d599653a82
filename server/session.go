package server

import (
	"crypto/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cyclopcam/imgsearch/pkg/metadata"
)

const SessionCookie = "imgsearch-session"

// Sessions that have not been used for this long are discarded
const DefaultSessionExpiry = 12 * time.Hour

// Maximum number of queued progress events per websocket, before we start dropping them
const subscriberQueueSize = 64

// ProgressEvent is sent to websocket subscribers while a directory is being processed
// SYNC-PROGRESS-EVENT
type ProgressEvent struct {
	Directory string `json:"directory"`
	Path      string `json:"path,omitempty"`  // Image that was just processed
	Done      int    `json:"done"`            // Number of images processed so far
	Total     int    `json:"total"`           // Number of images in the directory
	Error     string `json:"error,omitempty"` // Error for this image, or for the whole run if Finished is true
	Finished  bool   `json:"finished"`        // True on the final event of a run
}

// Session is the state of one browser. It owns the metadata store that queries run against.
type Session struct {
	ID string

	lock        sync.Mutex
	store       *metadata.Store
	source      string // Metadata file that the store was loaded from, or written to
	lastUsed    time.Time
	processing  bool
	subscribers map[chan ProgressEvent]struct{}
}

// Store returns the session's metadata store, or nil if nothing has been loaded.
// The store is never modified after it is handed to the session, so it may be queried without holding a lock.
func (s *Session) Store() (*metadata.Store, string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.store, s.source
}

// SetStore replaces the session's metadata store
func (s *Session) SetStore(store *metadata.Store, source string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.store = store
	s.source = source
}

// BeginProcessing returns false if the session is already running inference
func (s *Session) BeginProcessing() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.processing {
		return false
	}
	s.processing = true
	return true
}

func (s *Session) EndProcessing() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.processing = false
}

// Subscribe returns a channel of progress events, and a function that must be called to unsubscribe
func (s *Session) Subscribe() (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, subscriberQueueSize)
	s.lock.Lock()
	s.subscribers[ch] = struct{}{}
	s.lock.Unlock()
	return ch, func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
}

// Publish sends an event to all subscribers. Slow subscribers miss events instead of stalling inference.
func (s *Session) Publish(ev ProgressEvent) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Session) closeSubscribers() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = map[chan ProgressEvent]struct{}{}
}

// SessionManager maps session cookies to sessions
type SessionManager struct {
	expiry   time.Duration
	lock     sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager(expiry time.Duration) *SessionManager {
	return &SessionManager{
		expiry:   expiry,
		sessions: map[string]*Session{},
	}
}

// Get returns the caller's session, creating a new one (and setting the cookie) if necessary
func (m *SessionManager) Get(w http.ResponseWriter, r *http.Request) *Session {
	now := time.Now()
	m.lock.Lock()
	defer m.lock.Unlock()

	if cookie, _ := r.Cookie(SessionCookie); cookie != nil {
		if sess := m.sessions[cookie.Value]; sess != nil {
			sess.lock.Lock()
			sess.lastUsed = now
			sess.lock.Unlock()
			return sess
		}
	}

	m.purgeExpired(now)
	sess := &Session{
		ID:          strongRandomAlphaNumChars(30),
		lastUsed:    now,
		subscribers: map[chan ProgressEvent]struct{}{},
	}
	m.sessions[sess.ID] = sess
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

func (m *SessionManager) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sessions)
}

// Must be called with m.lock held
func (m *SessionManager) purgeExpired(now time.Time) {
	for id, sess := range m.sessions {
		sess.lock.Lock()
		expired := now.Sub(sess.lastUsed) > m.expiry && !sess.processing
		sess.lock.Unlock()
		if expired {
			sess.closeSubscribers()
			delete(m.sessions, id)
		}
	}
}

// CloseAll drops every session, and closes their websocket subscriptions
func (m *SessionManager) CloseAll() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, sess := range m.sessions {
		sess.closeSubscribers()
	}
	m.sessions = map[string]*Session{}
}

// This is 62 symbols, hence 5.9542 bits per character
const alphaNumChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func strongRandomAlphaNumChars(nchars int) string {
	buf := make([]byte, nchars)
	if n, _ := rand.Read(buf[:]); n != nchars {
		panic("Unable to read from crypto/rand")
	}
	for i := 0; i < nchars; i++ {
		buf[i] = alphaNumChars[buf[i]%byte(len(alphaNumChars))]
	}
	return string(buf)
}
