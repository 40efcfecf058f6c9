package api

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atlasmap-sc/cellview/internal/dispatch"
)

var (
	// ErrUnknownDataset is returned when a session names a dataset the
	// registry does not hold.
	ErrUnknownDataset = errors.New("dataset not found")
	// ErrUnknownSession is returned for an expired or never-issued session id.
	ErrUnknownSession = errors.New("session not found")
)

// Session is one viewer's dispatcher bound to a dataset.
type Session struct {
	ID         string
	DatasetID  string
	Created    time.Time
	Dispatcher *dispatch.Dispatcher
}

// SessionManager tracks live sessions. When more than the configured number
// are open, the least recently used one is closed.
type SessionManager struct {
	registry *DatasetRegistry
	sessions *lru.Cache[string, *Session]
}

// NewSessionManager creates a session manager holding at most maxSessions.
func NewSessionManager(registry *DatasetRegistry, maxSessions int) (*SessionManager, error) {
	if maxSessions <= 0 {
		maxSessions = 128
	}
	sessions, err := lru.NewWithEvict[string, *Session](maxSessions, func(id string, s *Session) {
		s.Dispatcher.Close()
		log.Printf("[Sessions] closed %s (dataset %s)", id, s.DatasetID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &SessionManager{registry: registry, sessions: sessions}, nil
}

// Create opens a session on datasetID (the default dataset when empty),
// applies the shareable state in rawURL and starts the first load.
func (m *SessionManager) Create(datasetID, rawURL string) (*Session, error) {
	if datasetID == "" {
		datasetID = m.registry.DefaultDatasetID()
	}
	src := m.registry.Get(datasetID)
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, datasetID)
	}

	d := dispatch.New(src, nil)
	if rawURL != "" {
		if err := d.Dispatch(dispatch.URLChanged{URL: rawURL}); err != nil {
			d.Close()
			return nil, err
		}
	}
	if err := d.Dispatch(dispatch.RequestCells{}); err != nil {
		d.Close()
		return nil, err
	}

	s := &Session{
		ID:         uuid.NewString(),
		DatasetID:  datasetID,
		Created:    time.Now(),
		Dispatcher: d,
	}
	m.sessions.Add(s.ID, s)
	log.Printf("[Sessions] created %s (dataset %s)", s.ID, datasetID)
	return s, nil
}

// Get returns a live session.
func (m *SessionManager) Get(id string) (*Session, error) {
	s, ok := m.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Delete closes a session. It reports whether the session existed.
func (m *SessionManager) Delete(id string) bool {
	return m.sessions.Remove(id)
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	return m.sessions.Len()
}

// Close closes every session.
func (m *SessionManager) Close() {
	m.sessions.Purge()
}
