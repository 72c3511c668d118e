// Package session keeps the in-memory state of live recording sessions.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/fault"
)

type State string

const (
	StateCreated    State = "created"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
)

// Session is the mutable state of one recording. Callers hold Lock for the
// duration of any operation that reads or writes its fields.
type Session struct {
	mu sync.Mutex

	ID        string
	State     State
	Seq       int
	Live      string
	Chunks    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Snapshot is a copy of a session's fields safe to use without the lock.
type Snapshot struct {
	ID        string
	State     State
	Seq       int
	Live      string
	Chunks    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot copies the session. The caller must hold the lock.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:        s.ID,
		State:     s.State,
		Seq:       s.Seq,
		Live:      s.Live,
		Chunks:    append([]string(nil), s.Chunks...),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// Touch records activity. The caller must hold the lock.
func (s *Session) Touch(now time.Time) { s.UpdatedAt = now }

type Options struct {
	// TTL evicts sessions idle for longer than this. Zero disables reaping.
	TTL time.Duration
	// Interval between reaper sweeps.
	Interval time.Duration
	// OnEvict runs for every reaped session, outside the store lock.
	OnEvict func(Snapshot)
	Clock   func() time.Time
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
	logger   *slog.Logger
}

func NewStore(opts Options, logger *slog.Logger) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Store{
		sessions: make(map[string]*Session),
		opts:     opts,
		logger:   logger.With(slog.String("component", "sessions")),
	}
}

// Create registers a fresh session. Any stale entry under the generated id
// is replaced.
func (s *Store) Create() *Session {
	now := s.opts.Clock()
	sess := &Session{
		ID:        uuid.NewString(),
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get returns the session or a NotFound fault.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.NotFound, "session", "unknown session "+id)
	}
	return sess, nil
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep evicts sessions idle past the TTL as of now and returns how many
// were removed. Sessions being finalized are skipped.
func (s *Store) Sweep(now time.Time) int {
	if s.opts.TTL <= 0 {
		return 0
	}
	s.mu.RLock()
	candidates := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		candidates = append(candidates, sess)
	}
	s.mu.RUnlock()

	var evicted []Snapshot
	for _, sess := range candidates {
		if !sess.mu.TryLock() {
			continue
		}
		expired := sess.State != StateFinalizing && now.Sub(sess.UpdatedAt) > s.opts.TTL
		if expired {
			sess.State = StateClosed
			evicted = append(evicted, sess.Snapshot())
			s.mu.Lock()
			if s.sessions[sess.ID] == sess {
				delete(s.sessions, sess.ID)
			}
			s.mu.Unlock()
		}
		sess.mu.Unlock()
	}

	for _, snap := range evicted {
		s.logger.Info("session expired", slog.String("session_id", snap.ID), slog.Int("chunks", len(snap.Chunks)), slog.Time("last_activity", snap.UpdatedAt))
		if s.opts.OnEvict != nil {
			s.opts.OnEvict(snap)
		}
	}
	return len(evicted)
}

// Run sweeps on every interval until ctx ends.
func (s *Store) Run(ctx context.Context) {
	if s.opts.TTL <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.opts.Clock())
		}
	}
}
