package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"broker-relay/internal/domain"
)

const (
	// DefaultRetention is how long a session survives without activity.
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultSweepInterval is the period of the background expiry sweep.
	DefaultSweepInterval = time.Hour
)

// Registry is the in-process chat session store. A single mutex guards the
// session map, every session's message log and the reverse thread index.
// State is not shared between processes.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*domain.Session
	threads   map[int64]string
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Registry)

func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*domain.Session),
		threads:   make(map[int64]string),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSession registers a new session. Callers are expected to check
// GetSession first; a duplicate id returns domain.ErrSessionExists.
func (r *Registry) CreateSession(_ context.Context, sessionID, contact string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, fmt.Errorf("registry: CreateSession: session id is required")
	}
	if strings.TrimSpace(contact) == "" {
		contact = domain.UnknownContact
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; ok {
		return domain.Session{}, fmt.Errorf("registry: CreateSession %q: %w", sessionID, domain.ErrSessionExists)
	}
	now := r.now().UTC()
	s := &domain.Session{
		ID:               sessionID,
		RecipientContact: contact,
		CreatedAt:        now,
		LastActivity:     now,
	}
	r.sessions[sessionID] = s
	return snapshot(s), nil
}

func (r *Registry) GetSession(_ context.Context, sessionID string) (domain.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.Session{}, false, nil
	}
	return snapshot(s), true, nil
}

// AddMessage appends a message and refreshes the session's last activity.
// The boolean is false when the session does not exist.
func (r *Registry) AddMessage(_ context.Context, sessionID, text string, isUser bool) (domain.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.Message{}, false, nil
	}

	now := r.now().UTC()
	msg := domain.Message{
		ID:        newMessageID(),
		SessionID: sessionID,
		Text:      text,
		IsUser:    isUser,
		Timestamp: domain.NextMessageTimestamp(now, lastTimestamp(s)),
	}
	s.Messages = append(s.Messages, msg)
	s.LastActivity = now
	return msg, true, nil
}

// GetMessagesAfter returns the operator messages of a session whose timestamp
// is strictly after the cutoff, in append order. Visitor messages are never
// returned. An unknown session yields an empty result.
func (r *Registry) GetMessagesAfter(_ context.Context, sessionID string, after time.Time) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return []domain.Message{}, nil
	}
	// Timestamps are strictly increasing, so the log is sorted.
	start := sort.Search(len(s.Messages), func(i int) bool {
		return s.Messages[i].Timestamp.After(after)
	})
	out := make([]domain.Message, 0, len(s.Messages)-start)
	for _, m := range s.Messages[start:] {
		if !m.IsUser {
			out = append(out, m)
		}
	}
	return out, nil
}

// SetExternalThreadID correlates a session with a provider thread. The id can
// be set once; later calls return domain.ErrThreadAlreadySet.
func (r *Registry) SetExternalThreadID(_ context.Context, sessionID string, threadID int64) error {
	if threadID == 0 {
		return fmt.Errorf("registry: SetExternalThreadID: thread id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("registry: SetExternalThreadID %q: %w", sessionID, domain.ErrSessionNotFound)
	}
	if s.ExternalThreadID != 0 && s.ExternalThreadID != threadID {
		return fmt.Errorf("registry: SetExternalThreadID %q: %w", sessionID, domain.ErrThreadAlreadySet)
	}
	s.ExternalThreadID = threadID
	return nil
}

func (r *Registry) GetExternalThreadID(_ context.Context, sessionID string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.ExternalThreadID == 0 {
		return 0, false, nil
	}
	return s.ExternalThreadID, true, nil
}

// MapThreadToSession records the reverse correlation used by the callback
// path, which only knows the thread id.
func (r *Registry) MapThreadToSession(_ context.Context, threadID int64, sessionID string) error {
	if threadID == 0 || sessionID == "" {
		return fmt.Errorf("registry: MapThreadToSession: thread id and session id are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.threads[threadID] = sessionID
	return nil
}

// ResolveSessionByThreadID returns the session owning a thread. A mapping whose
// session has already expired resolves to nothing.
func (r *Registry) ResolveSessionByThreadID(_ context.Context, threadID int64) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.threads[threadID]
	if !ok {
		return "", false, nil
	}
	if _, live := r.sessions[sessionID]; !live {
		return "", false, nil
	}
	return sessionID, true, nil
}

// Sweep removes sessions idle for longer than the retention window together
// with their thread mappings, and returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity) <= r.retention {
			continue
		}
		delete(r.sessions, id)
		removed++
	}
	for threadID, sessionID := range r.threads {
		if _, ok := r.sessions[sessionID]; !ok {
			delete(r.threads, threadID)
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Info("expired chat sessions removed", "count", n)
			}
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func lastTimestamp(s *domain.Session) time.Time {
	if len(s.Messages) == 0 {
		return time.Time{}
	}
	return s.Messages[len(s.Messages)-1].Timestamp
}

func snapshot(s *domain.Session) domain.Session {
	out := *s
	out.Messages = append([]domain.Message(nil), s.Messages...)
	return out
}

var newMessageID = func() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
