// ABOUTME: Session registry mapping conversations to rolling agent context
// ABOUTME: Lazily creates sessions, caps history at 40 messages, evicts idle ones

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xaio-protocol/xaio-cli/internal/channel"
)

// Defaults for history depth and idle eviction.
const (
	DefaultHistoryCap = 40
	DefaultIdleTTL    = 2 * time.Hour
)

// Session carries the rolling context for one conversation. History is
// bounded: appending past the cap drops the oldest entry. Model and
// ThinkingLevel override the global agent defaults when set.
type Session struct {
	Conversation  channel.Conversation
	Model         string
	ThinkingLevel string

	mu         sync.Mutex
	history    []*channel.Message
	lastActive time.Time
	inFlight   int
}

// Append adds a message to the session history, dropping the oldest entry
// once the cap is reached. The cap is fixed at construction, not per call.
func (s *Session) append(msg *channel.Message, cap int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, msg)
	if len(s.history) > cap {
		s.history = s.history[len(s.history)-cap:]
	}
	s.lastActive = time.Now()
}

// History returns a copy of the session's message history in order.
func (s *Session) History() []*channel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*channel.Message, len(s.history))
	copy(out, s.history)
	return out
}

// LastActive returns the time of the most recent append or touch.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	Conversation  channel.Conversation
	Model         string
	ThinkingLevel string
	History       []*channel.Message
	LastActive    time.Time
}

// Persister stores session snapshots. Sessions live in memory; a Persister
// lets the gateway snapshot them periodically and reload after restart.
type Persister interface {
	SaveSession(ctx context.Context, snap *Snapshot) error
	LoadSessions(ctx context.Context) ([]*Snapshot, error)
	DeleteSession(ctx context.Context, conversationKey string) error
}

// Registry maps conversation keys to sessions. All map mutation happens
// under a short-held lock; no lock is held across network calls.
type Registry struct {
	historyCap int
	persister  Persister
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Config for constructing a Registry.
type Config struct {
	HistoryCap int
	Persister  Persister
	Logger     *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		historyCap: cfg.HistoryCap,
		persister:  cfg.Persister,
		logger:     cfg.Logger.With("component", "session-registry"),
		sessions:   make(map[string]*Session),
	}
}

// GetOrCreate returns the session for a conversation, creating it lazily
// on the first authorized inbound message. Each conversation key maps to
// exactly one session.
func (r *Registry) GetOrCreate(conv channel.Conversation) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := conv.Key()
	if s, ok := r.sessions[key]; ok {
		return s
	}
	s := &Session{
		Conversation: conv,
		lastActive:   time.Now(),
	}
	r.sessions[key] = s
	r.logger.Debug("session created", "conversation", key)
	return s
}

// Get returns the session for a conversation key, if present.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Append adds a message to the session's bounded history.
func (r *Registry) Append(s *Session, msg *channel.Message) {
	s.append(msg, r.historyCap)
}

// Acquire marks the session as held by an in-flight request, protecting it
// from eviction. Callers must pair it with Release.
func (r *Registry) Acquire(s *Session) {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
}

// Release drops an in-flight hold.
func (r *Registry) Release(s *Session) {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// EvictIdle removes sessions with no activity for the TTL. Sessions held
// by an in-flight request are skipped; they are swept on a later pass.
// Returns the number evicted.
func (r *Registry) EvictIdle(ctx context.Context, ttl time.Duration) int {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	now := time.Now()

	r.mu.Lock()
	var evicted []string
	for key, s := range r.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActive) >= ttl && s.inFlight == 0
		s.mu.Unlock()
		if idle {
			delete(r.sessions, key)
			evicted = append(evicted, key)
		}
	}
	r.mu.Unlock()

	for _, key := range evicted {
		if r.persister != nil {
			if err := r.persister.DeleteSession(ctx, key); err != nil {
				r.logger.Error("deleting persisted session failed", "conversation", key, "error", err)
			}
		}
		r.logger.Debug("session evicted", "conversation", key)
	}
	return len(evicted)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SnapshotAll persists every live session through the Persister.
func (r *Registry) SnapshotAll(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		snap := &Snapshot{
			Conversation:  s.Conversation,
			Model:         s.Model,
			ThinkingLevel: s.ThinkingLevel,
			History:       append([]*channel.Message(nil), s.history...),
			LastActive:    s.lastActive,
		}
		s.mu.Unlock()

		if err := r.persister.SaveSession(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// Restore loads persisted sessions into the registry. Called once at
// startup before any adapter delivers messages.
func (r *Registry) Restore(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}

	snaps, err := r.persister.LoadSessions(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, snap := range snaps {
		s := &Session{
			Conversation:  snap.Conversation,
			Model:         snap.Model,
			ThinkingLevel: snap.ThinkingLevel,
			history:       snap.History,
			lastActive:    snap.LastActive,
		}
		if len(s.history) > r.historyCap {
			s.history = s.history[len(s.history)-r.historyCap:]
		}
		r.sessions[snap.Conversation.Key()] = s
	}
	if len(snaps) > 0 {
		r.logger.Info("sessions restored", "count", len(snaps))
	}
	return nil
}

// Run evicts idle sessions and snapshots live ones on independent timers
// until ctx is canceled.
func (r *Registry) Run(ctx context.Context, idleTTL, sweepInterval, snapshotInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if snapshotInterval <= 0 {
		snapshotInterval = 5 * time.Minute
	}

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	snapshot := time.NewTicker(snapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			r.EvictIdle(ctx, idleTTL)
		case <-snapshot.C:
			if err := r.SnapshotAll(ctx); err != nil {
				r.logger.Error("session snapshot failed", "error", err)
			}
		}
	}
}
