package api

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/data"
	"github.com/captainteodor/vibess/pkg/pool"
	"github.com/captainteodor/vibess/pkg/voting"
)

// SessionFactory builds a fresh session for a voter
type SessionFactory func(voterID string) (*voting.Session, error)

// SessionDeps holds what every session shares
type SessionDeps struct {
	Ledger      data.Ledger
	Preloader   pool.Preloader
	Committer   voting.VoteCommitter
	PoolConfig  pool.Config
	TraitLimits data.TraitLimits
	Metrics     *voting.Metrics
	Logger      *zap.Logger
	// Dispatch overrides how sessions run background page loads.
	Dispatch func(fn func())
}

// NewSessionFactory returns a factory giving each voter its own pool
// manager and cache over the shared ledger.
func NewSessionFactory(d SessionDeps) SessionFactory {
	return func(voterID string) (*voting.Session, error) {
		mgr, err := pool.NewManager(voterID, d.Ledger, d.Preloader, d.PoolConfig, d.Logger)
		if err != nil {
			return nil, err
		}
		return voting.NewSession(voterID, mgr, d.Committer, voting.SessionConfig{TraitLimits: d.TraitLimits, Dispatch: d.Dispatch}, d.Metrics, d.Logger)
	}
}

// Registry keeps one session per voter and drops idle ones
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*voting.Session
	factory  SessionFactory
	idleTTL  time.Duration
	metrics  *voting.Metrics
	logger   *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(factory SessionFactory, idleTTL time.Duration, metrics *voting.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*voting.Session),
		factory:  factory,
		idleTTL:  idleTTL,
		metrics:  metrics,
		logger:   logger.Named("registry"),
	}
}

// Get returns the voter's session if one exists
func (r *Registry) Get(voterID string) (*voting.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[voterID]
	return s, ok
}

// GetOrCreate returns the voter's session, creating it when absent
func (r *Registry) GetOrCreate(voterID string) (s *voting.Session, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[voterID]; ok {
		return s, false, nil
	}
	s, err = r.factory(voterID)
	if err != nil {
		return nil, false, err
	}
	r.sessions[voterID] = s
	r.metrics.SetActiveSessions(len(r.sessions))
	r.logger.Debug("Session created", zap.String("voter_id", voterID))
	return s, true, nil
}

// Remove drops the voter's session
func (r *Registry) Remove(voterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, voterID)
	r.metrics.SetActiveSessions(len(r.sessions))
}

// Sweep drops sessions idle since before now minus the idle TTL and
// returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	r.metrics.SetActiveSessions(len(r.sessions))
	if removed > 0 {
		r.logger.Info("Swept idle sessions", zap.Int("removed", removed), zap.Int("remaining", len(r.sessions)))
	}
	return removed
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
