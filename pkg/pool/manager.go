// Package pool supplies a de-duplicated stream of active candidates that
// the voter has not rated yet, paginated from the ledger and cached per session.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/data"
)

// Source is the slice of the ledger the pool reads from
type Source interface {
	ListActiveCandidates(ctx context.Context, pageSize int, after data.Cursor) (data.Page, error)
	ListVotedCandidateIDs(ctx context.Context, voterID string) (map[string]struct{}, error)
}

// Preloader makes the bytes behind a URI resident. It must not block;
// done is called once the attempt finishes.
type Preloader interface {
	Preload(ctx context.Context, uri string, done func(error))
}

// LoadState is the outcome of the latest page load
type LoadState string

const (
	LoadStateIdle    LoadState = "idle"
	LoadStateLoading LoadState = "loading"
	LoadStateSuccess LoadState = "success"
	LoadStateError   LoadState = "error"
)

// Config holds pool sizing
type Config struct {
	PageSize          int
	PrefetchThreshold int
	CacheCapacity     int
}

// DefaultConfig returns the stock page size, prefetch threshold and cache size
func DefaultConfig() Config {
	return Config{
		PageSize:          10,
		PrefetchThreshold: 3,
		CacheCapacity:     20,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.PageSize <= 0 {
		return errors.New("page size must be positive")
	}
	if c.PrefetchThreshold < 0 {
		return errors.New("prefetch threshold cannot be negative")
	}
	// Every queued unseen candidate must stay cached or it can be served again.
	if c.CacheCapacity < c.PageSize+c.PrefetchThreshold {
		return fmt.Errorf("cache capacity %d is below page size %d plus prefetch threshold %d",
			c.CacheCapacity, c.PageSize, c.PrefetchThreshold)
	}
	return nil
}

// LoadResult describes one LoadNextPage call
type LoadResult struct {
	// Candidates are the survivors of filtering, in page order.
	Candidates []*data.Candidate
	State      LoadState
	// Exhausted is set when the raw page was empty and nothing is presented.
	Exhausted bool
	// Skipped is set when another load was already in flight.
	Skipped bool
	// Reset mirrors the request so callers can replace rather than append.
	Reset    bool
	RawCount int
	Err      error
}

// Manager pages through active candidates for one voter
type Manager struct {
	voterID   string
	source    Source
	preloader Preloader
	cfg       Config
	logger    *zap.Logger
	cache     *Cache

	inFlight atomic.Bool

	mu     sync.Mutex
	cursor data.Cursor
	state  LoadState
	err    error
}

// NewManager creates a pool for voterID. preloader may be nil.
func NewManager(voterID string, source Source, preloader Preloader, cfg Config, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	return &Manager{
		voterID:   voterID,
		source:    source,
		preloader: preloader,
		cfg:       cfg,
		logger:    logger.With(zap.String("voter_id", voterID)),
		cache:     NewCache(cfg.CacheCapacity),
		state:     LoadStateIdle,
	}, nil
}

// LoadNextPage fetches one page after the stored cursor (or from the start
// when reset), drops candidates already voted on or cached, caches and
// preloads the survivors, and advances the cursor past the raw page.
// presented is the number of candidates the caller still has queued.
//
// Failures never escape as panics: they come back as LoadStateError with
// the cache and cursor untouched.
func (m *Manager) LoadNextPage(ctx context.Context, reset bool, presented int) (res LoadResult, err error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("Page load already in flight")
		return LoadResult{State: LoadStateLoading, Skipped: true, Reset: reset}, nil
	}
	defer m.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic recovered in page load", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("page load panicked: %v", r)
			res = LoadResult{State: LoadStateError, Reset: reset, Err: err}
			m.setState(LoadStateError, err)
		}
	}()

	m.mu.Lock()
	after := m.cursor
	m.state = LoadStateLoading
	m.mu.Unlock()
	if reset {
		after = ""
	}

	voted, err := m.source.ListVotedCandidateIDs(ctx, m.voterID)
	if err != nil {
		return m.fail(reset, fmt.Errorf("fetching voted candidates: %w", err))
	}
	page, err := m.source.ListActiveCandidates(ctx, m.cfg.PageSize, after)
	if err != nil {
		return m.fail(reset, fmt.Errorf("fetching candidate page: %w", err))
	}

	if reset {
		m.cache.Clear()
	}

	survivors := make([]*data.Candidate, 0, len(page.Candidates))
	for _, c := range page.Candidates {
		if _, ok := voted[c.ID]; ok {
			continue
		}
		if m.cache.Has(c.ID) {
			continue
		}
		if evicted := m.cache.Put(c); len(evicted) > 0 {
			m.logger.Debug("Evicted cached candidates", zap.Strings("ids", evicted))
		}
		survivors = append(survivors, c)
	}

	m.preload(ctx, survivors)

	m.mu.Lock()
	m.cursor = page.Next
	m.state = LoadStateSuccess
	m.err = nil
	m.mu.Unlock()

	res = LoadResult{
		Candidates: survivors,
		State:      LoadStateSuccess,
		Reset:      reset,
		RawCount:   len(page.Candidates),
		Exhausted:  len(page.Candidates) == 0 && presented == 0,
	}
	m.logger.Debug("Loaded candidate page",
		zap.Bool("reset", reset),
		zap.Int("raw", res.RawCount),
		zap.Int("survivors", len(survivors)),
		zap.Bool("exhausted", res.Exhausted),
	)
	return res, nil
}

func (m *Manager) fail(reset bool, err error) (LoadResult, error) {
	m.setState(LoadStateError, err)
	m.logger.Warn("Candidate page load failed", zap.Bool("reset", reset), zap.Error(err))
	return LoadResult{State: LoadStateError, Reset: reset, Err: err}, err
}

func (m *Manager) setState(state LoadState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.err = err
}

func (m *Manager) preload(ctx context.Context, candidates []*data.Candidate) {
	if m.preloader == nil {
		return
	}
	// Preloads outlive the request that triggered them.
	bg := context.WithoutCancel(ctx)
	for _, c := range candidates {
		id, uri := c.ID, c.ImageURL
		m.preloader.Preload(bg, uri, func(err error) {
			if err != nil {
				m.logger.Debug("Preload failed", zap.String("candidate_id", id), zap.Error(err))
			}
		})
	}
}

// ShouldPrefetch reports whether unseen queued candidates have dropped to the threshold
func (m *Manager) ShouldPrefetch(unseen int) bool {
	return unseen <= m.cfg.PrefetchThreshold
}

// Evict removes a committed or vanished candidate from the cache
func (m *Manager) Evict(id string) {
	m.cache.Remove(id)
}

// Loading reports whether a page load is in flight
func (m *Manager) Loading() bool {
	return m.inFlight.Load()
}

// State returns the latest load state and its error
func (m *Manager) State() (LoadState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.err
}

// Cursor returns the stored pagination cursor
func (m *Manager) Cursor() data.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Cache exposes the candidate cache
func (m *Manager) Cache() *Cache {
	return m.cache
}
