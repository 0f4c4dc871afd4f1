package voting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/data"
	"github.com/captainteodor/vibess/pkg/pool"
	"github.com/captainteodor/vibess/pkg/utils"
)

// CandidatePool is the part of the pool manager a session drives
type CandidatePool interface {
	LoadNextPage(ctx context.Context, reset bool, presented int) (pool.LoadResult, error)
	ShouldPrefetch(unseen int) bool
	Evict(id string)
}

var _ CandidatePool = (*pool.Manager)(nil)

// SessionConfig holds per-session settings
type SessionConfig struct {
	TraitLimits data.TraitLimits
	// Dispatch runs background page loads. Defaults to utils.SafeGo.
	Dispatch func(fn func())
}

// Session is one voter's pass through the candidate stream. All methods are
// safe for concurrent use; the session lock is never held across a store
// call.
type Session struct {
	voterID   string
	pool      CandidatePool
	committer VoteCommitter
	limits    data.TraitLimits
	dispatch  func(fn func())
	metrics   *Metrics
	logger    *zap.Logger

	mu         sync.Mutex
	queue      []*data.Candidate
	index      int
	generation uint64
	loadState  pool.LoadState
	loadErr    error
	exhausted  bool
	phase      Phase
	draft      data.TraitValues
	tags       map[string]struct{}
	commitErr  error
	fatal      bool
	credits    int64
	lastActive time.Time
}

// NewSession creates an idle session for voterID
func NewSession(voterID string, p CandidatePool, committer VoteCommitter, cfg SessionConfig, metrics *Metrics, logger *zap.Logger) (*Session, error) {
	if voterID == "" {
		return nil, ErrUnauthenticated
	}
	if cfg.TraitLimits == (data.TraitLimits{}) {
		cfg.TraitLimits = data.DefaultTraitLimits
	}
	logger = logger.Named("session").With(zap.String("voter_id", voterID))
	dispatch := cfg.Dispatch
	if dispatch == nil {
		dispatch = func(fn func()) { utils.SafeGo(logger, fn) }
	}
	return &Session{
		voterID:    voterID,
		pool:       p,
		committer:  committer,
		limits:     cfg.TraitLimits,
		dispatch:   dispatch,
		metrics:    metrics,
		logger:     logger,
		loadState:  pool.LoadStateIdle,
		phase:      PhaseRating,
		tags:       make(map[string]struct{}),
		lastActive: time.Now(),
	}, nil
}

// VoterID returns the voter this session belongs to
func (s *Session) VoterID() string {
	return s.voterID
}

// Start loads the first page, replacing anything queued
func (s *Session) Start(ctx context.Context) error {
	s.metrics.sessionStarted()
	return s.load(ctx, true)
}

// Retry reloads from the first page after a failed or exhausted load
func (s *Session) Retry(ctx context.Context) error {
	return s.load(ctx, true)
}

// SelectTrait records value for trait on the current candidate's draft
func (s *Session) SelectTrait(trait data.Trait, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if err := s.mutableLocked(); err != nil {
		return err
	}
	if _, err := data.ParseTrait(string(trait)); err != nil {
		return err
	}
	if !s.limits.Contains(value) {
		return fmt.Errorf("%w: %s=%d outside [%d,%d]", ErrInvalidTrait, trait, value, s.limits.Min, s.limits.Max)
	}
	s.draft = s.draft.With(trait, value)
	return nil
}

// RequestSubmit opens feedback collection once every trait is rated.
// Calling it again while feedback is pending does nothing.
func (s *Session) RequestSubmit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if err := s.mutableLocked(); err != nil {
		return err
	}
	if s.phase == PhaseRating && !s.draft.Complete(s.limits) {
		return ErrNotReady
	}
	next, err := transition(s.phase, eventRequestSubmit)
	if err != nil {
		return err
	}
	s.phase = next
	return nil
}

// ToggleFeedbackTag adds tag to the pending submission, or removes it if present
func (s *Session) ToggleFeedbackTag(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if s.fatal {
		return ErrUnauthenticated
	}
	switch s.phase {
	case PhaseSubmitting:
		return ErrSubmitting
	case PhaseFeedbackPending:
	default:
		return fmt.Errorf("%w: tags are collected after submit", ErrWrongPhase)
	}
	if !data.IsKnownFeedbackTag(tag) {
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if _, ok := s.tags[tag]; ok {
		delete(s.tags, tag)
	} else {
		s.tags[tag] = struct{}{}
	}
	return nil
}

// ConfirmFeedback commits the current draft and tags. On success the
// session moves to the next candidate; on failure it stays in
// feedback-pending with the draft and tags as they were.
func (s *Session) ConfirmFeedback(ctx context.Context) (CommitResult, error) {
	s.mu.Lock()
	s.touchLocked()
	if s.fatal {
		s.mu.Unlock()
		return CommitResult{}, ErrUnauthenticated
	}
	next, err := transition(s.phase, eventConfirm)
	if err != nil {
		s.mu.Unlock()
		return CommitResult{}, err
	}
	current := s.currentLocked()
	if current == nil {
		s.mu.Unlock()
		return CommitResult{}, ErrNoCandidate
	}
	req := CommitRequest{
		CandidateID:  current.ID,
		VoterID:      s.voterID,
		Traits:       s.draft,
		FeedbackTags: s.tagsLocked(),
	}
	s.phase = next
	s.commitErr = nil
	s.mu.Unlock()

	res := s.committer.Commit(ctx, req)

	s.mu.Lock()
	switch {
	case res.Advances():
		s.phase, _ = transition(s.phase, eventCommitSucceeded)
		if res.Outcome == OutcomeCommitted {
			s.credits = res.Credits
		}
		s.dropLocked(req.CandidateID)
		s.clearDraftLocked()
	case res.Outcome == OutcomeCandidateNotFound:
		s.phase, _ = transition(s.phase, eventCommitSucceeded)
		s.logger.Info("Dropping vanished candidate", zap.String("candidate_id", req.CandidateID))
		s.dropLocked(req.CandidateID)
		s.clearDraftLocked()
	default:
		s.phase, _ = transition(s.phase, eventCommitFailed)
		s.commitErr = res.Err
		if res.Outcome == OutcomeUnauthenticated {
			s.fatal = true
		}
		s.mu.Unlock()
		return res, res.Err
	}

	needLoad := s.index >= len(s.queue)
	prefetch := !needLoad && s.pool.ShouldPrefetch(len(s.queue)-s.index)
	s.mu.Unlock()

	if needLoad {
		if err := s.load(ctx, false); err != nil {
			s.logger.Warn("Failed to load after commit", zap.Error(err))
		}
		s.mu.Lock()
		if s.index >= len(s.queue) {
			s.index = 0
		}
		s.mu.Unlock()
	} else if prefetch {
		s.prefetch(ctx)
	}
	return res, nil
}

// Snapshot returns a copy of the session's current state
func (s *Session) Snapshot() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := SessionView{
		VoterID:       s.voterID,
		Index:         s.index,
		QueueLength:   len(s.queue),
		LoadState:     s.loadState,
		Phase:         s.phase,
		Draft:         s.draft,
		FeedbackTags:  s.tagsLocked(),
		ReadyToSubmit: s.draft.Complete(s.limits),
		Credits:       s.credits,
	}
	if c := s.currentLocked(); c != nil {
		v.Current = c.Clone()
	} else {
		v.Exhausted = s.exhausted
	}
	v.Err = s.commitErr
	if v.Err == nil {
		v.Err = s.loadErr
	}
	if v.Err != nil {
		v.LastError = v.Err.Error()
	}
	return v
}

// LastActive returns when the voter last touched the session
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// load asks the pool for a page. A reset replaces the queue and the draft;
// otherwise survivors are appended.
func (s *Session) load(ctx context.Context, reset bool) error {
	s.mu.Lock()
	s.touchLocked()
	if reset && s.phase == PhaseSubmitting {
		s.mu.Unlock()
		return ErrSubmitting
	}
	gen := s.generation
	presented := 0
	if !reset {
		presented = len(s.queue)
	}
	s.loadState = pool.LoadStateLoading
	s.mu.Unlock()

	res, err := s.pool.LoadNextPage(ctx, reset, presented)

	s.mu.Lock()
	if res.Skipped {
		s.mu.Unlock()
		s.metrics.pageLoad("skipped")
		return nil
	}
	if !reset && gen != s.generation {
		// A reset finished first; these results belong to the old queue.
		s.mu.Unlock()
		s.metrics.pageLoad("stale")
		return nil
	}
	if err != nil {
		s.loadState = pool.LoadStateError
		s.loadErr = err
		s.mu.Unlock()
		s.metrics.pageLoad("error")
		return fmt.Errorf("loading candidates: %w", err)
	}

	if reset {
		s.generation++
		s.queue = append([]*data.Candidate(nil), res.Candidates...)
		s.index = 0
		if s.phase != PhaseSubmitting {
			s.phase, _ = transition(s.phase, eventReset)
			s.clearDraftLocked()
			s.commitErr = nil
		}
	} else {
		s.queue = append(s.queue, res.Candidates...)
	}
	s.loadState = pool.LoadStateSuccess
	s.loadErr = nil
	s.exhausted = res.Exhausted
	more := res.RawCount > 0 && s.pool.ShouldPrefetch(len(s.queue)-s.index)
	s.mu.Unlock()

	switch {
	case res.Exhausted:
		s.metrics.pageLoad("exhausted")
	default:
		s.metrics.pageLoad("success")
	}
	if more {
		s.prefetch(ctx)
	}
	return nil
}

func (s *Session) prefetch(ctx context.Context) {
	bg := context.WithoutCancel(ctx)
	s.dispatch(func() {
		if err := s.load(bg, false); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("Background page load failed", zap.Error(err))
		}
	})
}

func (s *Session) mutableLocked() error {
	if s.fatal {
		return ErrUnauthenticated
	}
	if s.phase == PhaseSubmitting {
		return ErrSubmitting
	}
	if s.currentLocked() == nil {
		return ErrNoCandidate
	}
	return nil
}

func (s *Session) currentLocked() *data.Candidate {
	if s.index < 0 || s.index >= len(s.queue) {
		return nil
	}
	return s.queue[s.index]
}

// dropLocked removes id from the queue and the pool cache. The index keeps
// pointing at the candidate that followed it.
func (s *Session) dropLocked(id string) {
	s.pool.Evict(id)
	for i, c := range s.queue {
		if c.ID != id {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		if i < s.index {
			s.index--
		}
		return
	}
}

func (s *Session) clearDraftLocked() {
	s.draft = data.TraitValues{}
	s.tags = make(map[string]struct{})
}

func (s *Session) tagsLocked() []string {
	out := make([]string, 0, len(s.tags))
	for tag := range s.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func (s *Session) touchLocked() {
	s.lastActive = time.Now()
}
