package voting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/data"
	"github.com/captainteodor/vibess/pkg/events"
	"github.com/captainteodor/vibess/pkg/utils"
)

// Outcome classifies a commit attempt
type Outcome string

const (
	OutcomeCommitted           Outcome = "committed"
	OutcomeDuplicateVote       Outcome = "duplicate-vote"
	OutcomeCandidateNotFound   Outcome = "candidate-not-found"
	OutcomeTransientStoreError Outcome = "transient-store-error"
	OutcomeUnauthenticated     Outcome = "unauthenticated"
	OutcomeInvalidVote         Outcome = "invalid-vote"
)

// CommitRequest is one vote ready to be written
type CommitRequest struct {
	CandidateID  string
	VoterID      string
	Traits       data.TraitValues
	FeedbackTags []string
}

// CommitResult reports what a commit did. Record and Credits are set only
// when the vote was committed.
type CommitResult struct {
	Outcome Outcome
	Record  *data.VoteRecord
	Credits int64
	Err     error
}

// Retryable reports whether the same request may succeed if sent again
func (r CommitResult) Retryable() bool {
	return r.Outcome == OutcomeTransientStoreError
}

// Advances reports whether the session should move past the candidate.
// A duplicate means the vote is already on record.
func (r CommitResult) Advances() bool {
	return r.Outcome == OutcomeCommitted || r.Outcome == OutcomeDuplicateVote
}

// TxRunner runs a function inside one ledger transaction
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx data.Tx) error) error
}

// VoteCommitter commits votes on behalf of a session
type VoteCommitter interface {
	Commit(ctx context.Context, req CommitRequest) CommitResult
}

// CommitConfig holds commit parameters
type CommitConfig struct {
	CreditIncrement int64
	TraitLimits     data.TraitLimits
	// Dispatch runs event publishes. Defaults to utils.SafeGo.
	Dispatch func(fn func())
}

// Committer writes votes atomically: the vote record, the voter credit and
// the candidate counters either all land or none do.
type Committer struct {
	ledger    TxRunner
	publisher events.Publisher
	cfg       CommitConfig
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
	dispatch  func(fn func())
}

var _ VoteCommitter = (*Committer)(nil)

// NewCommitter creates a committer. publisher and metrics may be nil.
func NewCommitter(ledger TxRunner, publisher events.Publisher, cfg CommitConfig, metrics *Metrics, logger *zap.Logger) *Committer {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if cfg.CreditIncrement <= 0 {
		cfg.CreditIncrement = 1
	}
	if cfg.TraitLimits == (data.TraitLimits{}) {
		cfg.TraitLimits = data.DefaultTraitLimits
	}
	logger = logger.Named("commit")
	dispatch := cfg.Dispatch
	if dispatch == nil {
		dispatch = func(fn func()) { utils.SafeGo(logger, fn) }
	}
	return &Committer{
		ledger:    ledger,
		publisher: publisher,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		dispatch:  dispatch,
	}
}

// Commit writes one vote. It never retries; Retryable on the result says
// whether the caller may.
func (c *Committer) Commit(ctx context.Context, req CommitRequest) CommitResult {
	start := time.Now()
	res := c.commit(ctx, req)
	c.metrics.commit(res.Outcome, time.Since(start))

	logger := c.logger.With(
		zap.String("voter_id", req.VoterID),
		zap.String("candidate_id", req.CandidateID),
		zap.String("outcome", string(res.Outcome)),
	)
	switch res.Outcome {
	case OutcomeCommitted:
		logger.Info("Vote committed", zap.Int64("credits", res.Credits))
		c.publish(ctx, res.Record, logger)
	case OutcomeTransientStoreError:
		logger.Warn("Vote commit failed", zap.Error(res.Err))
	default:
		logger.Info("Vote not committed", zap.Error(res.Err))
	}
	return res
}

// publish sends the vote event without holding up the caller
func (c *Committer) publish(ctx context.Context, rec *data.VoteRecord, logger *zap.Logger) {
	ev := events.NewVoteEvent(rec)
	bg := context.WithoutCancel(ctx)
	c.dispatch(func() {
		if err := c.publisher.Publish(bg, ev); err != nil {
			logger.Warn("Failed to publish vote event", zap.Error(err))
		}
	})
}

func (c *Committer) commit(ctx context.Context, req CommitRequest) CommitResult {
	if req.VoterID == "" {
		return CommitResult{Outcome: OutcomeUnauthenticated, Err: ErrUnauthenticated}
	}
	if err := req.Traits.Validate(c.cfg.TraitLimits); err != nil {
		return CommitResult{Outcome: OutcomeInvalidVote, Err: err}
	}
	for _, tag := range req.FeedbackTags {
		if !data.IsKnownFeedbackTag(tag) {
			return CommitResult{Outcome: OutcomeInvalidVote, Err: fmt.Errorf("%w: %q", ErrUnknownTag, tag)}
		}
	}
	rec, err := data.NewVoteRecord(req.VoterID, req.CandidateID, req.Traits, req.FeedbackTags, c.now())
	if err != nil {
		return CommitResult{Outcome: OutcomeInvalidVote, Err: err}
	}
	if err := rec.Validate(c.cfg.TraitLimits); err != nil {
		return CommitResult{Outcome: OutcomeInvalidVote, Err: err}
	}

	var credits int64
	err = c.ledger.RunInTx(ctx, func(tx data.Tx) error {
		if _, err := tx.GetCandidateForUpdate(ctx, req.CandidateID); err != nil {
			return fmt.Errorf("reading candidate: %w", err)
		}
		if err := tx.InsertVoteRecord(ctx, rec); err != nil {
			return fmt.Errorf("recording vote: %w", err)
		}
		balance, err := tx.CreditVoter(ctx, req.VoterID, c.cfg.CreditIncrement)
		if err != nil {
			return fmt.Errorf("crediting voter: %w", err)
		}
		if err := tx.ApplyVote(ctx, req.CandidateID, req.Traits); err != nil {
			return fmt.Errorf("updating candidate: %w", err)
		}
		credits = balance
		return nil
	})

	switch {
	case err == nil:
		return CommitResult{Outcome: OutcomeCommitted, Record: rec, Credits: credits}
	case errors.Is(err, data.ErrDuplicate):
		return CommitResult{Outcome: OutcomeDuplicateVote, Err: err}
	case errors.Is(err, data.ErrNotFound):
		return CommitResult{Outcome: OutcomeCandidateNotFound, Err: err}
	default:
		return CommitResult{Outcome: OutcomeTransientStoreError, Err: err}
	}
}
