package voting

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/captainteodor/vibess/pkg/data"
	"github.com/captainteodor/vibess/pkg/pool"
)

// stubCommitter returns canned results and can hold a commit open
type stubCommitter struct {
	result  CommitResult
	entered chan struct{}
	release chan struct{}
	calls   []CommitRequest
}

func (c *stubCommitter) Commit(ctx context.Context, req CommitRequest) CommitResult {
	c.calls = append(c.calls, req)
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	return c.result
}

type failingSource struct{ err error }

func (f failingSource) ListActiveCandidates(context.Context, int, data.Cursor) (data.Page, error) {
	return data.Page{}, f.err
}

func (f failingSource) ListVotedCandidateIDs(context.Context, string) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

type fixture struct {
	ledger    *data.MemoryLedger
	manager   *pool.Manager
	committer VoteCommitter
	session   *Session
}

func syncDispatch(fn func()) { fn() }

func newFixture(t *testing.T, cfg pool.Config, committer VoteCommitter) *fixture {
	t.Helper()
	ledger := data.NewMemoryLedger()
	logger := zaptest.NewLogger(t)
	mgr, err := pool.NewManager("voter1", ledger, nil, cfg, logger)
	require.NoError(t, err)
	if committer == nil {
		committer = NewCommitter(ledger, nil, CommitConfig{CreditIncrement: 1}, nil, logger)
	}
	s, err := NewSession("voter1", mgr, committer, SessionConfig{Dispatch: syncDispatch}, nil, logger)
	require.NoError(t, err)
	return &fixture{ledger: ledger, manager: mgr, committer: committer, session: s}
}

func rate(t *testing.T, s *Session, traits data.TraitValues) {
	t.Helper()
	for _, tr := range data.AllTraits {
		require.NoError(t, s.SelectTrait(tr, traits.Get(tr)))
	}
}

func rateAndSubmit(t *testing.T, s *Session, traits data.TraitValues, tags ...string) {
	t.Helper()
	rate(t, s, traits)
	require.NoError(t, s.RequestSubmit())
	for _, tag := range tags {
		require.NoError(t, s.ToggleFeedbackTag(tag))
	}
}

func currentID(s *Session) string {
	if c := s.Snapshot().Current; c != nil {
		return c.ID
	}
	return ""
}

func TestSessionScenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("Least Voted Presented First", func(t *testing.T) {
		f := newFixture(t, pool.Config{PageSize: 2, PrefetchThreshold: 1, CacheCapacity: 4}, nil)
		seedCandidate(t, f.ledger, "B", 5)
		seedCandidate(t, f.ledger, "A", 0)

		require.NoError(t, f.session.Start(ctx))
		view := f.session.Snapshot()
		assert.Equal(t, "A", view.Current.ID)
		assert.Equal(t, 2, view.QueueLength)
		assert.Equal(t, pool.LoadStateSuccess, view.LoadState)
		assert.Equal(t, PhaseRating, view.Phase)
	})

	t.Run("Commit Advances And Credits", func(t *testing.T) {
		f := newFixture(t, pool.Config{PageSize: 2, PrefetchThreshold: 1, CacheCapacity: 4}, nil)
		seedCandidate(t, f.ledger, "A", 0)
		seedCandidate(t, f.ledger, "B", 5)
		require.NoError(t, f.session.Start(ctx))

		rateAndSubmit(t, f.session, data.TraitValues{Confident: 4, NicePersonality: 3, Attractive: 2}, "Helpful")
		res, err := f.session.ConfirmFeedback(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCommitted, res.Outcome)

		view := f.session.Snapshot()
		assert.Equal(t, "B", view.Current.ID)
		assert.Equal(t, 1, view.QueueLength)
		assert.Equal(t, int64(1), view.Credits)
		assert.Equal(t, PhaseRating, view.Phase)
		assert.Equal(t, data.TraitValues{}, view.Draft)
		assert.Empty(t, view.FeedbackTags)
		assert.False(t, view.ReadyToSubmit)
		assert.False(t, f.manager.Cache().Has("A"))

		cand, err := f.ledger.GetCandidate(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, int64(1), cand.VoteCounts.Total)
		records, err := f.ledger.ListVoteRecordsByCandidate(ctx, "A")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, data.TraitValues{Confident: 4, NicePersonality: 3, Attractive: 2}, records[0].Traits)
		assert.Equal(t, []string{"Helpful"}, records[0].FeedbackTags)
	})

	t.Run("Reordered Candidate Served Once", func(t *testing.T) {
		f := newFixture(t, pool.Config{PageSize: 2, PrefetchThreshold: 4, CacheCapacity: 6}, nil)
		for i, id := range []string{"A", "B", "C", "D", "E", "F"} {
			seedCandidate(t, f.ledger, id, int64(i))
		}
		require.NoError(t, f.session.Start(ctx))
		require.Equal(t, 6, f.session.Snapshot().QueueLength)

		// Votes from other voters move C behind the stored cursor.
		require.NoError(t, f.ledger.RunInTx(ctx, func(tx data.Tx) error {
			for i := 0; i < 4; i++ {
				if err := tx.ApplyVote(ctx, "C", data.TraitValues{Confident: 3, NicePersonality: 3, Attractive: 3}); err != nil {
					return err
				}
			}
			return nil
		}))

		var served []string
		for i := 0; i < 10 && currentID(f.session) != ""; i++ {
			served = append(served, currentID(f.session))
			rateAndSubmit(t, f.session, data.TraitValues{Confident: 3, NicePersonality: 3, Attractive: 3})
			_, err := f.session.ConfirmFeedback(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"A", "B", "C", "D", "E", "F"}, served)
		assert.True(t, f.session.Snapshot().Exhausted)
	})

	t.Run("Duplicate Advances Without Credit", func(t *testing.T) {
		f := newFixture(t, pool.Config{PageSize: 2, PrefetchThreshold: 1, CacheCapacity: 4}, nil)
		seedCandidate(t, f.ledger, "A", 0)
		seedCandidate(t, f.ledger, "B", 0)
		require.NoError(t, f.session.Start(ctx))

		// Another device already committed this vote.
		other := NewCommitter(f.ledger, nil, CommitConfig{CreditIncrement: 1}, nil, zaptest.NewLogger(t))
		require.Equal(t, OutcomeCommitted, other.Commit(ctx, CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: goodTraits}).Outcome)

		rateAndSubmit(t, f.session, goodTraits)
		res, err := f.session.ConfirmFeedback(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicateVote, res.Outcome)
		assert.Equal(t, "B", currentID(f.session))

		voter, err := f.ledger.GetVoter(ctx, "voter1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), voter.Credits)
	})

	t.Run("Empty Pool Is Not An Error", func(t *testing.T) {
		f := newFixture(t, pool.DefaultConfig(), nil)
		require.NoError(t, f.session.Start(ctx))

		view := f.session.Snapshot()
		assert.True(t, view.Exhausted)
		assert.Nil(t, view.Current)
		assert.Equal(t, pool.LoadStateSuccess, view.LoadState)
		assert.NoError(t, view.Err)
		assert.Empty(t, view.LastError)
	})

	t.Run("Last Commit Exhausts Pool", func(t *testing.T) {
		f := newFixture(t, pool.Config{PageSize: 2, PrefetchThreshold: 1, CacheCapacity: 4}, nil)
		seedCandidate(t, f.ledger, "A", 0)
		require.NoError(t, f.session.Start(ctx))

		rateAndSubmit(t, f.session, goodTraits)
		_, err := f.session.ConfirmFeedback(ctx)
		require.NoError(t, err)

		view := f.session.Snapshot()
		assert.Nil(t, view.Current)
		assert.Zero(t, view.Index)
		assert.True(t, view.Exhausted)
		assert.NoError(t, view.Err)
	})
}

func TestSessionFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("Failed Commit Preserves Draft", func(t *testing.T) {
		stub := &stubCommitter{result: CommitResult{
			Outcome: OutcomeTransientStoreError,
			Err:     fmt.Errorf("commit: %w", data.ErrUnavailable),
		}}
		f := newFixture(t, pool.DefaultConfig(), stub)
		seedCandidate(t, f.ledger, "A", 0)
		require.NoError(t, f.session.Start(ctx))

		rateAndSubmit(t, f.session, goodTraits, "Poor Lighting", "Blurry Image")
		before := f.session.Snapshot()

		res, err := f.session.ConfirmFeedback(ctx)
		require.Error(t, err)
		assert.True(t, res.Retryable())

		after := f.session.Snapshot()
		assert.Equal(t, before.Draft, after.Draft)
		assert.Equal(t, before.FeedbackTags, after.FeedbackTags)
		assert.Equal(t, PhaseFeedbackPending, after.Phase)
		assert.Equal(t, "A", after.Current.ID)
		assert.ErrorIs(t, after.Err, data.ErrUnavailable)

		// Manual retry with the same draft goes through once the store is back.
		stub.result = CommitResult{Outcome: OutcomeCommitted, Credits: 1}
		_, err = f.session.ConfirmFeedback(ctx)
		require.NoError(t, err)
		require.Len(t, stub.calls, 2)
		assert.Equal(t, stub.calls[0], stub.calls[1])
		assert.Equal(t, []string{"Blurry Image", "Poor Lighting"}, stub.calls[1].FeedbackTags)
	})

	t.Run("Vanished Candidate Is Dropped", func(t *testing.T) {
		stub := &stubCommitter{result: CommitResult{Outcome: OutcomeCandidateNotFound, Err: data.ErrNotFound}}
		f := newFixture(t, pool.DefaultConfig(), stub)
		seedCandidate(t, f.ledger, "A", 0)
		seedCandidate(t, f.ledger, "B", 1)
		require.NoError(t, f.session.Start(ctx))

		rateAndSubmit(t, f.session, goodTraits)
		res, err := f.session.ConfirmFeedback(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCandidateNotFound, res.Outcome)

		view := f.session.Snapshot()
		assert.Equal(t, "B", view.Current.ID)
		assert.Equal(t, 1, view.QueueLength)
		assert.Equal(t, data.TraitValues{}, view.Draft)
		assert.False(t, f.manager.Cache().Has("A"))
	})

	t.Run("Unauthenticated Is Fatal", func(t *testing.T) {
		stub := &stubCommitter{result: CommitResult{Outcome: OutcomeUnauthenticated, Err: ErrUnauthenticated}}
		f := newFixture(t, pool.DefaultConfig(), stub)
		seedCandidate(t, f.ledger, "A", 0)
		require.NoError(t, f.session.Start(ctx))

		rateAndSubmit(t, f.session, goodTraits)
		_, err := f.session.ConfirmFeedback(ctx)
		assert.ErrorIs(t, err, ErrUnauthenticated)
		assert.ErrorIs(t, f.session.SelectTrait(data.TraitConfident, 1), ErrUnauthenticated)
		_, err = f.session.ConfirmFeedback(ctx)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("Load Failure Surfaces Error State", func(t *testing.T) {
		logger := zaptest.NewLogger(t)
		mgr, err := pool.NewManager("voter1", failingSource{err: data.ErrUnavailable}, nil, pool.DefaultConfig(), logger)
		require.NoError(t, err)
		s, err := NewSession("voter1", mgr, &stubCommitter{}, SessionConfig{Dispatch: syncDispatch}, nil, logger)
		require.NoError(t, err)

		assert.ErrorIs(t, s.Start(ctx), data.ErrUnavailable)
		view := s.Snapshot()
		assert.Equal(t, pool.LoadStateError, view.LoadState)
		assert.False(t, view.Exhausted)
		assert.NotEmpty(t, view.LastError)
	})

	t.Run("Requires Voter", func(t *testing.T) {
		_, err := NewSession("", nil, nil, SessionConfig{}, nil, zaptest.NewLogger(t))
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}

func TestSessionGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("Phase Rules", func(t *testing.T) {
		f := newFixture(t, pool.DefaultConfig(), nil)
		s := f.session
		assert.ErrorIs(t, s.SelectTrait(data.TraitConfident, 1), ErrNoCandidate)

		seedCandidate(t, f.ledger, "A", 0)
		require.NoError(t, s.Start(ctx))

		assert.ErrorIs(t, s.SelectTrait("charisma", 1), ErrInvalidTrait)
		assert.ErrorIs(t, s.SelectTrait(data.TraitConfident, 5), ErrInvalidTrait)
		assert.ErrorIs(t, s.SelectTrait(data.TraitConfident, 0), ErrInvalidTrait)
		assert.ErrorIs(t, s.ToggleFeedbackTag("Helpful"), ErrWrongPhase)
		_, err := s.ConfirmFeedback(ctx)
		assert.ErrorIs(t, err, ErrWrongPhase)

		require.NoError(t, s.SelectTrait(data.TraitConfident, 2))
		assert.False(t, s.Snapshot().ReadyToSubmit)
		assert.ErrorIs(t, s.RequestSubmit(), ErrNotReady)

		require.NoError(t, s.SelectTrait(data.TraitNicePersonality, 2))
		require.NoError(t, s.SelectTrait(data.TraitAttractive, 2))
		assert.True(t, s.Snapshot().ReadyToSubmit)
		require.NoError(t, s.RequestSubmit())
		require.NoError(t, s.RequestSubmit(), "repeat request is a no-op")
		assert.Equal(t, PhaseFeedbackPending, s.Snapshot().Phase)

		assert.ErrorIs(t, s.ToggleFeedbackTag("Sparkly"), ErrUnknownTag)
		require.NoError(t, s.ToggleFeedbackTag("Clear"))
		require.NoError(t, s.ToggleFeedbackTag("Other"))
		require.NoError(t, s.ToggleFeedbackTag("Clear"))
		assert.Equal(t, []string{"Other"}, s.Snapshot().FeedbackTags)
	})

	t.Run("Rejects Mutations While Submitting", func(t *testing.T) {
		stub := &stubCommitter{
			result:  CommitResult{Outcome: OutcomeCommitted, Credits: 1},
			entered: make(chan struct{}),
			release: make(chan struct{}),
		}
		f := newFixture(t, pool.DefaultConfig(), stub)
		seedCandidate(t, f.ledger, "A", 0)
		require.NoError(t, f.session.Start(ctx))
		rateAndSubmit(t, f.session, goodTraits)

		done := make(chan error, 1)
		go func() {
			_, err := f.session.ConfirmFeedback(ctx)
			done <- err
		}()
		<-stub.entered

		s := f.session
		assert.Equal(t, PhaseSubmitting, s.Snapshot().Phase)
		assert.ErrorIs(t, s.SelectTrait(data.TraitConfident, 1), ErrSubmitting)
		assert.ErrorIs(t, s.RequestSubmit(), ErrSubmitting)
		assert.ErrorIs(t, s.ToggleFeedbackTag("Clear"), ErrSubmitting)
		assert.ErrorIs(t, s.Retry(ctx), ErrSubmitting)
		_, err := s.ConfirmFeedback(ctx)
		assert.ErrorIs(t, err, ErrSubmitting)

		close(stub.release)
		require.NoError(t, <-done)
		assert.Len(t, stub.calls, 1)
		assert.Equal(t, PhaseRating, s.Snapshot().Phase)
	})

	t.Run("Prefetches Near The End", func(t *testing.T) {
		f := newFixture(t, pool.Config{PageSize: 2, PrefetchThreshold: 1, CacheCapacity: 10}, nil)
		for i := 0; i < 5; i++ {
			seedCandidate(t, f.ledger, fmt.Sprintf("c%d", i), 0)
		}
		require.NoError(t, f.session.Start(ctx))
		assert.Equal(t, 2, f.session.Snapshot().QueueLength)

		rateAndSubmit(t, f.session, goodTraits)
		_, err := f.session.ConfirmFeedback(ctx)
		require.NoError(t, err)

		view := f.session.Snapshot()
		assert.Equal(t, "c1", view.Current.ID)
		assert.Equal(t, 3, view.QueueLength, "c2 and c3 appended behind c1")
	})

	t.Run("Retry Resets Draft", func(t *testing.T) {
		f := newFixture(t, pool.DefaultConfig(), nil)
		seedCandidate(t, f.ledger, "A", 0)
		require.NoError(t, f.session.Start(ctx))
		rateAndSubmit(t, f.session, goodTraits, "Clear")

		require.NoError(t, f.session.Retry(ctx))
		view := f.session.Snapshot()
		assert.Equal(t, PhaseRating, view.Phase)
		assert.Equal(t, data.TraitValues{}, view.Draft)
		assert.Empty(t, view.FeedbackTags)
		assert.Equal(t, "A", view.Current.ID)
	})
}

func TestSessionMetrics(t *testing.T) {
	ledger := data.NewMemoryLedger()
	seedCandidate(t, ledger, "A", 0)
	logger := zaptest.NewLogger(t)
	m := NewMetrics(prometheus.NewRegistry())

	mgr, err := pool.NewManager("voter1", ledger, nil, pool.DefaultConfig(), logger)
	require.NoError(t, err)
	s, err := NewSession("voter1", mgr, NewCommitter(ledger, nil, CommitConfig{}, m, logger), SessionConfig{Dispatch: syncDispatch}, m, logger)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStarted))
	// The first page is followed by one prefetch that finds nothing more.
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PageLoads.WithLabelValues("success")))
}
