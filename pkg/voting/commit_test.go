package voting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/captainteodor/vibess/pkg/data"
	"github.com/captainteodor/vibess/pkg/events"
)

func seedCandidate(t *testing.T, l data.Ledger, id string, votes int64) {
	t.Helper()
	c, err := data.NewCandidate("owner1", "https://img.example.com/"+id+".jpg")
	require.NoError(t, err)
	c.ID = id
	c.Status = data.StatusActive
	c.VoteCounts = data.VoteCounts{Confident: votes, NicePersonality: votes, Attractive: votes, Total: votes}
	require.NoError(t, l.SaveCandidate(context.Background(), c))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.VoteEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.VoteEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []events.VoteEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.VoteEvent(nil), p.events...)
}

// blockingPublisher holds every publish until released and reports the
// context state it saw
type blockingPublisher struct {
	release chan struct{}
	done    chan error
}

func (p *blockingPublisher) Publish(ctx context.Context, _ events.VoteEvent) error {
	<-p.release
	p.done <- ctx.Err()
	return nil
}

func (p *blockingPublisher) Close() error { return nil }

type failingRunner struct{ err error }

func (f failingRunner) RunInTx(context.Context, func(tx data.Tx) error) error { return f.err }

var goodTraits = data.TraitValues{Confident: 4, NicePersonality: 3, Attractive: 2}

func TestCommitter(t *testing.T) {
	ctx := context.Background()
	cfg := CommitConfig{CreditIncrement: 1, TraitLimits: data.DefaultTraitLimits}

	t.Run("Commits Vote", func(t *testing.T) {
		ledger := data.NewMemoryLedger()
		seedCandidate(t, ledger, "A", 0)
		pub := &recordingPublisher{}
		c := NewCommitter(ledger, pub, cfg, nil, zaptest.NewLogger(t))

		res := c.Commit(ctx, CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: goodTraits, FeedbackTags: []string{"Helpful"}})
		require.NoError(t, res.Err)
		assert.Equal(t, OutcomeCommitted, res.Outcome)
		assert.Equal(t, int64(1), res.Credits)
		assert.True(t, res.Advances())
		assert.False(t, res.Retryable())

		cand, err := ledger.GetCandidate(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, int64(1), cand.VoteCounts.Total)
		assert.True(t, cand.VoteCounts.Consistent())
		assert.Equal(t, int64(4), cand.TraitSums.Confident)

		records, err := ledger.ListVoteRecordsByCandidate(ctx, "A")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "voter1", records[0].VoterID)
		assert.Equal(t, goodTraits, records[0].Traits)
		assert.Equal(t, []string{"Helpful"}, records[0].FeedbackTags)

		require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, 5*time.Millisecond)
		ev := pub.published()[0]
		assert.Equal(t, events.TypePhotoVote, ev.Type)
		assert.Equal(t, "A", ev.CandidateID)
	})

	t.Run("Duplicate Credits Once", func(t *testing.T) {
		ledger := data.NewMemoryLedger()
		seedCandidate(t, ledger, "A", 0)
		c := NewCommitter(ledger, nil, cfg, nil, zaptest.NewLogger(t))
		req := CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: goodTraits}

		first := c.Commit(ctx, req)
		require.Equal(t, OutcomeCommitted, first.Outcome)
		second := c.Commit(ctx, req)
		assert.Equal(t, OutcomeDuplicateVote, second.Outcome)
		assert.ErrorIs(t, second.Err, data.ErrDuplicate)
		assert.True(t, second.Advances())

		voter, err := ledger.GetVoter(ctx, "voter1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), voter.Credits)
		cand, err := ledger.GetCandidate(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, int64(1), cand.VoteCounts.Total)
	})

	t.Run("Concurrent Duplicates", func(t *testing.T) {
		ledger := data.NewMemoryLedger()
		seedCandidate(t, ledger, "A", 0)
		c := NewCommitter(ledger, nil, cfg, nil, zaptest.NewLogger(t))

		const attempts = 16
		outcomes := make(chan Outcome, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes <- c.Commit(ctx, CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: goodTraits}).Outcome
			}()
		}
		wg.Wait()
		close(outcomes)

		committed := 0
		for o := range outcomes {
			if o == OutcomeCommitted {
				committed++
			} else {
				assert.Equal(t, OutcomeDuplicateVote, o)
			}
		}
		assert.Equal(t, 1, committed)

		records, err := ledger.ListVoteRecordsByCandidate(ctx, "A")
		require.NoError(t, err)
		cand, err := ledger.GetCandidate(ctx, "A")
		require.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, int64(len(records)), cand.VoteCounts.Total)
	})

	t.Run("Rejected Outcomes", func(t *testing.T) {
		ledger := data.NewMemoryLedger()
		seedCandidate(t, ledger, "A", 0)
		c := NewCommitter(ledger, nil, cfg, nil, zaptest.NewLogger(t))

		tests := []struct {
			name    string
			req     CommitRequest
			outcome Outcome
			wantErr error
		}{
			{"missing candidate", CommitRequest{CandidateID: "gone", VoterID: "voter1", Traits: goodTraits}, OutcomeCandidateNotFound, data.ErrNotFound},
			{"no voter", CommitRequest{CandidateID: "A", Traits: goodTraits}, OutcomeUnauthenticated, ErrUnauthenticated},
			{"trait out of range", CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: data.TraitValues{Confident: 5, NicePersonality: 1, Attractive: 1}}, OutcomeInvalidVote, ErrInvalidTrait},
			{"unset trait", CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: data.TraitValues{Confident: 1}}, OutcomeInvalidVote, ErrInvalidTrait},
			{"unknown tag", CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: goodTraits, FeedbackTags: []string{"Sparkly"}}, OutcomeInvalidVote, ErrUnknownTag},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				res := c.Commit(ctx, tt.req)
				assert.Equal(t, tt.outcome, res.Outcome)
				assert.ErrorIs(t, res.Err, tt.wantErr)
				assert.False(t, res.Advances())
				assert.Nil(t, res.Record)
			})
		}

		cand, err := ledger.GetCandidate(ctx, "A")
		require.NoError(t, err)
		assert.Zero(t, cand.VoteCounts.Total)
		_, err = ledger.GetVoter(ctx, "voter1")
		assert.ErrorIs(t, err, data.ErrNotFound)
	})

	t.Run("Store Failure Is Transient", func(t *testing.T) {
		c := NewCommitter(failingRunner{err: fmt.Errorf("begin tx: %w", data.ErrUnavailable)}, nil, cfg, nil, zaptest.NewLogger(t))
		res := c.Commit(ctx, CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: goodTraits})
		assert.Equal(t, OutcomeTransientStoreError, res.Outcome)
		assert.True(t, res.Retryable())
		assert.ErrorIs(t, res.Err, data.ErrUnavailable)
	})

	t.Run("Publish Failure Does Not Fail Commit", func(t *testing.T) {
		ledger := data.NewMemoryLedger()
		seedCandidate(t, ledger, "A", 0)
		pub := &recordingPublisher{err: fmt.Errorf("redis down")}
		c := NewCommitter(ledger, pub, cfg, nil, zaptest.NewLogger(t))

		res := c.Commit(ctx, CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: goodTraits})
		assert.Equal(t, OutcomeCommitted, res.Outcome)
		assert.NoError(t, res.Err)
	})

	t.Run("Publish Runs After Commit Returns", func(t *testing.T) {
		ledger := data.NewMemoryLedger()
		seedCandidate(t, ledger, "A", 0)
		pub := &blockingPublisher{release: make(chan struct{}), done: make(chan error, 1)}
		c := NewCommitter(ledger, pub, cfg, nil, zaptest.NewLogger(t))

		reqCtx, cancel := context.WithCancel(ctx)
		res := c.Commit(reqCtx, CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: goodTraits})
		require.Equal(t, OutcomeCommitted, res.Outcome)
		cancel()

		close(pub.release)
		select {
		case err := <-pub.done:
			assert.NoError(t, err, "publish must outlive the request context")
		case <-time.After(time.Second):
			t.Fatal("vote event was never published")
		}
	})

	t.Run("Records Metrics", func(t *testing.T) {
		ledger := data.NewMemoryLedger()
		seedCandidate(t, ledger, "A", 0)
		m := NewMetrics(prometheus.NewRegistry())
		c := NewCommitter(ledger, nil, cfg, m, zaptest.NewLogger(t))

		req := CommitRequest{CandidateID: "A", VoterID: "voter1", Traits: goodTraits}
		c.Commit(ctx, req)
		c.Commit(ctx, req)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues(string(OutcomeCommitted))))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues(string(OutcomeDuplicateVote))))
		assert.Equal(t, 1, testutil.CollectAndCount(m.CommitDuration))
	})
}
