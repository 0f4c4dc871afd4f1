package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type voteKey struct {
	voter     string
	candidate string
}

// MemoryLedger is an in-process Ledger. Transactions are serialized and
// staged so a failing callback leaves no trace.
type MemoryLedger struct {
	mu         sync.RWMutex
	candidates map[string]*Candidate
	voters     map[string]*Voter
	records    map[voteKey]*VoteRecord
	closed     bool
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		candidates: make(map[string]*Candidate),
		voters:     make(map[string]*Voter),
		records:    make(map[voteKey]*VoteRecord),
	}
}

func (m *MemoryLedger) check(ctx context.Context) error {
	if m.closed {
		return fmt.Errorf("memory ledger closed: %w", ErrUnavailable)
	}
	return ctx.Err()
}

func (m *MemoryLedger) ListActiveCandidates(ctx context.Context, pageSize int, after Cursor) (Page, error) {
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("%w: page size %d", ErrInvalidData, pageSize)
	}
	if _, _, err := after.Decode(); err != nil {
		return Page{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return Page{}, err
	}

	active := make([]*Candidate, 0, len(m.candidates))
	for _, c := range m.candidates {
		if c.Status != StatusActive {
			continue
		}
		if ok, _ := after.after(c.VoteCounts.Total, c.ID); ok {
			active = append(active, c)
		}
	}
	sortByVotes(active)
	if len(active) > pageSize {
		active = active[:pageSize]
	}

	out := make([]*Candidate, len(active))
	for i, c := range active {
		out[i] = c.Clone()
	}
	return newPage(out, after), nil
}

func (m *MemoryLedger) ListVotedCandidateIDs(ctx context.Context, voterID string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	voted := make(map[string]struct{})
	for k := range m.records {
		if k.voter == voterID {
			voted[k.candidate] = struct{}{}
		}
	}
	return voted, nil
}

func (m *MemoryLedger) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	c, ok := m.candidates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryLedger) GetVoter(ctx context.Context, id string) (*Voter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	v, ok := m.voters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryLedger) ListVoteRecordsByCandidate(ctx context.Context, candidateID string) ([]*VoteRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	var out []*VoteRecord
	for k, r := range m.records {
		if k.candidate == candidateID {
			cp := *r
			cp.FeedbackTags = append([]string(nil), r.FeedbackTags...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryLedger) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	tx := &memoryTx{
		ledger:     m,
		candidates: make(map[string]*Candidate),
		voters:     make(map[string]*Voter),
		records:    make(map[voteKey]*VoteRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, c := range tx.candidates {
		m.candidates[id] = c
	}
	for id, v := range tx.voters {
		m.voters[id] = v
	}
	for k, r := range tx.records {
		m.records[k] = r
	}
	return nil
}

func (m *MemoryLedger) SaveCandidate(ctx context.Context, c *Candidate) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating candidate: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	next := c.Clone()
	if existing, ok := m.candidates[c.ID]; ok {
		if existing.OwnerID != c.OwnerID {
			return ErrNotOwner
		}
		// Counters only move through votes.
		next.TraitSums = existing.TraitSums
		next.VoteCounts = existing.VoteCounts
		next.CreatedAt = existing.CreatedAt
	}
	m.candidates[c.ID] = next
	return nil
}

func (m *MemoryLedger) ListCandidatesByOwner(ctx context.Context, ownerID string) ([]*Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	var out []*Candidate
	for _, c := range m.candidates {
		if c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryLedger) UpdateCandidateStatus(ctx context.Context, id string, status CandidateStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	c, ok := m.candidates[id]
	if !ok {
		return ErrNotFound
	}
	next := c.Clone()
	next.Status = status
	next.UpdatedAt = time.Now().UTC()
	m.candidates[id] = next
	return nil
}

func (m *MemoryLedger) ActivateCandidate(ctx context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	target, ok := m.candidates[id]
	if !ok {
		return ErrNotFound
	}
	if target.OwnerID != ownerID {
		return ErrNotOwner
	}

	now := time.Now().UTC()
	for cid, c := range m.candidates {
		if cid == id || c.OwnerID != ownerID || c.Status != StatusActive {
			continue
		}
		next := c.Clone()
		next.Status = StatusInactive
		next.UpdatedAt = now
		m.candidates[cid] = next
	}
	next := target.Clone()
	next.Status = StatusActive
	next.UpdatedAt = now
	m.candidates[id] = next
	return nil
}

func (m *MemoryLedger) CompleteSaturatedCandidates(ctx context.Context, minVotes int64) (int, error) {
	if minVotes <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	completed := 0
	for id, c := range m.candidates {
		if c.Status == StatusActive && c.VoteCounts.Total >= minVotes {
			next := c.Clone()
			next.Status = StatusCompleted
			next.UpdatedAt = now
			m.candidates[id] = next
			completed++
		}
	}
	return completed, nil
}

func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memoryTx stages writes until RunInTx merges them. The ledger lock is held
// for the lifetime of the transaction.
type memoryTx struct {
	ledger     *MemoryLedger
	candidates map[string]*Candidate
	voters     map[string]*Voter
	records    map[voteKey]*VoteRecord
}

func (t *memoryTx) candidate(id string) (*Candidate, bool) {
	if c, ok := t.candidates[id]; ok {
		return c, true
	}
	c, ok := t.ledger.candidates[id]
	if !ok {
		return nil, false
	}
	staged := c.Clone()
	t.candidates[id] = staged
	return staged, true
}

func (t *memoryTx) GetCandidateForUpdate(ctx context.Context, id string) (*Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := t.candidate(id)
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (t *memoryTx) CreditVoter(ctx context.Context, voterID string, amount int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	v, ok := t.voters[voterID]
	if !ok {
		if existing, found := t.ledger.voters[voterID]; found {
			cp := *existing
			v = &cp
		} else {
			v = &Voter{ID: voterID, CreatedAt: now}
		}
		t.voters[voterID] = v
	}
	v.Credits += amount
	v.UpdatedAt = now
	return v.Credits, nil
}

func (t *memoryTx) ApplyVote(ctx context.Context, candidateID string, traits TraitValues) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := t.candidate(candidateID)
	if !ok {
		return ErrNotFound
	}
	c.ApplyVote(traits, time.Now().UTC())
	return nil
}

func (t *memoryTx) InsertVoteRecord(ctx context.Context, rec *VoteRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := voteKey{voter: rec.VoterID, candidate: rec.CandidateID}
	if _, ok := t.records[k]; ok {
		return ErrDuplicate
	}
	if _, ok := t.ledger.records[k]; ok {
		return ErrDuplicate
	}
	cp := *rec
	cp.FeedbackTags = append([]string(nil), rec.FeedbackTags...)
	t.records[k] = &cp
	return nil
}

func sortByVotes(cs []*Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].VoteCounts.Total != cs[j].VoteCounts.Total {
			return cs[i].VoteCounts.Total < cs[j].VoteCounts.Total
		}
		return cs[i].ID < cs[j].ID
	})
}
