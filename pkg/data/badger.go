package data

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout. Ids never contain '/', so byte order of the index keys
// matches (total_votes, id) order.
const (
	candidatePrefix   = "cand/"
	voterPrefix       = "voter/"
	votePrefix        = "vote/"
	voteByCandPrefix  = "vote_by_cand/"
	activeIndexPrefix = "idx/active/"
	ownerIndexPrefix  = "owner/"
)

func candidateKey(id string) []byte { return []byte(candidatePrefix + id) }
func voterKey(id string) []byte     { return []byte(voterPrefix + id) }
func voteKeyBytes(voterID, candidateID string) []byte {
	return []byte(votePrefix + voterID + "/" + candidateID)
}
func voteByCandKey(candidateID, voterID string) []byte {
	return []byte(voteByCandPrefix + candidateID + "/" + voterID)
}
func activeIndexKey(votes int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", activeIndexPrefix, votes, id))
}
func ownerIndexKey(ownerID, id string) []byte {
	return []byte(ownerIndexPrefix + ownerID + "/" + id)
}

func validKeyPart(s string) error {
	if s == "" || strings.Contains(s, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return nil
}

// BadgerOptions configures the embedded key-value ledger
type BadgerOptions struct {
	Path           string
	InMemory       bool
	SyncWrites     bool
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// badgerLogger adapts zap to BadgerDB's Logger interface
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// BadgerLedger implements Ledger on an embedded BadgerDB
type BadgerLedger struct {
	db     *badger.DB
	logger *zap.Logger

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

var _ Ledger = (*BadgerLedger)(nil)

// OpenBadgerLedger opens or creates a Badger-backed ledger
func OpenBadgerLedger(opts BadgerOptions, logger *zap.Logger) (*BadgerLedger, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("path is required for persistent ledger")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger ledger: %w", err)
	}

	l := &BadgerLedger{
		db:     db,
		logger: logger.With(zap.String("ledger", "badger")),
	}
	if opts.GCInterval > 0 && !opts.InMemory {
		ratio := opts.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		l.stopGC = make(chan struct{})
		l.gcDone = make(chan struct{})
		go l.runGC(opts.GCInterval, ratio)
	}
	return l, nil
}

func (l *BadgerLedger) runGC(interval time.Duration, ratio float64) {
	defer close(l.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing needed collecting.
			if err := l.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				l.logger.Warn("Value log GC failed", zap.Error(err))
			}
		}
	}
}

// Close stops garbage collection and closes the database
func (l *BadgerLedger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.stopGC != nil {
			close(l.stopGC)
			<-l.gcDone
		}
		err = l.db.Close()
	})
	return err
}

func badgerErr(op string, err error) error {
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicate), errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrInvalidData), errors.Is(err, ErrNotOwner), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, context.Canceled):
		return err
	}
	return unavailable(op, err)
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("%w: decoding %s: %v", ErrInvalidData, key, err)
		}
		return nil
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return txn.Set(key, val)
}

func getCandidate(txn *badger.Txn, id string) (*Candidate, error) {
	c := &Candidate{}
	if err := getJSON(txn, candidateKey(id), c); err != nil {
		return nil, err
	}
	return c, nil
}

// putCandidate writes c and keeps the secondary indexes in step with prev
func putCandidate(txn *badger.Txn, prev, c *Candidate) error {
	if prev != nil && prev.Status == StatusActive {
		if err := txn.Delete(activeIndexKey(prev.VoteCounts.Total, prev.ID)); err != nil {
			return err
		}
	}
	if c.Status == StatusActive {
		if err := txn.Set(activeIndexKey(c.VoteCounts.Total, c.ID), []byte{}); err != nil {
			return err
		}
	}
	if prev == nil {
		if err := txn.Set(ownerIndexKey(c.OwnerID, c.ID), []byte{}); err != nil {
			return err
		}
	}
	return setJSON(txn, candidateKey(c.ID), c)
}

// lastSegment returns the id after the final '/' of an index key
func lastSegment(key []byte) string {
	if i := bytes.LastIndexByte(key, '/'); i >= 0 {
		return string(key[i+1:])
	}
	return string(key)
}

func (l *BadgerLedger) ListActiveCandidates(ctx context.Context, pageSize int, after Cursor) (Page, error) {
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("%w: page size %d", ErrInvalidData, pageSize)
	}
	votes, id, err := after.Decode()
	if err != nil {
		return Page{}, err
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	prefix := []byte(activeIndexPrefix)
	seek := prefix
	if !after.IsZero() {
		// Smallest key strictly greater than the cursor's own index key.
		seek = append(activeIndexKey(votes, id), 0)
	}

	var out []*Candidate
	err = l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < pageSize; it.Next() {
			c, err := getCandidate(txn, lastSegment(it.Item().Key()))
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return Page{}, badgerErr("listing active candidates", err)
	}
	return newPage(out, after), nil
}

func (l *BadgerLedger) ListVotedCandidateIDs(ctx context.Context, voterID string) (map[string]struct{}, error) {
	if err := validKeyPart(voterID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	voted := make(map[string]struct{})
	prefix := []byte(votePrefix + voterID + "/")
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			voted[lastSegment(it.Item().Key())] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("listing voted candidates", err)
	}
	return voted, nil
}

func (l *BadgerLedger) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	if err := validKeyPart(id); err != nil {
		return nil, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var c *Candidate
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getCandidate(txn, id)
		return err
	})
	if err != nil {
		return nil, badgerErr("getting candidate", err)
	}
	return c, nil
}

func (l *BadgerLedger) GetVoter(ctx context.Context, id string) (*Voter, error) {
	if err := validKeyPart(id); err != nil {
		return nil, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := &Voter{}
	err := l.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, voterKey(id), v)
	})
	if err != nil {
		return nil, badgerErr("getting voter", err)
	}
	return v, nil
}

func (l *BadgerLedger) ListVoteRecordsByCandidate(ctx context.Context, candidateID string) ([]*VoteRecord, error) {
	if err := validKeyPart(candidateID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []*VoteRecord
	prefix := []byte(voteByCandPrefix + candidateID + "/")
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			r := &VoteRecord{}
			if err := getJSON(txn, voteKeyBytes(lastSegment(it.Item().Key()), candidateID), r); err != nil {
				return err
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("listing vote records", err)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// RunInTx runs fn in one Badger update transaction. Concurrent writers
// touching the same keys fail with a transient error.
func (l *BadgerLedger) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			l.logger.Debug("Transaction conflict", zap.Error(err))
		}
		return badgerErr("running transaction", err)
	}
	return nil
}

func (l *BadgerLedger) SaveCandidate(ctx context.Context, c *Candidate) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating candidate: %w", err)
	}
	if err := validKeyPart(c.OwnerID); err != nil {
		return fmt.Errorf("validating candidate owner: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		next := c.Clone()
		prev, err := getCandidate(txn, c.ID)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			prev = nil
		case err != nil:
			return err
		default:
			if prev.OwnerID != c.OwnerID {
				return ErrNotOwner
			}
			next.TraitSums = prev.TraitSums
			next.VoteCounts = prev.VoteCounts
			next.CreatedAt = prev.CreatedAt
		}
		return putCandidate(txn, prev, next)
	})
	if err != nil {
		return badgerErr("saving candidate", err)
	}
	return nil
}

func (l *BadgerLedger) ListCandidatesByOwner(ctx context.Context, ownerID string) ([]*Candidate, error) {
	if err := validKeyPart(ownerID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*Candidate
	prefix := []byte(ownerIndexPrefix + ownerID + "/")
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			c, err := getCandidate(txn, lastSegment(it.Item().Key()))
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("listing owner candidates", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (l *BadgerLedger) UpdateCandidateStatus(ctx context.Context, id string, status CandidateStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := validKeyPart(id); err != nil {
		return ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		prev, err := getCandidate(txn, id)
		if err != nil {
			return err
		}
		next := prev.Clone()
		next.Status = status
		next.UpdatedAt = time.Now().UTC()
		return putCandidate(txn, prev, next)
	})
	if err != nil {
		return badgerErr("updating candidate status", err)
	}
	return nil
}

func (l *BadgerLedger) ActivateCandidate(ctx context.Context, ownerID, id string) error {
	if err := validKeyPart(ownerID); err != nil {
		return err
	}
	if err := validKeyPart(id); err != nil {
		return ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		target, err := getCandidate(txn, id)
		if err != nil {
			return err
		}
		if target.OwnerID != ownerID {
			return ErrNotOwner
		}

		prefix := []byte(ownerIndexPrefix + ownerID + "/")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var ids []string
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, lastSegment(it.Item().KeyCopy(nil)))
		}
		it.Close()

		now := time.Now().UTC()
		for _, cid := range ids {
			if cid == id {
				continue
			}
			prev, err := getCandidate(txn, cid)
			if err != nil {
				return err
			}
			if prev.Status != StatusActive {
				continue
			}
			next := prev.Clone()
			next.Status = StatusInactive
			next.UpdatedAt = now
			if err := putCandidate(txn, prev, next); err != nil {
				return err
			}
		}

		next := target.Clone()
		next.Status = StatusActive
		next.UpdatedAt = now
		return putCandidate(txn, target, next)
	})
	if err != nil {
		return badgerErr("activating candidate", err)
	}
	return nil
}

func (l *BadgerLedger) CompleteSaturatedCandidates(ctx context.Context, minVotes int64) (int, error) {
	if minVotes <= 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	completed := 0
	err := l.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(activeIndexPrefix)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		var ids []string
		for it.Seek(activeIndexKey(minVotes, "")); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, lastSegment(it.Item().KeyCopy(nil)))
		}
		it.Close()

		now := time.Now().UTC()
		for _, id := range ids {
			prev, err := getCandidate(txn, id)
			if err != nil {
				return err
			}
			next := prev.Clone()
			next.Status = StatusCompleted
			next.UpdatedAt = now
			if err := putCandidate(txn, prev, next); err != nil {
				return err
			}
			completed++
		}
		return nil
	})
	if err != nil {
		return 0, badgerErr("completing candidates", err)
	}
	return completed, nil
}

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) GetCandidateForUpdate(ctx context.Context, id string) (*Candidate, error) {
	if err := validKeyPart(id); err != nil {
		return nil, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := getCandidate(t.txn, id)
	if err != nil {
		return nil, badgerErr("locking candidate", err)
	}
	return c, nil
}

func (t *badgerTx) CreditVoter(ctx context.Context, voterID string, amount int64) (int64, error) {
	if err := validKeyPart(voterID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	v := &Voter{}
	err := getJSON(t.txn, voterKey(voterID), v)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		v = &Voter{ID: voterID, CreatedAt: now}
	case err != nil:
		return 0, badgerErr("reading voter", err)
	}
	v.Credits += amount
	v.UpdatedAt = now
	if err := setJSON(t.txn, voterKey(voterID), v); err != nil {
		return 0, badgerErr("crediting voter", err)
	}
	return v.Credits, nil
}

func (t *badgerTx) ApplyVote(ctx context.Context, candidateID string, traits TraitValues) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prev, err := getCandidate(t.txn, candidateID)
	if err != nil {
		return badgerErr("reading candidate", err)
	}
	next := prev.Clone()
	next.ApplyVote(traits, time.Now().UTC())
	if err := putCandidate(t.txn, prev, next); err != nil {
		return badgerErr("applying vote", err)
	}
	return nil
}

func (t *badgerTx) InsertVoteRecord(ctx context.Context, rec *VoteRecord) error {
	if err := validKeyPart(rec.VoterID); err != nil {
		return err
	}
	if err := validKeyPart(rec.CandidateID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := voteKeyBytes(rec.VoterID, rec.CandidateID)
	_, err := t.txn.Get(key)
	switch {
	case err == nil:
		return ErrDuplicate
	case !errors.Is(err, badger.ErrKeyNotFound):
		return badgerErr("checking vote record", err)
	}

	if err := setJSON(t.txn, key, rec); err != nil {
		return badgerErr("inserting vote record", err)
	}
	if err := t.txn.Set(voteByCandKey(rec.CandidateID, rec.VoterID), []byte{}); err != nil {
		return badgerErr("indexing vote record", err)
	}
	return nil
}
