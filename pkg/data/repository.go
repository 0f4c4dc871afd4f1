package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrDuplicate   = errors.New("duplicate record")
	ErrUnavailable = errors.New("store unavailable")
)

// Ledger defines the interface for vote persistence
type Ledger interface {
	// Candidate pool reads
	ListActiveCandidates(ctx context.Context, pageSize int, after Cursor) (Page, error)
	ListVotedCandidateIDs(ctx context.Context, voterID string) (map[string]struct{}, error)

	GetCandidate(ctx context.Context, id string) (*Candidate, error)
	GetVoter(ctx context.Context, id string) (*Voter, error)
	ListVoteRecordsByCandidate(ctx context.Context, candidateID string) ([]*VoteRecord, error)

	// RunInTx applies every write made through tx or none of them.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Owner operations
	SaveCandidate(ctx context.Context, c *Candidate) error
	ListCandidatesByOwner(ctx context.Context, ownerID string) ([]*Candidate, error)
	UpdateCandidateStatus(ctx context.Context, id string, status CandidateStatus) error
	// ActivateCandidate makes id the owner's only Active candidate, moving
	// any other Active candidate of the owner to Inactive in the same write.
	ActivateCandidate(ctx context.Context, ownerID, id string) error
	CompleteSaturatedCandidates(ctx context.Context, minVotes int64) (int, error)

	Close() error
}

// Tx is the write side of a ledger transaction
type Tx interface {
	GetCandidateForUpdate(ctx context.Context, id string) (*Candidate, error)
	// CreditVoter adds amount to the voter's balance, creating the voter if needed,
	// and returns the new balance.
	CreditVoter(ctx context.Context, voterID string, amount int64) (int64, error)
	ApplyVote(ctx context.Context, candidateID string, traits TraitValues) error
	// InsertVoteRecord returns ErrDuplicate if the (voter, candidate) pair exists.
	InsertVoteRecord(ctx context.Context, rec *VoteRecord) error
}

// PostgresLedger implements Ledger using PostgreSQL
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger wraps an open pool. The pool is owned by the caller.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{
		pool:   pool,
		logger: logger.With(zap.String("ledger", "postgres")),
	}
}

// Close is a no-op; the database service closes the pool
func (l *PostgresLedger) Close() error {
	return nil
}

const candidateColumns = `
	id, owner_id, image_url, name, gender, age_range, target_gender, target_age_range,
	status, sum_confident, sum_nice_personality, sum_attractive,
	votes_confident, votes_nice_personality, votes_attractive, total_votes,
	created_at, updated_at`

func scanCandidate(row pgx.Row) (*Candidate, error) {
	c := &Candidate{}
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.ImageURL, &c.Name, &c.Gender, &c.AgeRange,
		&c.TargetGender, &c.TargetAgeRange, &c.Status,
		&c.TraitSums.Confident, &c.TraitSums.NicePersonality, &c.TraitSums.Attractive,
		&c.VoteCounts.Confident, &c.VoteCounts.NicePersonality, &c.VoteCounts.Attractive,
		&c.VoteCounts.Total, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func collectCandidates(rows pgx.Rows) ([]*Candidate, error) {
	defer rows.Close()
	var out []*Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating candidate rows", err)
	}
	return out, nil
}

// ListActiveCandidates returns one page of active candidates, least voted first
func (l *PostgresLedger) ListActiveCandidates(ctx context.Context, pageSize int, after Cursor) (Page, error) {
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("%w: page size %d", ErrInvalidData, pageSize)
	}
	votes, id, err := after.Decode()
	if err != nil {
		return Page{}, err
	}

	query := `SELECT` + candidateColumns + `
		FROM candidates
		WHERE status = 'Active'`
	args := []interface{}{}
	if !after.IsZero() {
		query += ` AND (total_votes, id) > ($1, $2)`
		args = append(args, votes, id)
	}
	query += fmt.Sprintf(" ORDER BY total_votes ASC, id ASC LIMIT $%d", len(args)+1)
	args = append(args, pageSize)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, unavailable("querying active candidates", err)
	}
	candidates, err := collectCandidates(rows)
	if err != nil {
		return Page{}, err
	}
	return newPage(candidates, after), nil
}

// ListVotedCandidateIDs returns the ids of every candidate the voter has rated
func (l *PostgresLedger) ListVotedCandidateIDs(ctx context.Context, voterID string) (map[string]struct{}, error) {
	rows, err := l.pool.Query(ctx, `SELECT candidate_id FROM vote_records WHERE voter_id = $1`, voterID)
	if err != nil {
		return nil, unavailable("querying voted candidates", err)
	}
	defer rows.Close()

	voted := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning voted candidate: %w", err)
		}
		voted[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating voted candidates", err)
	}
	return voted, nil
}

// GetCandidate retrieves a candidate by ID
func (l *PostgresLedger) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	c, err := scanCandidate(l.pool.QueryRow(ctx, `SELECT`+candidateColumns+` FROM candidates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("querying candidate", err)
	}
	return c, nil
}

// GetVoter retrieves a voter by ID
func (l *PostgresLedger) GetVoter(ctx context.Context, id string) (*Voter, error) {
	v := &Voter{}
	err := l.pool.QueryRow(ctx,
		`SELECT id, credits, created_at, updated_at FROM voters WHERE id = $1`, id,
	).Scan(&v.ID, &v.Credits, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("querying voter", err)
	}
	return v, nil
}

// ListVoteRecordsByCandidate retrieves all vote records for a candidate
func (l *PostgresLedger) ListVoteRecordsByCandidate(ctx context.Context, candidateID string) ([]*VoteRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, voter_id, candidate_id, confident, nice_personality, attractive,
			   feedback_tags, created_at
		FROM vote_records
		WHERE candidate_id = $1
		ORDER BY created_at ASC`, candidateID)
	if err != nil {
		return nil, unavailable("querying vote records", err)
	}
	defer rows.Close()

	var records []*VoteRecord
	for rows.Next() {
		r := &VoteRecord{}
		err := rows.Scan(
			&r.ID, &r.VoterID, &r.CandidateID,
			&r.Traits.Confident, &r.Traits.NicePersonality, &r.Traits.Attractive,
			&r.FeedbackTags, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning vote record row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating vote record rows", err)
	}
	return records, nil
}

// RunInTx runs fn inside a single database transaction
func (l *PostgresLedger) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			l.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return unavailable("committing transaction", err)
	}
	return nil
}

// SaveCandidate inserts or replaces a candidate's descriptive fields and status
func (l *PostgresLedger) SaveCandidate(ctx context.Context, c *Candidate) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating candidate: %w", err)
	}

	result, err := l.pool.Exec(ctx, `
		INSERT INTO candidates (
			id, owner_id, image_url, name, gender, age_range, target_gender,
			target_age_range, status, sum_confident, sum_nice_personality, sum_attractive,
			votes_confident, votes_nice_personality, votes_attractive, total_votes,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			image_url = EXCLUDED.image_url,
			name = EXCLUDED.name,
			gender = EXCLUDED.gender,
			age_range = EXCLUDED.age_range,
			target_gender = EXCLUDED.target_gender,
			target_age_range = EXCLUDED.target_age_range,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		WHERE candidates.owner_id = EXCLUDED.owner_id`,
		c.ID, c.OwnerID, c.ImageURL, c.Name, c.Gender, c.AgeRange, c.TargetGender,
		c.TargetAgeRange, c.Status,
		c.TraitSums.Confident, c.TraitSums.NicePersonality, c.TraitSums.Attractive,
		c.VoteCounts.Confident, c.VoteCounts.NicePersonality, c.VoteCounts.Attractive,
		c.VoteCounts.Total, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return unavailable("saving candidate", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

// ListCandidatesByOwner retrieves every candidate owned by a user
func (l *PostgresLedger) ListCandidatesByOwner(ctx context.Context, ownerID string) ([]*Candidate, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT`+candidateColumns+` FROM candidates WHERE owner_id = $1 ORDER BY created_at DESC, id ASC`,
		ownerID)
	if err != nil {
		return nil, unavailable("querying owner candidates", err)
	}
	return collectCandidates(rows)
}

// UpdateCandidateStatus changes a candidate's lifecycle status
func (l *PostgresLedger) UpdateCandidateStatus(ctx context.Context, id string, status CandidateStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	result, err := l.pool.Exec(ctx,
		`UPDATE candidates SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return unavailable("updating candidate status", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateCandidate activates id and deactivates the owner's other active candidates
func (l *PostgresLedger) ActivateCandidate(ctx context.Context, ownerID, id string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			l.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
	}()

	// Lock the owner's rows so concurrent activations serialize.
	rows, err := tx.Query(ctx, `SELECT id FROM candidates WHERE owner_id = $1 ORDER BY id FOR UPDATE`, ownerID)
	if err != nil {
		return unavailable("locking owner candidates", err)
	}
	owned := false
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			rows.Close()
			return unavailable("scanning owner candidates", err)
		}
		owned = owned || cid == id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return unavailable("locking owner candidates", err)
	}
	if !owned {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM candidates WHERE id = $1)`, id).Scan(&exists); err != nil {
			return unavailable("reading candidate", err)
		}
		if exists {
			return ErrNotOwner
		}
		return ErrNotFound
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE candidates SET status = 'Inactive', updated_at = $1
		WHERE owner_id = $2 AND status = 'Active' AND id <> $3`,
		now, ownerID, id); err != nil {
		return unavailable("deactivating owner candidates", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE candidates SET status = 'Active', updated_at = $1 WHERE id = $2`, now, id); err != nil {
		return unavailable("activating candidate", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("committing activation", err)
	}
	return nil
}

// CompleteSaturatedCandidates marks active candidates with enough votes as completed
func (l *PostgresLedger) CompleteSaturatedCandidates(ctx context.Context, minVotes int64) (int, error) {
	if minVotes <= 0 {
		return 0, nil
	}
	result, err := l.pool.Exec(ctx, `
		UPDATE candidates SET status = 'Completed', updated_at = $1
		WHERE status = 'Active' AND total_votes >= $2`,
		time.Now().UTC(), minVotes)
	if err != nil {
		return 0, unavailable("completing candidates", err)
	}
	return int(result.RowsAffected()), nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetCandidateForUpdate(ctx context.Context, id string) (*Candidate, error) {
	c, err := scanCandidate(t.tx.QueryRow(ctx,
		`SELECT`+candidateColumns+` FROM candidates WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("locking candidate", err)
	}
	return c, nil
}

func (t *postgresTx) CreditVoter(ctx context.Context, voterID string, amount int64) (int64, error) {
	now := time.Now().UTC()
	var credits int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO voters (id, credits, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET
			credits = voters.credits + EXCLUDED.credits,
			updated_at = EXCLUDED.updated_at
		RETURNING credits`,
		voterID, amount, now,
	).Scan(&credits)
	if err != nil {
		return 0, unavailable("crediting voter", err)
	}
	return credits, nil
}

func (t *postgresTx) ApplyVote(ctx context.Context, candidateID string, traits TraitValues) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE candidates SET
			sum_confident = sum_confident + $1,
			sum_nice_personality = sum_nice_personality + $2,
			sum_attractive = sum_attractive + $3,
			votes_confident = votes_confident + 1,
			votes_nice_personality = votes_nice_personality + 1,
			votes_attractive = votes_attractive + 1,
			total_votes = total_votes + 1,
			updated_at = $4
		WHERE id = $5`,
		traits.Confident, traits.NicePersonality, traits.Attractive, time.Now().UTC(), candidateID)
	if err != nil {
		return unavailable("applying vote", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) InsertVoteRecord(ctx context.Context, rec *VoteRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO vote_records (
			id, voter_id, candidate_id, confident, nice_personality, attractive,
			feedback_tags, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.VoterID, rec.CandidateID,
		rec.Traits.Confident, rec.Traits.NicePersonality, rec.Traits.Attractive,
		rec.FeedbackTags, rec.CreatedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return unavailable("inserting vote record", err)
	}
	return nil
}

// Helper function to check for PostgreSQL duplicate key errors
func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}

// unavailable tags store failures so callers can treat them as transient.
// Context cancellation passes through untouched.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
