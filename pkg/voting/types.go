// Package voting drives a voter through rating candidates and commits
// each completed vote to the ledger exactly once.
package voting

import (
	"errors"

	"github.com/captainteodor/vibess/pkg/data"
	"github.com/captainteodor/vibess/pkg/pool"
)

// Error variables for consistent error handling
var (
	ErrSubmitting      = errors.New("a vote is being submitted")
	ErrNotReady        = errors.New("every trait must be rated first")
	ErrNoCandidate     = errors.New("no candidate to vote on")
	ErrWrongPhase      = errors.New("operation not valid in current phase")
	ErrInvalidTrait    = data.ErrInvalidTrait
	ErrUnknownTag      = errors.New("unknown feedback tag")
	ErrUnauthenticated = errors.New("voter identity missing")
)

// Phase is the submission phase of a session
type Phase string

const (
	PhaseRating          Phase = "rating"
	PhaseFeedbackPending Phase = "feedback-pending"
	PhaseSubmitting      Phase = "submitting"
)

// SessionView is a point-in-time copy of a session's state
type SessionView struct {
	VoterID       string           `json:"voter_id"`
	Current       *data.Candidate  `json:"current,omitempty"`
	Index         int              `json:"index"`
	QueueLength   int              `json:"queue_length"`
	LoadState     pool.LoadState   `json:"load_state"`
	Phase         Phase            `json:"phase"`
	Draft         data.TraitValues `json:"draft"`
	FeedbackTags  []string         `json:"feedback_tags"`
	ReadyToSubmit bool             `json:"ready_to_submit"`
	Exhausted     bool             `json:"exhausted"`
	Credits       int64            `json:"credits"`
	LastError     string           `json:"last_error,omitempty"`
	Err           error            `json:"-"`
}
