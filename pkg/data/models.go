package data

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error variables for consistent error handling
var (
	ErrInvalidData   = errors.New("invalid data format")
	ErrInvalidID     = errors.New("invalid identifier")
	ErrInvalidStatus = errors.New("invalid candidate status")
	ErrInvalidTrait  = errors.New("invalid trait value")
	ErrNotOwner      = errors.New("candidate not owned by user")
)

// CandidateStatus is the lifecycle status of a candidate photo
type CandidateStatus string

const (
	StatusInactive  CandidateStatus = "Inactive"
	StatusActive    CandidateStatus = "Active"
	StatusCompleted CandidateStatus = "Completed"
)

// Valid reports whether s is one of the known statuses
func (s CandidateStatus) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusCompleted:
		return true
	}
	return false
}

// Trait is one rated dimension of a photo
type Trait string

const (
	TraitConfident       Trait = "confident"
	TraitNicePersonality Trait = "nicePersonality"
	TraitAttractive      Trait = "attractive"
)

// AllTraits lists the rated traits in presentation order
var AllTraits = []Trait{TraitConfident, TraitNicePersonality, TraitAttractive}

// ParseTrait returns the trait named s
func ParseTrait(s string) (Trait, error) {
	for _, t := range AllTraits {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown trait %q", ErrInvalidTrait, s)
}

// TraitLimits bounds the ordinal scale every trait is rated on
type TraitLimits struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// DefaultTraitLimits is the 1-4 scale (No, Somewhat, Yes, Very)
var DefaultTraitLimits = TraitLimits{Min: 1, Max: 4}

// Contains reports whether v lies on the scale
func (l TraitLimits) Contains(v int) bool {
	return v >= l.Min && v <= l.Max
}

// TraitValues holds one ordinal value per trait. Zero means unset.
type TraitValues struct {
	Confident       int `json:"confident"`
	NicePersonality int `json:"nicePersonality"`
	Attractive      int `json:"attractive"`
}

// Get returns the value recorded for t
func (v TraitValues) Get(t Trait) int {
	switch t {
	case TraitConfident:
		return v.Confident
	case TraitNicePersonality:
		return v.NicePersonality
	case TraitAttractive:
		return v.Attractive
	}
	return 0
}

// With returns a copy of v with t set to value
func (v TraitValues) With(t Trait, value int) TraitValues {
	switch t {
	case TraitConfident:
		v.Confident = value
	case TraitNicePersonality:
		v.NicePersonality = value
	case TraitAttractive:
		v.Attractive = value
	}
	return v
}

// Complete reports whether every trait has a value on the scale
func (v TraitValues) Complete(limits TraitLimits) bool {
	for _, t := range AllTraits {
		if !limits.Contains(v.Get(t)) {
			return false
		}
	}
	return true
}

// Validate checks every trait is set and within limits
func (v TraitValues) Validate(limits TraitLimits) error {
	for _, t := range AllTraits {
		if val := v.Get(t); !limits.Contains(val) {
			return fmt.Errorf("%w: %s=%d outside [%d,%d]", ErrInvalidTrait, t, val, limits.Min, limits.Max)
		}
	}
	return nil
}

// TraitTotals accumulates submitted trait values
type TraitTotals struct {
	Confident       int64 `json:"confident"`
	NicePersonality int64 `json:"nicePersonality"`
	Attractive      int64 `json:"attractive"`
}

// VoteCounts tracks how many votes each trait and the photo as a whole received
type VoteCounts struct {
	Confident       int64 `json:"confident"`
	NicePersonality int64 `json:"nicePersonality"`
	Attractive      int64 `json:"attractive"`
	Total           int64 `json:"totalVotes"`
}

// Consistent reports whether the per-trait counters agree with the total.
// Every vote rates every trait, so they move in lockstep.
func (c VoteCounts) Consistent() bool {
	return c.Confident == c.Total && c.NicePersonality == c.Total && c.Attractive == c.Total
}

// Candidate is a photo submitted by its owner for rating
type Candidate struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	ImageURL       string          `json:"image_url"`
	Name           string          `json:"name,omitempty"`
	Gender         string          `json:"gender,omitempty"`
	AgeRange       string          `json:"age_range,omitempty"`
	TargetGender   string          `json:"target_gender,omitempty"`
	TargetAgeRange string          `json:"target_age_range,omitempty"`
	Status         CandidateStatus `json:"status"`
	TraitSums      TraitTotals     `json:"trait_sums"`
	VoteCounts     VoteCounts      `json:"vote_counts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewCandidate creates an inactive candidate with a fresh identifier
func NewCandidate(ownerID, imageURL string) (*Candidate, error) {
	now := time.Now().UTC()
	c := &Candidate{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		ImageURL:  imageURL,
		Status:    StatusInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks if the candidate is valid
func (c *Candidate) Validate() error {
	if c.ID == "" || strings.Contains(c.ID, "/") {
		return ErrInvalidID
	}
	if c.OwnerID == "" {
		return errors.New("owner ID cannot be empty")
	}
	if c.ImageURL == "" {
		return errors.New("image URL cannot be empty")
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, c.Status)
	}
	if c.VoteCounts.Total < 0 {
		return errors.New("vote count cannot be negative")
	}
	return nil
}

// ApplyVote folds one vote into the candidate's counters
func (c *Candidate) ApplyVote(traits TraitValues, at time.Time) {
	c.TraitSums.Confident += int64(traits.Confident)
	c.TraitSums.NicePersonality += int64(traits.NicePersonality)
	c.TraitSums.Attractive += int64(traits.Attractive)
	c.VoteCounts.Confident++
	c.VoteCounts.NicePersonality++
	c.VoteCounts.Attractive++
	c.VoteCounts.Total++
	c.UpdatedAt = at
}

// Average returns the mean rating for t, or 0 with no votes
func (c *Candidate) Average(t Trait) float64 {
	var sum, n int64
	switch t {
	case TraitConfident:
		sum, n = c.TraitSums.Confident, c.VoteCounts.Confident
	case TraitNicePersonality:
		sum, n = c.TraitSums.NicePersonality, c.VoteCounts.NicePersonality
	case TraitAttractive:
		sum, n = c.TraitSums.Attractive, c.VoteCounts.Attractive
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// Clone returns a deep copy
func (c *Candidate) Clone() *Candidate {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Voter is an authenticated user casting votes
type Voter struct {
	ID        string    `json:"id"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VoteRecord is the immutable receipt of one voter rating one candidate
type VoteRecord struct {
	ID           string      `json:"id"`
	VoterID      string      `json:"voter_id"`
	CandidateID  string      `json:"candidate_id"`
	Traits       TraitValues `json:"traits"`
	FeedbackTags []string    `json:"feedback_tags"`
	CreatedAt    time.Time   `json:"created_at"`
}

// NewVoteRecord creates a vote record, normalizing the tag set
func NewVoteRecord(voterID, candidateID string, traits TraitValues, tags []string, at time.Time) (*VoteRecord, error) {
	if voterID == "" {
		return nil, errors.New("voter ID cannot be empty")
	}
	if candidateID == "" {
		return nil, errors.New("candidate ID cannot be empty")
	}
	return &VoteRecord{
		ID:           uuid.New().String(),
		VoterID:      voterID,
		CandidateID:  candidateID,
		Traits:       traits,
		FeedbackTags: NormalizeTags(tags),
		CreatedAt:    at.UTC(),
	}, nil
}

// Validate checks if the vote record is valid
func (r *VoteRecord) Validate(limits TraitLimits) error {
	if r.ID == "" {
		return ErrInvalidID
	}
	if r.VoterID == "" || strings.Contains(r.VoterID, "/") {
		return fmt.Errorf("%w: voter %q", ErrInvalidID, r.VoterID)
	}
	if r.CandidateID == "" || strings.Contains(r.CandidateID, "/") {
		return fmt.Errorf("%w: candidate %q", ErrInvalidID, r.CandidateID)
	}
	if r.CreatedAt.IsZero() {
		return errors.New("timestamp is required")
	}
	return r.Traits.Validate(limits)
}

// NormalizeTags returns the sorted, de-duplicated tag set
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
