package data

import (
	"fmt"
	"strconv"
	"strings"
)

// Cursor marks a position in the active candidate ordering (total votes, id).
// The zero value starts from the beginning.
type Cursor string

// NewCursor returns the cursor positioned just after c
func NewCursor(c *Candidate) Cursor {
	if c == nil {
		return ""
	}
	return Cursor(fmt.Sprintf("%d:%s", c.VoteCounts.Total, c.ID))
}

// IsZero reports whether the cursor starts from the beginning
func (c Cursor) IsZero() bool {
	return c == ""
}

// Decode splits the cursor into its ordering key
func (c Cursor) Decode() (votes int64, id string, err error) {
	if c.IsZero() {
		return 0, "", nil
	}
	raw, id, ok := strings.Cut(string(c), ":")
	if !ok || id == "" {
		return 0, "", fmt.Errorf("%w: malformed cursor %q", ErrInvalidData, string(c))
	}
	votes, err = strconv.ParseInt(raw, 10, 64)
	if err != nil || votes < 0 {
		return 0, "", fmt.Errorf("%w: malformed cursor %q", ErrInvalidData, string(c))
	}
	return votes, id, nil
}

// after reports whether a candidate sorts strictly after the cursor
func (c Cursor) after(votes int64, id string) (bool, error) {
	cv, cid, err := c.Decode()
	if err != nil {
		return false, err
	}
	if c.IsZero() {
		return true, nil
	}
	if votes != cv {
		return votes > cv, nil
	}
	return id > cid, nil
}

// Page is one slice of the active candidate ordering
type Page struct {
	Candidates []*Candidate
	// Next is the cursor of the last raw item, or the request cursor when empty.
	Next Cursor
}

func newPage(candidates []*Candidate, after Cursor) Page {
	p := Page{Candidates: candidates, Next: after}
	if n := len(candidates); n > 0 {
		p.Next = NewCursor(candidates[n-1])
	}
	return p
}
