package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraitValues(t *testing.T) {
	limits := DefaultTraitLimits

	var v TraitValues
	assert.False(t, v.Complete(limits))

	v = v.With(TraitConfident, 4).With(TraitNicePersonality, 3)
	assert.False(t, v.Complete(limits))
	assert.ErrorIs(t, v.Validate(limits), ErrInvalidTrait)

	v = v.With(TraitAttractive, 2)
	assert.True(t, v.Complete(limits))
	assert.NoError(t, v.Validate(limits))
	assert.Equal(t, 3, v.Get(TraitNicePersonality))

	assert.ErrorIs(t, v.With(TraitAttractive, 5).Validate(limits), ErrInvalidTrait)

	trait, err := ParseTrait("nicePersonality")
	require.NoError(t, err)
	assert.Equal(t, TraitNicePersonality, trait)
	_, err = ParseTrait("charisma")
	assert.ErrorIs(t, err, ErrInvalidTrait)
}

func TestCandidateApplyVote(t *testing.T) {
	c, err := NewCandidate("owner1", "https://img.example.com/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, c.Status)

	now := time.Now()
	c.ApplyVote(TraitValues{Confident: 4, NicePersonality: 2, Attractive: 1}, now)
	c.ApplyVote(TraitValues{Confident: 2, NicePersonality: 2, Attractive: 3}, now)

	assert.Equal(t, int64(2), c.VoteCounts.Total)
	assert.True(t, c.VoteCounts.Consistent())
	assert.Equal(t, 3.0, c.Average(TraitConfident))
	assert.Equal(t, 2.0, c.Average(TraitAttractive))

	c.VoteCounts.Attractive++
	assert.False(t, c.VoteCounts.Consistent())
}

func TestCandidateValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Candidate)
		wantErr bool
	}{
		{"valid", func(c *Candidate) {}, false},
		{"empty id", func(c *Candidate) { c.ID = "" }, true},
		{"slash in id", func(c *Candidate) { c.ID = "a/b" }, true},
		{"no owner", func(c *Candidate) { c.OwnerID = "" }, true},
		{"no image", func(c *Candidate) { c.ImageURL = "" }, true},
		{"bad status", func(c *Candidate) { c.Status = "Deleted" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCandidate("owner1", "https://img.example.com/a.jpg")
			require.NoError(t, err)
			tt.mutate(c)
			if tt.wantErr {
				assert.Error(t, c.Validate())
			} else {
				assert.NoError(t, c.Validate())
			}
		})
	}
}

func TestVoteRecord(t *testing.T) {
	rec, err := NewVoteRecord("voter1", "a",
		TraitValues{Confident: 1, NicePersonality: 2, Attractive: 3},
		[]string{"Poor Lighting", "Helpful", " Helpful ", ""}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"Helpful", "Poor Lighting"}, rec.FeedbackTags)
	assert.NoError(t, rec.Validate(DefaultTraitLimits))

	_, err = NewVoteRecord("", "a", TraitValues{}, nil, time.Now())
	assert.Error(t, err)
}

func TestFeedbackTags(t *testing.T) {
	for _, tag := range append(append([]string{}, PositiveFeedbackTags...), NegativeFeedbackTags...) {
		assert.True(t, IsKnownFeedbackTag(tag), tag)
	}
	assert.False(t, IsKnownFeedbackTag("helpful"))
	assert.False(t, IsKnownFeedbackTag("Amazing"))
}

func TestCursor(t *testing.T) {
	var zero Cursor
	assert.True(t, zero.IsZero())

	c := NewCursor(&Candidate{ID: "abc", VoteCounts: VoteCounts{Total: 7}})
	votes, id, err := c.Decode()
	require.NoError(t, err)
	assert.Equal(t, int64(7), votes)
	assert.Equal(t, "abc", id)

	for _, bad := range []Cursor{"7", "x:abc", "-1:abc", "7:"} {
		_, _, err := bad.Decode()
		assert.ErrorIs(t, err, ErrInvalidData, string(bad))
	}

	ok, err := c.after(7, "abd")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.after(7, "abc")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.after(6, "zzz")
	require.NoError(t, err)
	assert.False(t, ok)
}
