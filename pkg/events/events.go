// Package events publishes analytics events for committed votes.
package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/config"
	"github.com/captainteodor/vibess/pkg/data"
)

// TypePhotoVote is the event type emitted for each committed vote
const TypePhotoVote = "photo_vote"

// VoteEvent describes one committed vote
type VoteEvent struct {
	Type         string           `json:"type"`
	CandidateID  string           `json:"candidate_id"`
	VoterID      string           `json:"voter_id"`
	Traits       data.TraitValues `json:"traits"`
	FeedbackTags []string         `json:"feedback_tags"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NewVoteEvent builds the event for a stored vote record
func NewVoteEvent(rec *data.VoteRecord) VoteEvent {
	return VoteEvent{
		Type:         TypePhotoVote,
		CandidateID:  rec.CandidateID,
		VoterID:      rec.VoterID,
		Traits:       rec.Traits,
		FeedbackTags: rec.FeedbackTags,
		Timestamp:    rec.CreatedAt,
	}
}

// Publisher delivers vote events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, ev VoteEvent) error
	Close() error
}

// LogPublisher writes events to the structured log
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher backed by logger
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(ctx context.Context, ev VoteEvent) error {
	p.logger.Info("Vote event",
		zap.String("type", ev.Type),
		zap.String("candidate_id", ev.CandidateID),
		zap.String("voter_id", ev.VoterID),
		zap.Int("confident", ev.Traits.Confident),
		zap.Int("nice_personality", ev.Traits.NicePersonality),
		zap.Int("attractive", ev.Traits.Attractive),
		zap.Strings("feedback_tags", ev.FeedbackTags),
		zap.Time("timestamp", ev.Timestamp),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// NoopPublisher discards events
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, VoteEvent) error { return nil }
func (NoopPublisher) Close() error                             { return nil }

// NewPublisher selects the configured publisher backend
func NewPublisher(cfg config.EventsConfig, logger *zap.Logger) (Publisher, error) {
	switch cfg.Backend {
	case config.EventsRedis:
		return NewRedisPublisher(cfg.Redis, logger)
	case config.EventsLog, "":
		return NewLogPublisher(logger), nil
	case config.EventsNone:
		return NoopPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}

var (
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = NoopPublisher{}
	_ Publisher = (*RedisPublisher)(nil)
)
