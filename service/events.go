package service

import (
	"context"
	"log/slog"
	"time"

	"evoting-tally/models"

	"github.com/google/uuid"
)

// EventType names a step of the tally lifecycle.
type EventType string

const (
	EventTallyStarted       EventType = "tally.started"
	EventTallyTallied       EventType = "tally.tallied"
	EventTallyPostProcessed EventType = "tally.postprocessed"
	EventTallyFailed        EventType = "tally.failed"
)

// Event is emitted on every tally state change and failure.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	VotingID  uint              `json:"voting_id"`
	State     models.TallyState `json:"state"`
	Digest    string            `json:"digest,omitempty"`
	Error     string            `json:"error,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewEvent stamps an event with a fresh ID.
func NewEvent(t EventType, votingID uint, state models.TallyState) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		VotingID:  votingID,
		State:     state,
		Timestamp: time.Now(),
	}
}

// EventPublisher delivers tally events. Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// FanOut publishes to every publisher and logs individual failures.
type FanOut []EventPublisher

// Publish implements EventPublisher.
func (f FanOut) Publish(ctx context.Context, e Event) error {
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			slog.Warn("failed to publish tally event", "type", e.Type, "voting_id", e.VotingID, "error", err)
		}
	}
	return nil
}
