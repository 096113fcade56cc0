package mq

import (
	"context"
	"errors"
	"time"

	"evoting-tally/postproc"
	"evoting-tally/remote"
	"evoting-tally/service"

	"github.com/google/uuid"
)

// TallyJob asks a worker to run the tally of one voting.
type TallyJob struct {
	MessageID string `json:"message_id"`
	VotingID  uint   `json:"voting_id"`
	Token     string `json:"token,omitempty"`
	Attempt   int    `json:"attempt"`
	Timestamp int64  `json:"timestamp"`
}

// NewTallyJob creates a first attempt job.
func NewTallyJob(votingID uint, token string) TallyJob {
	return TallyJob{
		MessageID: uuid.NewString(),
		VotingID:  votingID,
		Token:     token,
		Timestamp: time.Now().Unix(),
	}
}

// Handler processes one job. A nil error acknowledges it.
type Handler func(ctx context.Context, job TallyJob) error

// Action is what the queue does with a job after its handler returned.
type Action int

const (
	ActionAck Action = iota
	ActionRetry
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decide maps a handler result to a queue action. Transient failures are
// retried until maxRetries; configuration and authority failures are
// dead-lettered at once.
func Decide(err error, attempt, maxRetries int) Action {
	switch {
	case err == nil:
		return ActionAck
	case errors.Is(err, service.ErrTallyInProgress):
		// the worker holding the lock owns the outcome
		return ActionAck
	case errors.Is(err, service.ErrVotingNotFound),
		errors.Is(err, service.ErrNoMixAuthority),
		postproc.IsConfigError(err),
		remote.IsTransportError(err) && !remote.IsRetryable(err):
		return ActionDeadLetter
	}
	if attempt >= maxRetries {
		return ActionDeadLetter
	}
	return ActionRetry
}

// maxBackoff caps the retry delay.
const maxBackoff = time.Hour

// Backoff is the delay before retry number attempt+1: base * 2^attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
