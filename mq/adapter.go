package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue carries tally jobs to workers.
type Queue interface {
	Enqueue(ctx context.Context, job TallyJob) error
	Start(handler Handler) error
	Stop()
	RetryDeadLetters(ctx context.Context) (int, error)
	Stats(ctx context.Context) map[string]any
}

// Options tune retries for both queue implementations.
type Options struct {
	MaxRetries        int
	RetryDelay        time.Duration
	ProcessingTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = 15 * time.Minute
	}
	return o
}

// NewQueue returns the Redis queue when client is set and an in-process
// queue otherwise.
func NewQueue(client *redis.Client, opts Options) Queue {
	if client == nil {
		slog.Warn("redis unavailable, tally jobs run in memory mode")
		return NewMemoryQueue(opts)
	}
	return NewRedisMQ(client, opts)
}

// ErrQueueStopped the queue no longer accepts jobs
var ErrQueueStopped = errors.New("queue stopped")

// MemoryQueue is a process-local Queue. Jobs do not survive a restart.
type MemoryQueue struct {
	opts Options

	mu      sync.Mutex
	handler Handler
	jobs    chan TallyJob
	dead    []TallyJob
	timers  map[*time.Timer]struct{}
	running bool
	stopped bool
	wg      sync.WaitGroup
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:   opts.withDefaults(),
		jobs:   make(chan TallyJob, 256),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, job TallyJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	select {
	case q.jobs <- job:
		slog.Info("tally job enqueued", "queue", "memory", "message_id", job.MessageID, "voting_id", job.VotingID)
		return nil
	default:
		return errors.New("memory queue full")
	}
}

// Start implements Queue.
func (q *MemoryQueue) Start(handler Handler) error {
	if handler == nil {
		return errors.New("queue handler not registered")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	q.handler = handler
	q.running = true

	q.wg.Add(1)
	go q.consumeLoop()
	return nil
}

func (q *MemoryQueue) consumeLoop() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.process(job)
	}
}

func (q *MemoryQueue) process(job TallyJob) {
	err := q.handler(context.Background(), job)
	switch Decide(err, job.Attempt, q.opts.MaxRetries) {
	case ActionAck:
		slog.Info("tally job done", "message_id", job.MessageID, "voting_id", job.VotingID)
	case ActionRetry:
		delay := Backoff(q.opts.RetryDelay, job.Attempt)
		job.Attempt++
		job.Timestamp = time.Now().Unix()
		slog.Warn("tally job scheduled for retry", "message_id", job.MessageID, "voting_id", job.VotingID,
			"attempt", job.Attempt, "delay", delay, "error", err)
		q.after(delay, job)
	case ActionDeadLetter:
		slog.Error("tally job dead-lettered", "message_id", job.MessageID, "voting_id", job.VotingID, "error", err)
		q.mu.Lock()
		q.dead = append(q.dead, job)
		q.mu.Unlock()
	}
}

func (q *MemoryQueue) after(delay time.Duration, job TallyJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		if err := q.Enqueue(context.Background(), job); err != nil {
			slog.Error("failed to requeue tally job", "message_id", job.MessageID, "error", err)
		}
	})
	q.timers[t] = struct{}{}
}

// Stop implements Queue. Pending retries are dropped.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}

// RetryDeadLetters implements Queue.
func (q *MemoryQueue) RetryDeadLetters(ctx context.Context) (int, error) {
	q.mu.Lock()
	dead := q.dead
	q.dead = nil
	q.mu.Unlock()

	count := 0
	for _, job := range dead {
		job.Attempt = 0
		if err := q.Enqueue(ctx, job); err != nil {
			q.mu.Lock()
			q.dead = append(q.dead, job)
			q.mu.Unlock()
			continue
		}
		count++
	}
	return count, nil
}

// Stats implements Queue.
func (q *MemoryQueue) Stats(_ context.Context) map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]any{
		"type":              "memory",
		"main_queue":        len(q.jobs),
		"delayed":           len(q.timers),
		"dead_letter_queue": len(q.dead),
	}
}

// DeadLetters returns a copy of the dead-lettered jobs.
func (q *MemoryQueue) DeadLetters() []TallyJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]TallyJob(nil), q.dead...)
}
