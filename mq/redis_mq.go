package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys of the tally job queue.
const (
	MainQueueName       = "tally_queue"
	ProcessingQueueName = "tally_processing"
	ProcessingSinceName = "tally_processing_since" // ZSET raw job -> pop time (unix seconds)
	DelayedSetName      = "tally_delayed"
	DeadLetterQueueName = "tally_dead_letter"
)

// RedisMQ is a reliable job queue on Redis lists. Jobs move atomically from
// the main list to a processing list while they run; retries wait in a
// sorted set scored by due time.
type RedisMQ struct {
	client            *redis.Client
	handler           Handler
	processingTimeout time.Duration
	retryDelay        time.Duration
	maxRetries        int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	jobs     sync.WaitGroup
}

func NewRedisMQ(client *redis.Client, opts Options) *RedisMQ {
	opts = opts.withDefaults()
	return &RedisMQ{
		client:            client,
		processingTimeout: opts.ProcessingTimeout,
		retryDelay:        opts.RetryDelay,
		maxRetries:        opts.MaxRetries,
	}
}

// Enqueue implements Queue.
func (r *RedisMQ) Enqueue(ctx context.Context, job TallyJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := r.client.LPush(ctx, MainQueueName, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	slog.Info("tally job enqueued", "queue", MainQueueName, "message_id", job.MessageID, "voting_id", job.VotingID)
	return nil
}

// Start implements Queue.
func (r *RedisMQ) Start(handler Handler) error {
	if handler == nil {
		return errors.New("queue handler not registered")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.handler = handler
	r.running = true
	r.stopChan = make(chan struct{})

	r.wg.Add(3)
	go r.consumeLoop()
	go r.delayedLoop()
	go r.timeoutCheckLoop()

	slog.Info("redis tally queue consumer started")
	return nil
}

// Stop implements Queue. Running jobs are waited for.
func (r *RedisMQ) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()
	r.jobs.Wait()
	slog.Info("redis tally queue consumer stopped")
}

func (r *RedisMQ) consumeLoop() {
	defer r.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-r.stopChan:
			return
		default:
		}

		raw, err := r.client.BRPopLPush(ctx, MainQueueName, ProcessingQueueName, time.Second).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				slog.Error("failed to pop tally job", "error", err)
				time.Sleep(time.Second)
			}
			continue
		}

		if err := r.client.ZAdd(ctx, ProcessingSinceName, redis.Z{Score: float64(time.Now().Unix()), Member: raw}).Err(); err != nil {
			slog.Warn("failed to stamp tally job", "error", err)
		}

		r.jobs.Add(1)
		go func() {
			defer r.jobs.Done()
			r.processMessage(ctx, raw)
		}()
	}
}

func (r *RedisMQ) processMessage(ctx context.Context, raw string) {
	defer func() {
		r.client.LRem(ctx, ProcessingQueueName, 1, raw)
		r.client.ZRem(ctx, ProcessingSinceName, raw)
	}()

	var job TallyJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		slog.Error("undecodable tally job", "error", err)
		r.client.LPush(ctx, DeadLetterQueueName, raw)
		return
	}

	log := slog.With("message_id", job.MessageID, "voting_id", job.VotingID, "attempt", job.Attempt)
	err := r.handler(ctx, job)
	action := Decide(err, job.Attempt, r.maxRetries)
	switch action {
	case ActionAck:
		log.Info("tally job done")
	case ActionRetry:
		r.scheduleRetry(ctx, job, err)
	case ActionDeadLetter:
		log.Error("tally job dead-lettered", "error", err)
		r.client.LPush(ctx, DeadLetterQueueName, raw)
	}
}

func (r *RedisMQ) scheduleRetry(ctx context.Context, job TallyJob, cause error) {
	delay := Backoff(r.retryDelay, job.Attempt)
	job.Attempt++
	job.Timestamp = time.Now().Unix()
	data, _ := json.Marshal(job)

	due := float64(time.Now().Add(delay).UnixMilli())
	if err := r.client.ZAdd(ctx, DelayedSetName, redis.Z{Score: due, Member: string(data)}).Err(); err != nil {
		slog.Error("failed to schedule retry", "message_id", job.MessageID, "error", err)
		return
	}
	slog.Warn("tally job scheduled for retry", "message_id", job.MessageID, "voting_id", job.VotingID,
		"attempt", job.Attempt, "delay", delay, "error", cause)
}

func (r *RedisMQ) delayedLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.promoteDue(context.Background())
		}
	}
}

func (r *RedisMQ) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := r.client.ZRangeByScore(ctx, DelayedSetName, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		slog.Error("failed to read delayed jobs", "error", err)
		return
	}
	for _, raw := range due {
		// whoever removes the member owns it
		removed, err := r.client.ZRem(ctx, DelayedSetName, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := r.client.LPush(ctx, MainQueueName, raw).Err(); err != nil {
			slog.Error("failed to requeue delayed job", "error", err)
		}
	}
}

func (r *RedisMQ) timeoutCheckLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.checkTimeouts(context.Background())
		}
	}
}

// checkTimeouts recovers jobs left in the processing list by a crashed worker.
func (r *RedisMQ) checkTimeouts(ctx context.Context) {
	messages, err := r.client.LRange(ctx, ProcessingQueueName, 0, -1).Result()
	if err != nil {
		slog.Error("failed to read processing list", "error", err)
		return
	}

	now := time.Now().Unix()
	for _, raw := range messages {
		var job TallyJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		var startedAt int64
		if score, err := r.client.ZScore(ctx, ProcessingSinceName, raw).Result(); err == nil {
			startedAt = int64(score)
		}
		if !stale(job, startedAt, now, r.processingTimeout) {
			continue
		}
		removed, err := r.client.LRem(ctx, ProcessingQueueName, 1, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		r.client.ZRem(ctx, ProcessingSinceName, raw)
		if job.Attempt >= r.maxRetries {
			slog.Error("stale tally job dead-lettered", "message_id", job.MessageID, "voting_id", job.VotingID)
			r.client.LPush(ctx, DeadLetterQueueName, raw)
			continue
		}
		r.scheduleRetry(ctx, job, errors.New("processing timeout"))
	}
}

// RetryDeadLetters implements Queue.
func (r *RedisMQ) RetryDeadLetters(ctx context.Context) (int, error) {
	messages, err := r.client.LRange(ctx, DeadLetterQueueName, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read dead letters: %w", err)
	}

	count := 0
	for _, raw := range messages {
		var job TallyJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		removed, err := r.client.LRem(ctx, DeadLetterQueueName, 1, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		job.Attempt = 0
		job.Timestamp = time.Now().Unix()
		if err := r.Enqueue(ctx, job); err != nil {
			slog.Error("failed to requeue dead letter", "message_id", job.MessageID, "error", err)
			continue
		}
		count++
	}
	slog.Info("dead letters requeued", "count", count)
	return count, nil
}

// Stats implements Queue.
func (r *RedisMQ) Stats(ctx context.Context) map[string]any {
	mainLen, _ := r.client.LLen(ctx, MainQueueName).Result()
	procLen, _ := r.client.LLen(ctx, ProcessingQueueName).Result()
	delayed, _ := r.client.ZCard(ctx, DelayedSetName).Result()
	deadLen, _ := r.client.LLen(ctx, DeadLetterQueueName).Result()
	return map[string]any{
		"type":              "redis",
		"main_queue":        mainLen,
		"processing_queue":  procLen,
		"delayed":           delayed,
		"dead_letter_queue": deadLen,
	}
}

// stale reports whether a job has been processing for longer than timeout.
// startedAt is the pop time; 0 means the stamp is missing and the enqueue
// time is used instead.
func stale(job TallyJob, startedAt, now int64, timeout time.Duration) bool {
	if startedAt == 0 {
		startedAt = job.Timestamp
	}
	return now-startedAt > int64(timeout.Seconds())
}
