// Package app assembles the tally backend from its configuration.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"evoting-tally/cache"
	"evoting-tally/config"
	"evoting-tally/database"
	"evoting-tally/mq"
	"evoting-tally/remote"
	"evoting-tally/repository"
	"evoting-tally/service"
	"evoting-tally/websocket"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// App holds every long-lived component of the process.
type App struct {
	Config  config.Config
	DB      *gorm.DB
	Redis   *redis.Client
	Hub     *websocket.Hub
	Votings *service.VotingService
	Tally   *service.TallyService
	Queue   mq.Queue
	Limiter cache.RateLimiter

	rocket *mq.RocketPublisher
}

// NewLogger installs the process-wide slog logger.
func NewLogger(env string) *slog.Logger {
	var h slog.Handler
	if env == "development" {
		h = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// New connects to the database and Redis and wires the services. Redis and
// RocketMQ are optional; without them the process falls back to local
// locks, caches and an in-memory queue.
func New(cfg config.Config) (*App, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}

	rdb := cache.Connect(cfg)
	locker := cache.NewLocker(rdb)
	results := cache.NewHotCache(rdb, locker)

	httpClient := &http.Client{}
	store := remote.NewHTTPBallotStore(cfg.StoreURL, cfg.StoreToken, cfg.RemoteTimeout, httpClient)
	mix := remote.NewHTTPMixAuthority(cfg.RemoteTimeout, httpClient)
	sink := remote.NewHTTPResultSink(cfg.PostprocURL, cfg.RemoteTimeout, httpClient)

	hub := websocket.NewHub()
	events := service.FanOut{hub}

	rocket, err := mq.NewRocketPublisher(cfg.RocketMQNameServer)
	switch {
	case err == nil:
		events = append(events, rocket)
	case errors.Is(err, mq.ErrRocketMQDisabled):
	default:
		slog.Warn("rocketmq unavailable, events stay local", "error", err)
	}

	repo := repository.NewVotingRepository(db)
	a := &App{
		Config:  cfg,
		DB:      db,
		Redis:   rdb,
		Hub:     hub,
		Votings: service.NewVotingService(repo, results, cfg.ResultsCacheTTL),
		Tally: service.NewTallyService(service.TallyDeps{
			Repo:    repo,
			Store:   store,
			Mix:     mix,
			Sink:    sink,
			Locker:  locker,
			Events:  events,
			Cache:   results,
			LockTTL: cfg.TallyLockTTL,
		}),
		Queue: mq.NewQueue(rdb, mq.Options{
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: cfg.QueueRetryDelay,
		}),
		rocket: rocket,
	}
	if cfg.RateLimitEnabled {
		a.Limiter = cache.NewRateLimiter(rdb, "tally_api", cfg.RateLimit, cfg.RateBurst)
	}
	return a, nil
}

// HandleJob is the queue handler running one tally job.
func (a *App) HandleJob(ctx context.Context, job mq.TallyJob) error {
	_, err := a.Tally.Run(ctx, job.VotingID, job.Token)
	return err
}

// Start runs the websocket hub and the queue consumer until ctx is done.
func (a *App) Start(ctx context.Context) error {
	go a.Hub.Run(ctx)
	return a.Queue.Start(a.HandleJob)
}

// Close stops the consumer and releases every connection.
func (a *App) Close() {
	a.Queue.Stop()
	if a.rocket != nil {
		a.rocket.Close()
	}
	cache.Close(a.Redis)
	database.Close(a.DB)
}
