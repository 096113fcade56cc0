package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"evoting-tally/cache"
	"evoting-tally/database"
	"evoting-tally/models"
	"evoting-tally/mq"
	"evoting-tally/repository"
	"evoting-tally/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeTallier records triggers and returns a canned outcome.
type fakeTallier struct {
	mu     sync.Mutex
	err    error
	voting *models.Voting
	calls  int
	token  string
}

func (f *fakeTallier) Run(_ context.Context, votingID uint, token string) (*models.Voting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.token = token
	if f.err != nil {
		return nil, f.err
	}
	if f.voting != nil {
		return f.voting, nil
	}
	return &models.Voting{Model: gorm.Model{ID: votingID}, TallyState: models.StatePostProcessed}, nil
}

type testEnv struct {
	router  *gin.Engine
	db      *gorm.DB
	repo    repository.VotingRepository
	tallier *fakeTallier
	queue   *mq.MemoryQueue
}

// SetupTestEnvironment sets up the Gin router and in-memory SQLite database for testing.
func SetupTestEnvironment(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	env := &testEnv{
		db:      db,
		repo:    repository.NewVotingRepository(db),
		tallier: &fakeTallier{},
		queue:   mq.NewMemoryQueue(mq.Options{}),
	}
	t.Cleanup(env.queue.Stop)

	votings := service.NewVotingService(env.repo, cache.NewHotCache(nil, nil), 0)
	vh := NewVotingHandler(votings)
	th := NewTallyHandler(votings, env.tallier, env.queue)
	sh := NewStatusHandler(db, env.queue)

	router := gin.New()
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	router.Use(cors.New(config))

	api := router.Group("/api")
	{
		api.GET("/health", HealthCheck)
		api.GET("/status", sh.SystemStatus)
		api.POST("/apportionment", Apportion)
		api.POST("/votings", vh.CreateVoting)
		api.GET("/votings", vh.ListVotings)
		api.GET("/votings/:id", vh.GetVoting)
		api.PUT("/votings/:id/postproc", vh.UpdatePostProc)
		api.GET("/votings/:id/results", vh.GetResults)
		api.POST("/votings/:id/tally", th.TriggerTally)
		api.POST("/admin/tally/dead-letters/retry", th.RetryDeadLetters)
	}
	env.router = router
	return env
}

// seedVoting stores a single-choice voting with three options numbered 2..4.
func (e *testEnv) seedVoting(t *testing.T) *models.Voting {
	t.Helper()
	v := &models.Voting{
		Name:  "board election",
		Seats: 4,
		Question: models.Question{
			Desc:    "who should sit on the board?",
			Options: []models.QuestionOption{{Option: "alpha"}, {Option: "beta"}, {Option: "gamma"}},
		},
		Auths: []models.Auth{{Name: "mixnet", URL: "http://mixnet.local", Me: true}},
	}
	require.NoError(t, e.repo.Create(context.Background(), v))
	return v
}

// finish drives a voting to postprocessed through the repository.
func (e *testEnv) finish(t *testing.T, id uint, payload models.PostProcPayload) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.repo.TransitionState(ctx, id, models.StateTallying, models.StateOpen))
	require.NoError(t, e.repo.CommitTally(ctx, id, []int64{2, 2, 3}, "digest"))
	require.NoError(t, e.repo.CommitPostProc(ctx, id, payload))
}
