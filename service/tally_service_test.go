package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"evoting-tally/cache"
	"evoting-tally/database"
	"evoting-tally/models"
	"evoting-tally/postproc"
	"evoting-tally/remote"
	"evoting-tally/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeStore struct {
	ballots []models.Ciphertext
	err     error
	token   string
	calls   atomic.Int32
}

func (f *fakeStore) FetchBallots(_ context.Context, _ uint, token string) ([]models.Ciphertext, error) {
	f.calls.Add(1)
	f.token = token
	if f.err != nil {
		return nil, f.err
	}
	return f.ballots, nil
}

type fakeMix struct {
	mu         sync.Mutex
	shuffleErr error
	decryptErr error
	plain      []int64
	delay      time.Duration
	onDecrypt  func()
	shuffles   atomic.Int32
	decrypts   atomic.Int32
	authURL    string
}

func (f *fakeMix) Shuffle(_ context.Context, authURL string, _ uint, msgs []models.CipherPair) ([]models.CipherPair, error) {
	f.shuffles.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authURL = authURL
	if f.shuffleErr != nil {
		return nil, f.shuffleErr
	}
	return msgs, nil
}

func (f *fakeMix) Decrypt(_ context.Context, _ string, _ uint, _ []models.CipherPair) ([]int64, error) {
	time.Sleep(f.delay)
	if f.onDecrypt != nil {
		f.onDecrypt()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	f.decrypts.Add(1)
	return f.plain, nil
}

type fakeSink struct {
	mu   sync.Mutex
	err  error
	reqs []remote.IdentityRequest
}

func (f *fakeSink) Post(_ context.Context, req remote.IdentityRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"received":true}`), nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	repo   *repository.GormVotingRepository
	store  *fakeStore
	mix    *fakeMix
	sink   *fakeSink
	events *recorder
	cache  *cache.HotCache
	svc    *TallyService
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   repository.NewVotingRepository(setupDB(t)),
		store:  &fakeStore{},
		mix:    &fakeMix{},
		sink:   &fakeSink{},
		events: &recorder{},
		cache:  cache.NewHotCache(nil, nil),
	}
	f.svc = NewTallyService(TallyDeps{
		Repo:   f.repo,
		Store:  f.store,
		Mix:    f.mix,
		Sink:   f.sink,
		Locker: cache.NewLocalLocker(),
		Events: f.events,
		Cache:  f.cache,
	})
	return f
}

// createVoting stores a single-choice voting with five options numbered 2..6.
func (f *fixture) createVoting(t *testing.T, method postproc.Method, seats int) *models.Voting {
	t.Helper()
	v := &models.Voting{
		Name:           "test voting",
		PostProcMethod: method,
		Seats:          seats,
		Question: models.Question{
			Desc: "test question",
			Options: []models.QuestionOption{
				{Option: "option 1"}, {Option: "option 2"}, {Option: "option 3"},
				{Option: "option 4"}, {Option: "option 5"},
			},
		},
		Auths: []models.Auth{{Name: "test auth", URL: "http://localhost:8000", Me: true}},
	}
	require.NoError(t, f.repo.Create(context.Background(), v))
	return v
}

// fiveEach casts five ballots for every option 2..6.
func (f *fixture) fiveEach() {
	for n := int64(2); n <= 6; n++ {
		for i := 0; i < 5; i++ {
			f.store.ballots = append(f.store.ballots, models.Ciphertext{A: models.NewBigInt(n * 1000), B: models.NewBigInt(n)})
			f.mix.plain = append(f.mix.plain, n)
		}
	}
}

func (f *fixture) state(t *testing.T, id uint) models.TallyState {
	t.Helper()
	v, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return v.TallyState
}

func retryable503(op string) error {
	return &remote.TransportError{Op: op, StatusCode: http.StatusServiceUnavailable, Retryable: true, Err: remote.ErrUnexpectedStatus}
}

func TestRun_FiveOptionsFiveVotesEach(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodSainteLague, 10)
	f.fiveEach()

	got, err := f.svc.Run(context.Background(), v.ID, "token")
	require.NoError(t, err)

	assert.Equal(t, models.StatePostProcessed, got.TallyState)
	assert.Equal(t, "token", f.store.token)
	assert.Equal(t, "http://localhost:8000", f.mix.authURL)
	assert.Equal(t, TallyDigest(v.ID, f.mix.plain), got.TallyDigest)

	res, ok := got.Results()
	require.True(t, ok)
	assert.Equal(t, int64(25), res.TotalVotes)
	require.Len(t, res.Options, 5)
	for _, o := range res.Options {
		assert.Equal(t, int64(5), o.Votes)
		assert.InDelta(t, 20.0, o.Percentage, 1e-9)
		require.NotNil(t, o.SainteLague)
		assert.Equal(t, 2, *o.SainteLague)
		assert.Nil(t, o.Droop)
	}

	require.Len(t, f.sink.reqs, 1)
	assert.Equal(t, postproc.IdentityType, f.sink.reqs[0].Type)
	assert.Len(t, f.sink.reqs[0].Options, 5)
	assert.JSONEq(t, `{"received":true}`, string(res.Sink))

	assert.Equal(t, []EventType{EventTallyStarted, EventTallyTallied, EventTallyPostProcessed}, f.events.types())

	stored, err := f.repo.Get(context.Background(), v.ID)
	require.NoError(t, err)
	storedRes, ok := stored.Results()
	require.True(t, ok)
	assert.Equal(t, res.TotalVotes, storedRes.TotalVotes)
}

func TestRun_MethodNoneStillPostsIdentity(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodNone, 10)
	f.fiveEach()

	got, err := f.svc.Run(context.Background(), v.ID, "")
	require.NoError(t, err)

	require.Len(t, f.sink.reqs, 1)
	assert.Equal(t, postproc.IdentityType, f.sink.reqs[0].Type)
	res, _ := got.Results()
	for _, o := range res.Options {
		assert.Nil(t, o.DHondt)
		assert.Nil(t, o.SainteLague)
		assert.Nil(t, o.Droop)
	}
}

func TestRun_EmptyStoreGivesZeroCounts(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodDroop, 10)

	got, err := f.svc.Run(context.Background(), v.ID, "")
	require.NoError(t, err)

	res, ok := got.Results()
	require.True(t, ok)
	assert.Equal(t, int64(0), res.TotalVotes)
	for _, o := range res.Options {
		assert.Equal(t, int64(0), o.Votes)
		assert.Equal(t, 0.0, o.Percentage)
		require.NotNil(t, o.Droop)
		assert.Equal(t, 0, *o.Droop)
	}
}

func TestRun_ShuffleFailureLeavesTallyingThenRetryCompletes(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodDHondt, 3)
	f.fiveEach()
	f.mix.shuffleErr = retryable503("mixnet.shuffle")

	_, err := f.svc.Run(context.Background(), v.ID, "")
	require.Error(t, err)
	assert.True(t, remote.IsRetryable(err))
	assert.Equal(t, models.StateTallying, f.state(t, v.ID))
	assert.Equal(t, int32(0), f.mix.decrypts.Load())
	assert.Empty(t, f.sink.reqs)
	assert.Contains(t, f.events.types(), EventTallyFailed)

	f.mix.shuffleErr = nil
	got, err := f.svc.Run(context.Background(), v.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatePostProcessed, got.TallyState)
	assert.Equal(t, int32(1), f.mix.decrypts.Load())
}

func TestRun_AuthorityFailureIsNotRetryable(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodNone, 10)
	f.mix.decryptErr = &remote.TransportError{Op: "mixnet.decrypt", StatusCode: http.StatusBadRequest, Err: remote.ErrUnexpectedStatus}

	_, err := f.svc.Run(context.Background(), v.ID, "")

	require.Error(t, err)
	assert.False(t, remote.IsRetryable(err))
	assert.True(t, remote.IsTransportError(err))
	assert.Equal(t, models.StateTallying, f.state(t, v.ID))
}

func TestRun_SinkFailureResumesWithoutDecryptingAgain(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodDroop, 10)
	f.fiveEach()
	f.sink.err = retryable503("sink.post")

	_, err := f.svc.Run(context.Background(), v.ID, "")
	require.Error(t, err)
	assert.Equal(t, models.StateTallied, f.state(t, v.ID))
	assert.Equal(t, int32(1), f.mix.decrypts.Load())

	f.sink.err = nil
	got, err := f.svc.Run(context.Background(), v.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatePostProcessed, got.TallyState)
	assert.Equal(t, int32(1), f.mix.decrypts.Load())
	assert.Equal(t, int32(1), f.store.calls.Load())
}

func TestRun_PostProcessedIsNoOp(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodNone, 10)
	f.fiveEach()

	_, err := f.svc.Run(context.Background(), v.ID, "")
	require.NoError(t, err)
	stored, err := f.repo.Get(context.Background(), v.ID)
	require.NoError(t, err)

	again, err := f.svc.Run(context.Background(), v.ID, "")
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.store.calls.Load())
	assert.Equal(t, int32(1), f.mix.shuffles.Load())
	assert.Equal(t, int32(1), f.mix.decrypts.Load())
	assert.Len(t, f.sink.reqs, 1)
	assert.Equal(t, stored.TallyDigest, again.TallyDigest)
	assert.Equal(t, []int64(stored.Tally), []int64(again.Tally))
}

func TestRun_ConcurrentTriggersTallyOnce(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodSainteLague, 10)
	f.fiveEach()
	f.mix.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	var inProgress atomic.Int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Run(context.Background(), v.ID, "")
			if err != nil {
				assert.ErrorIs(t, err, ErrTallyInProgress)
				inProgress.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.mix.decrypts.Load())
	assert.Len(t, f.sink.reqs, 1)
	assert.Equal(t, models.StatePostProcessed, f.state(t, v.ID))
}

func TestRun_LosingCommitContinuesFromStoredTally(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodNone, 10)
	f.fiveEach()
	// another instance, not sharing our lock, commits while we decrypt
	f.mix.onDecrypt = func() {
		require.NoError(t, f.repo.CommitTally(context.Background(), v.ID, []int64{2, 3}, "other"))
	}

	got, err := f.svc.Run(context.Background(), v.ID, "")
	require.NoError(t, err)

	assert.Equal(t, models.StatePostProcessed, got.TallyState)
	assert.Equal(t, "other", got.TallyDigest)
	res, _ := got.Results()
	assert.Equal(t, int64(2), res.TotalVotes)
	assert.NotContains(t, f.events.types(), EventTallyTallied)
}

func TestRun_NoMixAuthority(t *testing.T) {
	f := newFixture(t)
	v := &models.Voting{
		Name:     "no auths",
		Question: models.Question{Desc: "q", Options: []models.QuestionOption{{Option: "a"}}},
	}
	require.NoError(t, f.repo.Create(context.Background(), v))

	_, err := f.svc.Run(context.Background(), v.ID, "")

	assert.ErrorIs(t, err, ErrNoMixAuthority)
	assert.Equal(t, models.StateOpen, f.state(t, v.ID))
}

type downLocker struct{}

func (downLocker) TryLock(context.Context, string, time.Duration) (func(), error) {
	return nil, fmt.Errorf("%w: dial tcp 127.0.0.1:6379: connection refused", cache.ErrLockUnavailable)
}

func TestRun_LockBackendDownIsNotInProgress(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodNone, 10)
	svc := NewTallyService(TallyDeps{Repo: f.repo, Store: f.store, Mix: f.mix, Sink: f.sink, Locker: downLocker{}})

	_, err := svc.Run(context.Background(), v.ID, "")

	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrLockUnavailable)
	assert.NotErrorIs(t, err, ErrTallyInProgress)
	assert.Equal(t, models.StateOpen, f.state(t, v.ID))
	assert.Zero(t, f.store.calls.Load())
}

func TestRun_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Run(context.Background(), 4242, "")
	assert.ErrorIs(t, err, ErrVotingNotFound)
}

func TestRun_InvalidatesResultsCache(t *testing.T) {
	f := newFixture(t)
	v := f.createVoting(t, postproc.MethodNone, 10)
	f.fiveEach()
	votings := NewVotingService(f.repo, f.cache, time.Minute)

	_, err := votings.Results(context.Background(), v.ID)
	assert.ErrorIs(t, err, ErrResultsNotReady)

	_, err = f.svc.Run(context.Background(), v.ID, "")
	require.NoError(t, err)

	data, err := votings.Results(context.Background(), v.ID)
	require.NoError(t, err)
	var payload models.PostProcPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, int64(25), payload.TotalVotes)
}

func TestTallyDigest(t *testing.T) {
	a := TallyDigest(1, []int64{2, 3})
	assert.Len(t, a, 64)
	assert.Equal(t, a, TallyDigest(1, []int64{2, 3}))
	assert.NotEqual(t, a, TallyDigest(1, []int64{3, 2}))
	assert.NotEqual(t, a, TallyDigest(2, []int64{2, 3}))
	assert.NotEqual(t, TallyDigest(1, []int64{23}), TallyDigest(1, []int64{2, 3}))
}
