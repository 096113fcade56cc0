package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"evoting-tally/apportion"
	"evoting-tally/cache"
	"evoting-tally/models"
	"evoting-tally/postproc"
	"evoting-tally/remote"
	"evoting-tally/repository"

	"gorm.io/datatypes"
)

var (
	// ErrVotingNotFound the voting does not exist
	ErrVotingNotFound = repository.ErrVotingNotFound
	// ErrTallyInProgress another worker is tallying the voting
	ErrTallyInProgress = errors.New("tally already in progress")
	// ErrNoMixAuthority the voting has no authority to shuffle and decrypt
	ErrNoMixAuthority = errors.New("voting has no mix authority")
)

// Invalidator drops cached renderings of a voting.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// LockName is the per-voting tally lock.
func LockName(votingID uint) string {
	return fmt.Sprintf("tally:voting:%d", votingID)
}

// ResultsKey is the cache key of a voting's post-processed results.
func ResultsKey(votingID uint) string {
	return fmt.Sprintf("results:voting:%d", votingID)
}

// TallyDeps are the collaborators of TallyService. Locker, Events and Cache
// are optional.
type TallyDeps struct {
	Repo    repository.VotingRepository
	Store   remote.BallotStore
	Mix     remote.MixAuthority
	Sink    remote.ResultSink
	Locker  cache.Locker
	Events  EventPublisher
	Cache   Invalidator
	LockTTL time.Duration
}

// TallyService drives a voting through open → tallying → tallied →
// postprocessed. Each commit is a compare-and-set on the voting's state, so
// the decrypted tally and the post-processed payload are written at most once.
type TallyService struct {
	repo    repository.VotingRepository
	store   remote.BallotStore
	mix     remote.MixAuthority
	sink    remote.ResultSink
	locker  cache.Locker
	events  EventPublisher
	cache   Invalidator
	lockTTL time.Duration
	log     *slog.Logger
}

func NewTallyService(deps TallyDeps) *TallyService {
	s := &TallyService{
		repo:    deps.Repo,
		store:   deps.Store,
		mix:     deps.Mix,
		sink:    deps.Sink,
		locker:  deps.Locker,
		events:  deps.Events,
		cache:   deps.Cache,
		lockTTL: deps.LockTTL,
		log:     slog.Default().With("component", "tally"),
	}
	if s.locker == nil {
		s.locker = cache.NewLocalLocker()
	}
	if s.events == nil {
		s.events = FanOut(nil)
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 10 * time.Minute
	}
	return s
}

// Run advances the voting as far as it can go. Re-running a completed voting
// is a no-op; a voting left in tallying or tallied resumes where it stopped.
// token is forwarded to the ballot store.
func (s *TallyService) Run(ctx context.Context, votingID uint, token string) (*models.Voting, error) {
	unlock, err := s.locker.TryLock(ctx, LockName(votingID), s.lockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLockNotAcquired) {
			return nil, ErrTallyInProgress
		}
		return nil, fmt.Errorf("acquire tally lock: %w", err)
	}
	defer unlock()

	v, err := s.repo.Get(ctx, votingID)
	if err != nil {
		return nil, err
	}
	log := s.log.With("voting_id", votingID)

	if v.TallyState == models.StatePostProcessed {
		log.Info("voting already post-processed")
		return v, nil
	}

	if v.TallyState == models.StateOpen || v.TallyState == models.StateTallying {
		if _, ok := v.PrimaryAuth(); !ok {
			return nil, ErrNoMixAuthority
		}
	}

	if v.TallyState == models.StateOpen {
		if err := s.repo.TransitionState(ctx, v.ID, models.StateTallying, models.StateOpen); err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				return nil, ErrTallyInProgress
			}
			return nil, err
		}
		v.TallyState = models.StateTallying
		log.Info("tally started")
		s.publish(ctx, NewEvent(EventTallyStarted, v.ID, v.TallyState))
	}

	if v.TallyState == models.StateTallying {
		if err := s.tally(ctx, v, token); err != nil {
			return nil, s.fail(ctx, v, err)
		}
	}

	if v.TallyState == models.StateTallied {
		if err := s.postProcess(ctx, v); err != nil {
			return nil, s.fail(ctx, v, err)
		}
	}

	return v, nil
}

// tally fetches, shuffles and decrypts the ballots and commits the result.
func (s *TallyService) tally(ctx context.Context, v *models.Voting, token string) error {
	auth, _ := v.PrimaryAuth()

	ballots, err := s.store.FetchBallots(ctx, v.ID, token)
	if err != nil {
		return fmt.Errorf("fetch ballots: %w", err)
	}

	shuffled, err := s.mix.Shuffle(ctx, auth.URL, v.ID, models.Pairs(ballots))
	if err != nil {
		return fmt.Errorf("shuffle: %w", err)
	}

	plain, err := s.mix.Decrypt(ctx, auth.URL, v.ID, shuffled)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	digest := TallyDigest(v.ID, plain)
	if err := s.repo.CommitTally(ctx, v.ID, plain, digest); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			// committed concurrently; carry on from the stored tally
			return s.reload(ctx, v)
		}
		return fmt.Errorf("commit tally: %w", err)
	}

	now := time.Now()
	v.Tally = plain
	v.TallyDigest = digest
	v.TalliedAt = &now
	v.TallyState = models.StateTallied

	s.log.Info("tally committed", "voting_id", v.ID, "ballots", len(ballots), "digest", digest)
	e := NewEvent(EventTallyTallied, v.ID, v.TallyState)
	e.Digest = digest
	s.publish(ctx, e)
	return nil
}

// postProcess counts, forwards IDENTITY to the sink and applies the
// configured apportionment.
func (s *TallyService) postProcess(ctx context.Context, v *models.Voting) error {
	opts := v.CountVotes()

	sinkResp, err := s.sink.Post(ctx, remote.IdentityRequest{Type: postproc.IdentityType, Options: opts})
	if err != nil {
		return fmt.Errorf("post results: %w", err)
	}

	results, err := postproc.ApplyConfigured(ctx, v.VotingType, v.PostProcMethod, opts, v.Seats)
	if err != nil {
		return err
	}

	payload := models.PostProcPayload{
		Type:       postproc.IdentityType,
		Method:     v.PostProcMethod,
		Seats:      v.Seats,
		TotalVotes: apportion.TotalVotes(opts),
		Options:    results,
		Sink:       sinkResp,
	}
	if err := s.repo.CommitPostProc(ctx, v.ID, payload); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return s.reload(ctx, v)
		}
		return fmt.Errorf("commit results: %w", err)
	}

	now := time.Now()
	v.PostProc = datatypes.NewJSONType(payload)
	v.PostProcessedAt = &now
	v.TallyState = models.StatePostProcessed

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, ResultsKey(v.ID)); err != nil {
			s.log.Warn("failed to invalidate results cache", "voting_id", v.ID, "error", err)
		}
	}

	s.log.Info("results committed", "voting_id", v.ID, "method", v.PostProcMethod, "total_votes", payload.TotalVotes)
	s.publish(ctx, NewEvent(EventTallyPostProcessed, v.ID, v.TallyState))
	return nil
}

func (s *TallyService) reload(ctx context.Context, v *models.Voting) error {
	fresh, err := s.repo.Get(ctx, v.ID)
	if err != nil {
		return err
	}
	*v = *fresh
	return nil
}

func (s *TallyService) fail(ctx context.Context, v *models.Voting, err error) error {
	retryable := remote.IsRetryable(err)
	s.log.Error("tally step failed", "voting_id", v.ID, "state", v.TallyState, "retryable", retryable, "error", err)

	e := NewEvent(EventTallyFailed, v.ID, v.TallyState)
	e.Error = err.Error()
	e.Retryable = retryable
	s.publish(ctx, e)
	return err
}

func (s *TallyService) publish(ctx context.Context, e Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("failed to publish tally event", "type", e.Type, "voting_id", e.VotingID, "error", err)
	}
}
