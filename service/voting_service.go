package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"evoting-tally/models"
	"evoting-tally/postproc"
	"evoting-tally/repository"
)

var (
	// ErrResultsNotReady the voting has not been post-processed yet
	ErrResultsNotReady = errors.New("results not computed yet")
	// ErrAlreadyPostProcessed the configuration is frozen once results exist
	ErrAlreadyPostProcessed = errors.New("voting already post-processed")
)

// ResultsCache is the read-through cache used for rendered results.
type ResultsCache interface {
	GetWithCache(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) ([]byte, error)) ([]byte, error)
}

// VotingService handles voting configuration and result reads.
type VotingService struct {
	repo       repository.VotingRepository
	results    ResultsCache
	resultsTTL time.Duration
}

// NewVotingService creates the service. results may be nil.
func NewVotingService(repo repository.VotingRepository, results ResultsCache, resultsTTL time.Duration) *VotingService {
	return &VotingService{repo: repo, results: results, resultsTTL: resultsTTL}
}

// Create validates and stores a new voting.
func (s *VotingService) Create(ctx context.Context, v *models.Voting) error {
	if err := postproc.ValidateSeats(v.Seats); err != nil {
		return err
	}
	if v.VotingType == "" {
		v.VotingType = postproc.SingleChoice
	}
	if v.PostProcMethod == "" {
		v.PostProcMethod = postproc.MethodNone
	}
	if err := postproc.Validate(v.VotingType, v.PostProcMethod); err != nil {
		return err
	}
	v.TallyState = models.StateOpen
	return s.repo.Create(ctx, v)
}

// Get returns a voting with its question and authorities.
func (s *VotingService) Get(ctx context.Context, id uint) (*models.Voting, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of votings.
func (s *VotingService) List(ctx context.Context, offset, limit int) ([]models.Voting, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, offset, limit)
}

// UpdatePostProc changes the apportionment method and seats. The gate runs
// before anything is written.
func (s *VotingService) UpdatePostProc(ctx context.Context, id uint, method postproc.Method, seats int) (*models.Voting, error) {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.TallyState == models.StatePostProcessed {
		return nil, ErrAlreadyPostProcessed
	}
	if err := postproc.ValidateSeats(seats); err != nil {
		return nil, err
	}
	if err := postproc.Validate(v.VotingType, method); err != nil {
		return nil, err
	}
	if err := s.repo.UpdatePostProcConfig(ctx, id, method, seats); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, ErrAlreadyPostProcessed
		}
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// Results returns the post-processed payload as JSON.
func (s *VotingService) Results(ctx context.Context, id uint) ([]byte, error) {
	load := func(ctx context.Context) ([]byte, error) {
		v, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		payload, ok := v.Results()
		if !ok {
			return nil, ErrResultsNotReady
		}
		return json.Marshal(payload)
	}
	if s.results == nil {
		return load(ctx)
	}
	return s.results.GetWithCache(ctx, ResultsKey(id), s.resultsTTL, load)
}
