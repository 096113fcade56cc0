package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evoting-tally/models"
	"evoting-tally/postproc"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrVotingNotFound the voting does not exist
	ErrVotingNotFound = errors.New("voting not found")
	// ErrStateConflict the voting is not in the state the caller expected
	ErrStateConflict = errors.New("voting tally state conflict")
)

// VotingRepository is the persistence boundary of the tally pipeline.
// State changes are compare-and-set on tally_state so that two workers can
// never both commit a tally or a post-processed result.
type VotingRepository interface {
	Create(ctx context.Context, v *models.Voting) error
	Get(ctx context.Context, id uint) (*models.Voting, error)
	List(ctx context.Context, offset, limit int) ([]models.Voting, error)
	Exists(ctx context.Context, id uint) (bool, error)
	UpdatePostProcConfig(ctx context.Context, id uint, method postproc.Method, seats int) error

	TransitionState(ctx context.Context, id uint, to models.TallyState, from ...models.TallyState) error
	CommitTally(ctx context.Context, id uint, tally []int64, digest string) error
	CommitPostProc(ctx context.Context, id uint, payload models.PostProcPayload) error
}

// GormVotingRepository implements VotingRepository on gorm.
type GormVotingRepository struct {
	db *gorm.DB
}

// NewVotingRepository creates a gorm backed repository.
func NewVotingRepository(db *gorm.DB) *GormVotingRepository {
	return &GormVotingRepository{db: db}
}

// Create stores a voting with its question. Authorities are matched on URL
// and reused when already registered.
func (r *GormVotingRepository) Create(ctx context.Context, v *models.Voting) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range v.Auths {
			a := &v.Auths[i]
			if err := tx.Where(models.Auth{URL: a.URL}).
				Attrs(models.Auth{Name: a.Name, Me: a.Me}).
				FirstOrCreate(a).Error; err != nil {
				return fmt.Errorf("failed to register auth %s: %w", a.URL, err)
			}
		}
		return tx.Omit("Auths.*").Create(v).Error
	})
}

// Get loads a voting with its options and authorities in insertion order.
func (r *GormVotingRepository) Get(ctx context.Context, id uint) (*models.Voting, error) {
	var v models.Voting
	err := r.db.WithContext(ctx).
		Preload("Question").
		Preload("Question.Options", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Auths", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVotingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// List returns votings without their tally payloads, newest first.
func (r *GormVotingRepository) List(ctx context.Context, offset, limit int) ([]models.Voting, error) {
	var out []models.Voting
	err := r.db.WithContext(ctx).
		Omit("tally", "post_proc").
		Preload("Question.Options", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Order("id DESC").Offset(offset).Limit(limit).
		Find(&out).Error
	return out, err
}

// Exists reports whether id refers to a live voting.
func (r *GormVotingRepository) Exists(ctx context.Context, id uint) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Voting{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdatePostProcConfig changes method and seats until the voting is post-processed.
func (r *GormVotingRepository) UpdatePostProcConfig(ctx context.Context, id uint, method postproc.Method, seats int) error {
	res := r.db.WithContext(ctx).Model(&models.Voting{}).
		Where("id = ? AND tally_state <> ?", id, models.StatePostProcessed).
		UpdateColumns(map[string]any{
			"post_proc_method": method,
			"seats":            seats,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// TransitionState moves id to `to` only if its current state is one of `from`.
func (r *GormVotingRepository) TransitionState(ctx context.Context, id uint, to models.TallyState, from ...models.TallyState) error {
	res := r.db.WithContext(ctx).Model(&models.Voting{}).
		Where("id = ? AND tally_state IN ?", id, from).
		UpdateColumns(map[string]any{
			"tally_state": to,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// CommitTally stores the decrypted tally and moves tallying to tallied.
func (r *GormVotingRepository) CommitTally(ctx context.Context, id uint, tally []int64, digest string) error {
	if tally == nil {
		tally = []int64{}
	}
	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var v models.Voting
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "tally_state").First(&v, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrVotingNotFound
			}
			return err
		}
		if v.TallyState != models.StateTallying {
			return ErrStateConflict
		}
		return tx.Model(&models.Voting{}).Where("id = ?", id).UpdateColumns(map[string]any{
			"tally":        datatypes.JSONSlice[int64](tally),
			"tally_digest": digest,
			"tallied_at":   now,
			"tally_state":  models.StateTallied,
			"updated_at":   now,
		}).Error
	})
}

// CommitPostProc stores the final result and moves tallied to postprocessed.
func (r *GormVotingRepository) CommitPostProc(ctx context.Context, id uint, payload models.PostProcPayload) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.Voting{}).
		Where("id = ? AND tally_state = ?", id, models.StateTallied).
		UpdateColumns(map[string]any{
			"post_proc":         datatypes.NewJSONType(payload),
			"post_processed_at": now,
			"tally_state":       models.StatePostProcessed,
			"updated_at":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *GormVotingRepository) missOrConflict(ctx context.Context, id uint) error {
	ok, err := r.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVotingNotFound
	}
	return ErrStateConflict
}
