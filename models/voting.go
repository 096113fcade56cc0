package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"evoting-tally/apportion"
	"evoting-tally/postproc"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TallyState is the lifecycle of a voting's count.
type TallyState string

const (
	StateOpen          TallyState = "open"
	StateTallying      TallyState = "tallying"
	StateTallied       TallyState = "tallied"
	StatePostProcessed TallyState = "postprocessed" // terminal
)

// DefaultSeats is used when a create request omits the seat count.
const DefaultSeats = 10

var (
	// ErrTooManyOptions yes/no questions only take their fixed options
	ErrTooManyOptions = errors.New("question does not accept more options")
	// ErrPredefinedOption predefined yes/no options cannot be removed
	ErrPredefinedOption = errors.New("predefined options cannot be deleted")
)

// Question is the ballot schema of a voting
type Question struct {
	gorm.Model
	Desc        string           `gorm:"type:text;not null" json:"desc"`
	YesNo       bool             `gorm:"default:false" json:"yes_no"`       // restrict options to Yes / No
	ThirdOption bool             `gorm:"default:false" json:"third_option"` // adds "Depends" to a yes/no question
	Options     []QuestionOption `gorm:"foreignKey:QuestionID" json:"options"`
}

// QuestionOption is one selectable answer. Number is what ballots encode.
type QuestionOption struct {
	gorm.Model
	QuestionID uint   `gorm:"not null;uniqueIndex:idx_question_option_number" json:"question_id"`
	Number     int64  `gorm:"not null;uniqueIndex:idx_question_option_number" json:"number"`
	Option     string `gorm:"type:text;not null" json:"option"`
}

// Auth is a mix authority able to shuffle and decrypt ballots.
type Auth struct {
	gorm.Model
	Name string `gorm:"size:200;not null" json:"name"`
	URL  string `gorm:"size:255;not null;uniqueIndex" json:"url"`
	Me   bool   `gorm:"default:false" json:"me"`
}

// Voting is the aggregate root. It exclusively owns its raw tally and its
// post-processed payload; both are committed at most once and guarded by
// TallyState.
type Voting struct {
	gorm.Model
	Name           string              `gorm:"size:200;not null" json:"name"`
	Desc           string              `gorm:"type:text" json:"desc"`
	VotingType     postproc.VotingType `gorm:"size:1;not null;default:S" json:"voting_type"`
	PostProcMethod postproc.Method     `gorm:"size:32;not null;default:none" json:"postproc_method"`
	Seats          int                 `gorm:"not null" json:"seats"`
	StartDate      *time.Time          `json:"start_date,omitempty"`
	EndDate        *time.Time          `json:"end_date,omitempty"`

	QuestionID uint     `gorm:"not null;index" json:"question_id"`
	Question   Question `json:"question"`
	Auths      []Auth   `gorm:"many2many:voting_auths;" json:"auths"`

	TallyState      TallyState                          `gorm:"size:16;not null;default:open;index" json:"tally_state"`
	Tally           datatypes.JSONSlice[int64]          `json:"tally,omitempty"`
	TallyDigest     string                              `gorm:"size:64" json:"tally_digest,omitempty"`
	PostProc        datatypes.JSONType[PostProcPayload] `json:"-"`
	TalliedAt       *time.Time                          `json:"tallied_at,omitempty"`
	PostProcessedAt *time.Time                          `json:"postprocessed_at,omitempty"`
}

// PostProcPayload is the final structured result of a voting.
type PostProcPayload struct {
	Type       string                  `json:"type"`
	Method     postproc.Method         `json:"method"`
	Seats      int                     `json:"seats"`
	TotalVotes int64                   `json:"total_votes"`
	Options    []postproc.OptionResult `json:"options"`
	Sink       json.RawMessage         `json:"sink,omitempty"`
}

// BeforeSave runs the post-processing gate on every create and update.
func (v *Voting) BeforeSave(tx *gorm.DB) error {
	if v.VotingType == "" {
		v.VotingType = postproc.SingleChoice
	}
	if v.PostProcMethod == "" {
		v.PostProcMethod = postproc.MethodNone
	}
	if v.TallyState == "" {
		v.TallyState = StateOpen
	}
	if err := postproc.ValidateSeats(v.Seats); err != nil {
		return err
	}
	return postproc.Validate(v.VotingType, v.PostProcMethod)
}

// PrimaryAuth returns the first registered mix authority.
func (v *Voting) PrimaryAuth() (Auth, bool) {
	if len(v.Auths) == 0 {
		return Auth{}, false
	}
	auths := append([]Auth(nil), v.Auths...)
	sort.SliceStable(auths, func(i, j int) bool { return auths[i].ID < auths[j].ID })
	return auths[0], true
}

// CountVotes counts how often each option number appears in the raw tally.
func (v *Voting) CountVotes() []apportion.OptionVotes {
	counts := make(map[int64]int64, len(v.Question.Options))
	for _, selected := range v.Tally {
		counts[selected]++
	}
	opts := make([]apportion.OptionVotes, len(v.Question.Options))
	for i, o := range v.Question.Options {
		opts[i] = apportion.OptionVotes{
			Option: o.Option,
			Number: o.Number,
			Votes:  counts[o.Number],
		}
	}
	return opts
}

// Results returns the post-processed payload once it exists.
func (v *Voting) Results() (PostProcPayload, bool) {
	if v.TallyState != StatePostProcessed {
		return PostProcPayload{}, false
	}
	return v.PostProc.Data(), true
}

// BeforeCreate numbers options that arrive without a number.
func (q *Question) BeforeCreate(tx *gorm.DB) error {
	if q.YesNo && len(q.Options) > q.maxOptions() {
		return ErrTooManyOptions
	}
	for i := range q.Options {
		if q.Options[i].Number == 0 {
			q.Options[i].Number = int64(i + 2)
		}
	}
	return nil
}

// AfterCreate adds the predefined options of a yes/no question.
func (q *Question) AfterCreate(tx *gorm.DB) error {
	if !q.YesNo || len(q.Options) > 0 {
		return nil
	}
	predefined := []QuestionOption{
		{QuestionID: q.ID, Number: 1, Option: "Yes"},
		{QuestionID: q.ID, Number: 2, Option: "No"},
	}
	if q.ThirdOption {
		predefined = append(predefined, QuestionOption{QuestionID: q.ID, Number: 3, Option: "Depends"})
	}
	if err := tx.Create(&predefined).Error; err != nil {
		return fmt.Errorf("failed to create predefined options: %w", err)
	}
	q.Options = predefined
	return nil
}

func (q *Question) maxOptions() int {
	if q.ThirdOption {
		return 3
	}
	return 2
}

// BeforeCreate numbers a standalone option and enforces yes/no limits.
func (o *QuestionOption) BeforeCreate(tx *gorm.DB) error {
	var q Question
	if err := tx.Session(&gorm.Session{NewDB: true}).First(&q, o.QuestionID).Error; err != nil {
		// created together with its question; Question.BeforeCreate handled it
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	var count int64
	if err := tx.Session(&gorm.Session{NewDB: true}).Model(&QuestionOption{}).
		Where("question_id = ?", o.QuestionID).Count(&count).Error; err != nil {
		return err
	}

	if q.YesNo && count >= int64(q.maxOptions()) {
		return ErrTooManyOptions
	}
	if o.Number == 0 {
		o.Number = count + 2
	}
	return nil
}

// BeforeDelete protects the predefined options of a yes/no question.
func (o *QuestionOption) BeforeDelete(tx *gorm.DB) error {
	var q Question
	if err := tx.Session(&gorm.Session{NewDB: true}).First(&q, o.QuestionID).Error; err != nil {
		return nil
	}
	if q.YesNo && (o.Option == "Yes" || o.Option == "No") {
		return ErrPredefinedOption
	}
	return nil
}
