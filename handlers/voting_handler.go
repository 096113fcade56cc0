package handlers

import (
	"net/http"
	"strconv"
	"time"

	"evoting-tally/models"
	"evoting-tally/postproc"
	"evoting-tally/service"

	"github.com/gin-gonic/gin"
)

// CreateVotingInput is the body of POST /api/votings.
type CreateVotingInput struct {
	Name      string              `json:"name" binding:"required"`
	Desc      string              `json:"desc"`
	Question  CreateQuestionInput `json:"question" binding:"required"`
	Auths     []AuthInput         `json:"auths" binding:"dive"`
	Type      string              `json:"voting_type"`
	Method    string              `json:"postproc_method"`
	Seats     *int                `json:"seats"`
	StartDate *time.Time          `json:"start_date,omitempty"`
	EndDate   *time.Time          `json:"end_date,omitempty"`
}

// CreateQuestionInput describes the ballot.
type CreateQuestionInput struct {
	Desc        string        `json:"desc" binding:"required"`
	YesNo       bool          `json:"yes_no"`
	ThirdOption bool          `json:"third_option"`
	Options     []OptionInput `json:"options" binding:"dive"`
}

// OptionInput is one answer. Number is optional and assigned in order when
// omitted.
type OptionInput struct {
	Number int64  `json:"number,omitempty"`
	Option string `json:"option" binding:"required"`
}

// AuthInput names a mix authority.
type AuthInput struct {
	Name string `json:"name" binding:"required"`
	URL  string `json:"url" binding:"required,url"`
	Me   bool   `json:"me"`
}

// UpdatePostProcInput is the body of PUT /api/votings/:id/postproc.
type UpdatePostProcInput struct {
	Method string `json:"postproc_method"`
	Seats  *int   `json:"seats"`
}

// VotingHandler serves voting configuration and results.
type VotingHandler struct {
	votings *service.VotingService
}

// NewVotingHandler creates the handler.
func NewVotingHandler(votings *service.VotingService) *VotingHandler {
	return &VotingHandler{votings: votings}
}

// CreateVoting handles POST /api/votings.
func (h *VotingHandler) CreateVoting(c *gin.Context) {
	var input CreateVotingInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	method, err := postproc.ParseMethod(input.Method)
	if err != nil {
		abortWithError(c, err)
		return
	}

	v := &models.Voting{
		Name:           input.Name,
		Desc:           input.Desc,
		VotingType:     postproc.VotingType(input.Type),
		PostProcMethod: method,
		Seats:          models.DefaultSeats,
		StartDate:      input.StartDate,
		EndDate:        input.EndDate,
		Question: models.Question{
			Desc:        input.Question.Desc,
			YesNo:       input.Question.YesNo,
			ThirdOption: input.Question.ThirdOption,
		},
	}
	if input.Seats != nil {
		v.Seats = *input.Seats
	}
	for _, o := range input.Question.Options {
		v.Question.Options = append(v.Question.Options, models.QuestionOption{Number: o.Number, Option: o.Option})
	}
	for _, a := range input.Auths {
		v.Auths = append(v.Auths, models.Auth{Name: a.Name, URL: a.URL, Me: a.Me})
	}

	if err := h.votings.Create(c.Request.Context(), v); err != nil {
		abortWithError(c, err)
		return
	}

	created, err := h.votings.Get(c.Request.Context(), v.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListVotings handles GET /api/votings?offset=&limit=.
func (h *VotingHandler) ListVotings(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	votings, err := h.votings.List(c.Request.Context(), offset, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, votings)
}

// GetVoting handles GET /api/votings/:id.
func (h *VotingHandler) GetVoting(c *gin.Context) {
	id, ok := votingID(c)
	if !ok {
		return
	}
	v, err := h.votings.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// UpdatePostProc handles PUT /api/votings/:id/postproc.
func (h *VotingHandler) UpdatePostProc(c *gin.Context) {
	id, ok := votingID(c)
	if !ok {
		return
	}
	var input UpdatePostProcInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	method, err := postproc.ParseMethod(input.Method)
	if err != nil {
		abortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	var seats int
	if input.Seats != nil {
		seats = *input.Seats
	} else {
		current, err := h.votings.Get(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		seats = current.Seats
	}

	v, err := h.votings.UpdatePostProc(ctx, id, method, seats)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// GetResults handles GET /api/votings/:id/results.
func (h *VotingHandler) GetResults(c *gin.Context) {
	id, ok := votingID(c)
	if !ok {
		return
	}
	data, err := h.votings.Results(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

func votingID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid voting id"})
		return 0, false
	}
	return uint(id), true
}
