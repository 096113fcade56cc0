package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"evoting-tally/models"
	"evoting-tally/mq"
	"evoting-tally/service"

	"github.com/gin-gonic/gin"
)

// Tallier runs the tally pipeline of one voting.
type Tallier interface {
	Run(ctx context.Context, votingID uint, token string) (*models.Voting, error)
}

// TallyHandler triggers tallies inline or through the job queue.
type TallyHandler struct {
	votings *service.VotingService
	tally   Tallier
	queue   mq.Queue
}

// NewTallyHandler creates the handler. queue may be nil, in which case
// every trigger runs inline.
func NewTallyHandler(votings *service.VotingService, tally Tallier, queue mq.Queue) *TallyHandler {
	return &TallyHandler{votings: votings, tally: tally, queue: queue}
}

// TriggerTally handles POST /api/votings/:id/tally[?sync=true].
func (h *TallyHandler) TriggerTally(c *gin.Context) {
	id, ok := votingID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	token := storeToken(c.GetHeader("Authorization"))

	if h.queue == nil || c.Query("sync") == "true" {
		v, err := h.tally.Run(ctx, id, token)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
		return
	}

	v, err := h.votings.Get(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if v.TallyState == models.StatePostProcessed {
		c.JSON(http.StatusOK, v)
		return
	}

	job := mq.NewTallyJob(id, token)
	if err := h.queue.Enqueue(ctx, job); err != nil {
		slog.Error("failed to enqueue tally", "voting_id", id, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msgRetry})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message_id":  job.MessageID,
		"voting_id":   id,
		"tally_state": v.TallyState,
	})
}

// RetryDeadLetters handles POST /api/admin/tally/dead-letters/retry.
func (h *TallyHandler) RetryDeadLetters(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusOK, gin.H{"requeued": 0})
		return
	}
	n, err := h.queue.RetryDeadLetters(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

// storeToken extracts the ballot store token from an Authorization header.
// Both "Token <t>" and a bare token are accepted.
func storeToken(header string) string {
	header = strings.TrimSpace(header)
	if rest, ok := strings.CutPrefix(header, "Token "); ok {
		return strings.TrimSpace(rest)
	}
	return header
}
