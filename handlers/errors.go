package handlers

import (
	"errors"
	"net/http"

	"evoting-tally/cache"
	"evoting-tally/models"
	"evoting-tally/postproc"
	"evoting-tally/remote"
	"evoting-tally/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// msgRetry is returned while a tally cannot complete yet.
const msgRetry = "tally pending/failed, retry"

// statusFor maps a service error onto an HTTP status and message.
func statusFor(err error) (int, string) {
	var cfgErr *postproc.ConfigError
	switch {
	case errors.Is(err, service.ErrVotingNotFound):
		return http.StatusNotFound, "voting not found"
	case errors.Is(err, service.ErrResultsNotReady):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrTallyInProgress),
		errors.Is(err, service.ErrAlreadyPostProcessed):
		return http.StatusConflict, err.Error()
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, cfgErr.Error()
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return http.StatusBadRequest, "duplicate option number"
	case errors.Is(err, service.ErrNoMixAuthority),
		errors.Is(err, models.ErrTooManyOptions),
		errors.Is(err, models.ErrPredefinedOption):
		return http.StatusBadRequest, err.Error()
	case remote.IsRetryable(err),
		errors.Is(err, cache.ErrLockUnavailable):
		return http.StatusServiceUnavailable, msgRetry
	case remote.IsTransportError(err):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func abortWithError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
