package handlers

import (
	"net/http"

	"evoting-tally/apportion"
	"evoting-tally/postproc"

	"github.com/gin-gonic/gin"
)

// ApportionInput is the body of POST /api/apportionment.
type ApportionInput struct {
	Options []apportion.OptionVotes `json:"options" binding:"required,dive"`
	Seats   int                     `json:"seats"`
	Methods []string                `json:"methods"`
}

// Apportion runs the engine over caller-supplied counts without touching any
// voting.
func Apportion(c *gin.Context) {
	var input ApportionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	methods := make([]postproc.Method, 0, len(input.Methods))
	for _, name := range input.Methods {
		m, err := postproc.ParseMethod(name)
		if err != nil {
			abortWithError(c, err)
			return
		}
		methods = append(methods, m)
	}

	results, err := postproc.Apply(c.Request.Context(), input.Options, input.Seats, methods...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"seats":       input.Seats,
		"total_votes": apportion.TotalVotes(input.Options),
		"options":     results,
	})
}
