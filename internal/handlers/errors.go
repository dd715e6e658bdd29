package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"pumpup-backend/internal/apperr"
	"pumpup-backend/internal/middleware"
)

// respondError writes {"error", "code"} with the status of err's code.
// Integrity and uncoded errors are logged and reported without detail.
func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	switch code.Kind() {
	case apperr.KindIntegrity:
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": code})
	default:
		message := err.Error()
		var e *apperr.Error
		if errors.As(err, &e) {
			message = e.Message
		}
		c.JSON(code.HTTPStatus(), gin.H{"error": message, "code": code})
	}
}

func respondBadPayload(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "bad payload",
		"code":    apperr.CodeInvalidInput,
		"details": err.Error(),
	})
}

func currentUser(c *gin.Context) string {
	return c.GetString(middleware.ContextUserID)
}
