package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPError is what the error handler needs from an application error.
// The interface avoids a direct dependency on the errors package.
type HTTPError interface {
	error
	StatusCode() int
	UserMessage() string
	GetContext() string
	Unwrap() error
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

// HandleError logs err and writes the matching JSON error response.
// Errors implementing HTTPError keep their status; everything else is a
// plain 500.
func HandleError(c *gin.Context, err error) {
	reqID := RequestIDFromGin(c)

	statusCode := http.StatusInternalServerError
	message := "internal server error"

	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		statusCode = httpErr.StatusCode()
		message = httpErr.UserMessage()

		slog.Error("http error",
			"error", httpErr.Unwrap(),
			"user_message", message,
			"context", httpErr.GetContext(),
			"status_code", statusCode,
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
	} else {
		slog.Error("http error",
			"error", err,
			"status_code", statusCode,
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
	}

	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error:     message,
		Timestamp: time.Now().Format(time.RFC3339),
		RequestID: reqID,
	})
}
