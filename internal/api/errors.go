package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/pkg/store"
	"github.com/ajitpratap0/legacysync/pkg/syncerrors"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	StatusCode int      `json:"statusCode"`
	Message    []string `json:"message"`
	Error      string   `json:"error"`
	Timestamp  string   `json:"timestamp"`
	Path       string   `json:"path"`
}

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}

	var se *syncerrors.Error
	if errors.As(err, &se) {
		switch se.Type {
		case syncerrors.ErrorTypeValidation:
			return http.StatusBadRequest
		case syncerrors.ErrorTypeNotFound:
			return http.StatusNotFound
		case syncerrors.ErrorTypeConflict:
			return http.StatusConflict
		case syncerrors.ErrorTypeCircuitOpen:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

// abort writes err as an ErrorResponse. Messages of 5xx errors are not
// exposed to the client.
func (h *handlers) abort(c *gin.Context, err error, messages ...string) {
	status := statusFor(err)
	if len(messages) == 0 {
		messages = messagesFor(err)
	}
	if status >= http.StatusInternalServerError {
		messages = []string{"Internal server error"}
	}

	resp := ErrorResponse{
		StatusCode: status,
		Message:    messages,
		Error:      http.StatusText(status),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Path:       c.Request.URL.Path,
	}

	log := requestLogger(c, h.logger)
	if status >= http.StatusInternalServerError {
		log.Error("internal error", zap.Int("status", status), zap.Error(err))
	} else {
		log.Warn("request error", zap.Int("status", status), zap.Strings("message", messages))
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, resp)
}

func messagesFor(err error) []string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, fieldMessage(fe))
		}
		return out
	}
	return []string{err.Error()}
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "notblank":
		return field + " is required"
	case "email":
		return field + " must be a valid email"
	case "max":
		return field + " must have at most " + fe.Param() + " characters"
	case "min":
		return field + " must be at least " + fe.Param()
	default:
		return field + " is invalid (" + strings.TrimSpace(fe.Tag()+" "+fe.Param()) + ")"
	}
}

func badRequest(message string) error {
	return syncerrors.New(syncerrors.ErrorTypeValidation, message)
}

func notFound(message string) error {
	return syncerrors.New(syncerrors.ErrorTypeNotFound, message)
}
