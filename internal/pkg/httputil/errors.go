package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/bissquit/async-dispatch/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to an HTTP status. An empty Message
// exposes err.Error() to the client.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string
}

// HandleError writes the response for err. Validation failures become 400
// with field details and an expired request context becomes 504. Errors
// matching no mapping are logged and answered with a bare 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		ValidationError(w, validationErrs)
		return
	}

	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			Error(w, m.Status, msg)
			return
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		ctxlog.FromContext(ctx).Warn("request deadline exceeded", "error", err)
		Error(w, http.StatusGatewayTimeout, "request timed out")
		return
	}

	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
