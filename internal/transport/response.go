// Package transport contains the HTTP router, middleware chain, and request
// handlers for the workflow API.
package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/model"
)

// errorStatus maps ErrorEnvelope codes to HTTP status codes. Lookups of
// references to definitions that do not exist are 404s; rule violations
// against definitions that do exist are 422s.
var errorStatus = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrConflict:           http.StatusConflict,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrUnknownMachine:     http.StatusNotFound,
	model.ErrUnknownState:       http.StatusNotFound,
	model.ErrUnknownPolicy:      http.StatusNotFound,
	model.ErrEntityNotFound:     http.StatusNotFound,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:  http.StatusUnprocessableEntity,
	model.ErrNegativeElapsed:    http.StatusUnprocessableEntity,
	model.ErrPrerequisiteNotMet: http.StatusUnprocessableEntity,
}

func statusFor(code string) int {
	if s, ok := errorStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// listResponse wraps collections so the body can grow paging fields later.
type listResponse[T any] struct {
	Data []T `json:"data"`
}

// WriteJSON writes body as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteList writes items under a "data" key. A nil slice is sent as [].
func WriteList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	WriteJSON(w, http.StatusOK, listResponse[T]{Data: items})
}

// WriteError writes err as {"error": ErrorEnvelope}. Errors that carry no
// envelope become a 500 and are logged with the request's logger, since the
// body deliberately hides them.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	env := *model.AsEnvelope(err)
	status := statusFor(env.Code)

	if r != nil {
		env.TraceID = observability.TraceIDFromContext(r.Context())
		if status >= http.StatusInternalServerError {
			observability.RequestLogger(r.Context(), zap.NewNop()).Error("request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
		}
	}
	WriteJSON(w, status, struct {
		Error model.ErrorEnvelope `json:"error"`
	}{env})
}

// WriteValidationError writes a 422 listing the offending request fields.
func WriteValidationError(w http.ResponseWriter, r *http.Request, details []model.FieldError) {
	WriteError(w, r, model.NewValidationError(details))
}
