package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pitabwire/pravasi/internal/compliance"
	"github.com/pitabwire/pravasi/internal/definition"
	"github.com/pitabwire/pravasi/model"
)

type assessRequest struct {
	PolicyKey     string    `json:"policy_key"`
	ReferenceTime time.Time `json:"reference_time"`
	At            time.Time `json:"at"`
}

func handleListPolicies(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteList(w, reg.Policies())
	}
}

// handleAssessPolicy runs a policy's clock for an arbitrary reference time.
// "at" defaults to the request time.
func handleAssessPolicy(e *compliance.Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body assessRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		var fields []model.FieldError
		if body.PolicyKey == "" {
			fields = append(fields, model.FieldError{Field: "policy_key", Code: "REQUIRED", Message: "policy_key is required"})
		}
		if body.ReferenceTime.IsZero() {
			fields = append(fields, model.FieldError{Field: "reference_time", Code: "REQUIRED", Message: "reference_time is required"})
		}
		if len(fields) > 0 {
			WriteValidationError(w, r, fields)
			return
		}

		now := body.At
		if now.IsZero() {
			now, _ = model.RequestTime(r.Context())
		}

		a, err := e.AssessPolicy(body.PolicyKey, body.ReferenceTime, now)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, a)
	}
}
