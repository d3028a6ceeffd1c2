package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/pravasi/internal/workflow"
	"github.com/pitabwire/pravasi/model"
)

// transitionResponse adds the post-commit notification outcome to a result.
type transitionResponse struct {
	model.TransitionResult
	NotificationError string `json:"notification_error,omitempty"`
}

type complianceResponse struct {
	EntityID   string                      `json:"entity_id"`
	Tracked    bool                        `json:"tracked"`
	Assessment *model.ComplianceAssessment `json:"assessment,omitempty"`
}

func handleStartEntity(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body workflow.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		state, err := svc.Start(r.Context(), body)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, state)
	}
}

func handleGetEntity(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := svc.Get(r.Context(), chi.URLParam(r, "entityId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, state)
	}
}

func handleTransitionEntity(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body workflow.TransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.To == "" {
			WriteValidationError(w, r, []model.FieldError{
				{Field: "to", Code: "REQUIRED", Message: "to is required"},
			})
			return
		}
		body.EntityID = chi.URLParam(r, "entityId")
		body.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

		result, err := svc.Transition(r.Context(), body)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		resp := transitionResponse{TransitionResult: result}
		if result.DispatchError != nil {
			resp.NotificationError = result.DispatchError.Error()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleEntityCompliance(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID := chi.URLParam(r, "entityId")
		a, ok, err := svc.Assess(r.Context(), entityID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		resp := complianceResponse{EntityID: entityID, Tracked: ok}
		if ok {
			resp.Assessment = &a
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
