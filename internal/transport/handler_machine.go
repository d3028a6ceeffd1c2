package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/pravasi/internal/definition"
	"github.com/pitabwire/pravasi/internal/transition"
	"github.com/pitabwire/pravasi/model"
)

type machineSummary struct {
	Name             string   `json:"name"`
	Label            string   `json:"label"`
	Version          string   `json:"version"`
	InitialStage     string   `json:"initial_stage"`
	StageCount       int      `json:"stage_count"`
	ReopenExceptions []string `json:"reopen_exceptions,omitempty"`
}

type stageDetail struct {
	model.StageDefinition
	Progress   int                     `json:"progress"`
	AllowsEdit bool                    `json:"allows_edit"`
	Next       []model.StageDefinition `json:"next"`
}

func handleListMachines(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := reg.MachineNames()
		out := make([]machineSummary, 0, len(names))
		for _, name := range names {
			m, err := reg.Machine(name)
			if err != nil {
				continue
			}
			def := m.Definition()
			out = append(out, machineSummary{
				Name:             def.Name,
				Label:            def.Label,
				Version:          def.Version,
				InitialStage:     def.InitialStage,
				StageCount:       len(def.Stages),
				ReopenExceptions: def.ReopenExceptions,
			})
		}
		WriteList(w, out)
	}
}

func handleListStages(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stages, err := reg.Stages(chi.URLParam(r, "machine"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteList(w, stages)
	}
}

func handleGetStage(reg *definition.Registry, v *transition.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		machine := chi.URLParam(r, "machine")
		stageID := chi.URLParam(r, "stage")

		stage, err := reg.Stage(machine, stageID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		progress, err := reg.Progress(machine, stageID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		next, err := v.ValidNext(machine, stageID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, stageDetail{
			StageDefinition: stage,
			Progress:        progress,
			AllowsEdit:      !stage.Terminal,
			Next:            next,
		})
	}
}

func handleNextStages(v *transition.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next, err := v.ValidNext(chi.URLParam(r, "machine"), chi.URLParam(r, "stage"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteList(w, next)
	}
}

func handleCanTransition(v *transition.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := v.Check(chi.URLParam(r, "machine"), chi.URLParam(r, "from"), chi.URLParam(r, "to"))
		resp := map[string]any{"allowed": err == nil}
		if err != nil {
			env := model.AsEnvelope(err)
			if env.Code != model.ErrInvalidTransition {
				WriteError(w, r, err)
				return
			}
			resp["reason"] = env.Message
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
