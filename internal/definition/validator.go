package definition

import (
	"fmt"
	"sort"

	"github.com/pitabwire/pravasi/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definitions structurally and referentially, across files.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definition files together. Cross-machine references
// (prerequisites, policies, recipients) may point into any file.
func (v *Validator) Validate(files []model.DefinitionFile) []VError {
	var errs []VError

	machines := make(map[string]model.MachineDefinition)
	policyKeys := make(map[string]bool)
	recipientMachines := make(map[string]bool)

	for i, f := range files {
		for j, m := range f.Machines {
			mp := fmt.Sprintf("files[%d].machines[%d]", i, j)
			if m.Name != "" {
				if _, dup := machines[m.Name]; dup {
					errs = append(errs, VError{Path: mp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("machine %q declared more than once", m.Name)})
				}
				machines[m.Name] = m
			}
			errs = append(errs, v.validateMachine(mp, m)...)
		}
	}

	for i, f := range files {
		for j, m := range f.Machines {
			mp := fmt.Sprintf("files[%d].machines[%d]", i, j)
			errs = append(errs, v.validatePrerequisites(mp, m, machines)...)
		}
		for j, p := range f.Policies {
			pp := fmt.Sprintf("files[%d].policies[%d]", i, j)
			if p.Key != "" {
				if policyKeys[p.Key] {
					errs = append(errs, VError{Path: pp + ".key", Code: "DUPLICATE", Message: fmt.Sprintf("policy %q declared more than once", p.Key)})
				}
				policyKeys[p.Key] = true
			}
			errs = append(errs, v.validatePolicy(pp, p, machines)...)
		}
	}

	for i, f := range files {
		for j, rp := range f.Recipients {
			rpp := fmt.Sprintf("files[%d].recipients[%d]", i, j)
			if rp.Machine != "" {
				if recipientMachines[rp.Machine] {
					errs = append(errs, VError{Path: rpp + ".machine", Code: "DUPLICATE", Message: fmt.Sprintf("recipients for %q declared more than once", rp.Machine)})
				}
				recipientMachines[rp.Machine] = true
			}
			errs = append(errs, v.validateRecipients(rpp, rp, machines, policyKeys)...)
		}
	}

	return errs
}

func (v *Validator) validateMachine(prefix string, m model.MachineDefinition) []VError {
	var errs []VError

	if m.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if m.InitialStage == "" {
		errs = append(errs, VError{Path: prefix + ".initial_stage", Code: "REQUIRED", Message: "initial_stage is required"})
	}
	if len(m.Stages) < 2 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: "REQUIRED", Message: "at least two stages required (initial + terminal)"})
	}

	stages := make(map[string]model.StageDefinition, len(m.Stages))
	orders := make(map[int]string, len(m.Stages))
	prevOrder := 0
	hasTerminal := false
	for i, s := range m.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "stage id is required"})
			continue
		}
		if _, dup := stages[s.ID]; dup {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("stage %q declared more than once", s.ID)})
		}
		stages[s.ID] = s
		if s.Label == "" {
			errs = append(errs, VError{Path: sp + ".label", Code: "REQUIRED", Message: "stage label is required"})
		}
		if s.Order <= 0 {
			errs = append(errs, VError{Path: sp + ".order", Code: "RANGE", Message: "order must be positive"})
		} else if other, dup := orders[s.Order]; dup {
			errs = append(errs, VError{Path: sp + ".order", Code: "ORDER_NOT_UNIQUE", Message: fmt.Sprintf("order %d already used by %q", s.Order, other)})
		} else {
			if s.Order < prevOrder {
				errs = append(errs, VError{Path: sp + ".order", Code: "ORDER_NOT_INCREASING", Message: fmt.Sprintf("order %d follows %d; declare stages in order", s.Order, prevOrder)})
			}
			orders[s.Order] = s.ID
			prevOrder = s.Order
		}
		if s.Terminal {
			hasTerminal = true
		}
		if s.SideExit && !s.Terminal {
			errs = append(errs, VError{Path: sp + ".side_exit", Code: "NOT_TERMINAL", Message: fmt.Sprintf("side exit %q must be terminal", s.ID)})
		}
	}

	if len(m.Stages) > 0 && !hasTerminal {
		errs = append(errs, VError{Path: prefix + ".stages", Code: "REQUIRED", Message: "at least one terminal stage is required"})
	}

	if m.InitialStage != "" {
		if s, ok := stages[m.InitialStage]; !ok {
			errs = append(errs, VError{Path: prefix + ".initial_stage", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("initial_stage %q not found in stages", m.InitialStage)})
		} else if s.Terminal {
			errs = append(errs, VError{Path: prefix + ".initial_stage", Code: "INVALID_INITIAL", Message: fmt.Sprintf("initial_stage %q is terminal", m.InitialStage)})
		}
	}

	reopen := make(map[string]bool, len(m.ReopenExceptions))
	for i, id := range m.ReopenExceptions {
		rp := fmt.Sprintf("%s.reopen_exceptions[%d]", prefix, i)
		s, ok := stages[id]
		switch {
		case !ok:
			errs = append(errs, VError{Path: rp, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", id)})
		case !s.Terminal:
			errs = append(errs, VError{Path: rp, Code: "NOT_TERMINAL", Message: fmt.Sprintf("reopen exception %q is not a terminal stage", id)})
		}
		reopen[id] = true
	}

	// Iterate keys in a stable order so error output is deterministic.
	froms := make([]string, 0, len(m.Transitions))
	for from := range m.Transitions {
		froms = append(froms, from)
	}
	sort.Strings(froms)

	for _, from := range froms {
		tp := fmt.Sprintf("%s.transitions.%s", prefix, from)
		s, ok := stages[from]
		if !ok {
			errs = append(errs, VError{Path: tp, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", from)})
		} else if s.Terminal && !reopen[from] && len(m.Transitions[from]) > 0 {
			errs = append(errs, VError{Path: tp, Code: "TERMINAL_HAS_TRANSITIONS", Message: fmt.Sprintf("terminal stage %q has transitions but is not a reopen exception", from)})
		}
		for i, to := range m.Transitions[from] {
			if _, ok := stages[to]; !ok {
				errs = append(errs, VError{Path: fmt.Sprintf("%s[%d]", tp, i), Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", to)})
			}
		}
	}

	for i, s := range m.Stages {
		if s.ID == "" || s.Terminal {
			continue
		}
		if len(m.Transitions[s.ID]) == 0 {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.stages[%d]", prefix, i),
				Code:    "NON_TERMINAL_DEAD_END",
				Message: fmt.Sprintf("non-terminal stage %q has no transitions", s.ID),
			})
		}
	}

	return errs
}

func (v *Validator) validatePrerequisites(prefix string, m model.MachineDefinition, machines map[string]model.MachineDefinition) []VError {
	var errs []VError
	for i, s := range m.Stages {
		for j, req := range s.Requires {
			rp := fmt.Sprintf("%s.stages[%d].requires[%d]", prefix, i, j)
			other, ok := machines[req.Machine]
			if !ok {
				errs = append(errs, VError{Path: rp + ".machine", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("machine %q not found", req.Machine)})
				continue
			}
			if req.Machine == m.Name {
				errs = append(errs, VError{Path: rp + ".machine", Code: "SELF_REFERENCE", Message: "a stage cannot require its own machine"})
			}
			target, found := findStage(other, req.MinStage)
			switch {
			case !found:
				errs = append(errs, VError{Path: rp + ".min_stage", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found in machine %q", req.MinStage, req.Machine)})
			case target.SideExit:
				errs = append(errs, VError{Path: rp + ".min_stage", Code: "UNREACHABLE_PREREQUISITE", Message: fmt.Sprintf("stage %q of %q is a side exit and can never be reached", req.MinStage, req.Machine)})
			}
		}
	}
	return errs
}

var validUnits = map[model.TimeUnit]bool{
	model.UnitHours: true, model.UnitDays: true,
}

func (v *Validator) validatePolicy(prefix string, p model.SlaPolicy, machines map[string]model.MachineDefinition) []VError {
	var errs []VError

	if p.Key == "" {
		errs = append(errs, VError{Path: prefix + ".key", Code: "REQUIRED", Message: "key is required"})
	}
	if p.Unit == "" {
		errs = append(errs, VError{Path: prefix + ".unit", Code: "REQUIRED", Message: "unit is required"})
	} else if !validUnits[p.Unit] {
		errs = append(errs, VError{Path: prefix + ".unit", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid unit %q", p.Unit)})
	}
	if p.Threshold <= 0 {
		errs = append(errs, VError{Path: prefix + ".threshold", Code: "RANGE", Message: "threshold must be positive"})
	}
	if p.RiskThresholdFraction < 0 || p.RiskThresholdFraction >= 1 {
		errs = append(errs, VError{Path: prefix + ".risk_threshold_fraction", Code: "RANGE", Message: "risk_threshold_fraction must be in [0, 1)"})
	}

	if p.Machine == "" {
		errs = append(errs, VError{Path: prefix + ".machine", Code: "REQUIRED", Message: "machine is required"})
		return errs
	}
	m, ok := machines[p.Machine]
	if !ok {
		errs = append(errs, VError{Path: prefix + ".machine", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("machine %q not found", p.Machine)})
		return errs
	}
	if p.ReferenceStage != "" && !hasStage(m, p.ReferenceStage) {
		errs = append(errs, VError{Path: prefix + ".reference_stage", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", p.ReferenceStage)})
	}
	for i, id := range p.ActiveStages {
		if !hasStage(m, id) {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.active_stages[%d]", prefix, i), Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", id)})
		}
	}
	return errs
}

func (v *Validator) validateRecipients(prefix string, rp model.RecipientPolicy, machines map[string]model.MachineDefinition, policyKeys map[string]bool) []VError {
	var errs []VError

	m, ok := machines[rp.Machine]
	if !ok {
		errs = append(errs, VError{Path: prefix + ".machine", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("machine %q not found", rp.Machine)})
	}
	for i, tier := range rp.Escalation {
		if !policyKeys[tier.Key] {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.escalation[%d].key", prefix, i), Code: "REF_NOT_FOUND", Message: fmt.Sprintf("policy %q not found", tier.Key)})
		}
	}
	if ok {
		stages := make([]string, 0, len(rp.OnEnter))
		for id := range rp.OnEnter {
			stages = append(stages, id)
		}
		sort.Strings(stages)
		for _, id := range stages {
			if !hasStage(m, id) {
				errs = append(errs, VError{Path: prefix + ".on_enter." + id, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", id)})
			}
		}
	}
	return errs
}

func hasStage(m model.MachineDefinition, id string) bool {
	_, ok := findStage(m, id)
	return ok
}

func findStage(m model.MachineDefinition, id string) (model.StageDefinition, bool) {
	for _, s := range m.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return model.StageDefinition{}, false
}
