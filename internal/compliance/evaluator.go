package compliance

import (
	"slices"
	"time"

	"github.com/pitabwire/pravasi/internal/definition"
	"github.com/pitabwire/pravasi/model"
)

// PolicySource resolves policies and the machines they apply to.
// *definition.Registry satisfies it.
type PolicySource interface {
	Policy(key string) (model.SlaPolicy, error)
	Policies() []model.SlaPolicy
	Machine(name string) (*definition.Machine, error)
}

// Evaluator binds entity workflow state to its SLA policy.
type Evaluator struct {
	defs PolicySource
}

// NewEvaluator creates an Evaluator over the given definitions.
func NewEvaluator(defs PolicySource) *Evaluator {
	return &Evaluator{defs: defs}
}

// AssessPolicy looks up a policy by key and runs the clock.
func (e *Evaluator) AssessPolicy(key string, reference, now time.Time) (model.ComplianceAssessment, error) {
	policy, err := e.defs.Policy(key)
	if err != nil {
		return model.ComplianceAssessment{}, err
	}
	return Assess(policy, reference, now)
}

// AssessEntity evaluates the entity's policy at now. The boolean is false when
// no clock is running for the entity: it has no policy key, the policy belongs
// to another machine, the entity sits outside the policy's active stages, or
// it has not yet entered the policy's reference stage. Terminal stages never
// run a clock.
func (e *Evaluator) AssessEntity(state model.EntityWorkflowState, now time.Time) (model.ComplianceAssessment, bool, error) {
	if state.PolicyKey == "" {
		return model.ComplianceAssessment{}, false, nil
	}
	policy, err := e.defs.Policy(state.PolicyKey)
	if err != nil {
		return model.ComplianceAssessment{}, false, err
	}
	if policy.Machine != state.MachineName {
		return model.ComplianceAssessment{}, false, nil
	}

	m, err := e.defs.Machine(state.MachineName)
	if err != nil {
		return model.ComplianceAssessment{}, false, err
	}
	stage, err := m.Stage(state.CurrentStateID)
	if err != nil {
		return model.ComplianceAssessment{}, false, err
	}
	if stage.Terminal {
		return model.ComplianceAssessment{}, false, nil
	}
	if len(policy.ActiveStages) > 0 && !slices.Contains(policy.ActiveStages, stage.ID) {
		return model.ComplianceAssessment{}, false, nil
	}

	reference := state.CreatedAt
	if policy.ReferenceStage != "" {
		var entered bool
		reference, entered = state.LastEntered(policy.ReferenceStage)
		if !entered {
			return model.ComplianceAssessment{}, false, nil
		}
	}

	a, err := Assess(policy, reference, now)
	if err != nil {
		return model.ComplianceAssessment{}, false, err
	}
	return a, true, nil
}

// Machines returns the names of machines that carry at least one policy,
// sorted and deduplicated.
func (e *Evaluator) Machines() []string {
	var out []string
	for _, p := range e.defs.Policies() {
		if !slices.Contains(out, p.Machine) {
			out = append(out, p.Machine)
		}
	}
	slices.Sort(out)
	return out
}
