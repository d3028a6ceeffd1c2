// Package transition decides whether an entity may move between two stages of
// a machine. It only reads the definition registry and never changes state.
package transition

import (
	"github.com/pitabwire/pravasi/internal/definition"
	"github.com/pitabwire/pravasi/model"
)

// MachineSource resolves compiled machines by name. *definition.Registry
// satisfies it.
type MachineSource interface {
	Machine(name string) (*definition.Machine, error)
}

// Validator answers transition questions against the loaded machines.
type Validator struct {
	machines MachineSource
}

// NewValidator creates a Validator backed by the given machine source.
func NewValidator(machines MachineSource) *Validator {
	return &Validator{machines: machines}
}

// Check returns nil if from -> to is a declared edge of the machine. Otherwise
// it returns *model.UnknownMachineError, *model.UnknownStateError or
// *model.InvalidTransitionError.
func (v *Validator) Check(machine, from, to string) error {
	m, err := v.machines.Machine(machine)
	if err != nil {
		return err
	}
	if _, err := m.Stage(from); err != nil {
		return err
	}
	if _, err := m.Stage(to); err != nil {
		return err
	}
	for _, t := range m.Targets(from) {
		if t == to {
			return nil
		}
	}
	return &model.InvalidTransitionError{Machine: machine, From: from, To: to}
}

// CanTransition reports whether from -> to is allowed. Unknown machines and
// stages are simply not allowed.
func (v *Validator) CanTransition(machine, from, to string) bool {
	return v.Check(machine, from, to) == nil
}

// ValidNext returns the stages reachable from the given stage, ordered by
// stage order.
func (v *Validator) ValidNext(machine, from string) ([]model.StageDefinition, error) {
	m, err := v.machines.Machine(machine)
	if err != nil {
		return nil, err
	}
	if _, err := m.Stage(from); err != nil {
		return nil, err
	}

	targets := m.Targets(from)
	out := make([]model.StageDefinition, 0, len(targets))
	for _, id := range targets {
		s, err := m.Stage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// IsTerminal reports whether the stage is terminal.
func (v *Validator) IsTerminal(machine, stage string) (bool, error) {
	m, err := v.machines.Machine(machine)
	if err != nil {
		return false, err
	}
	s, err := m.Stage(stage)
	if err != nil {
		return false, err
	}
	return s.Terminal, nil
}
