package definition

import (
	"math"
	"sort"

	"github.com/pitabwire/pravasi/model"
)

// Machine is an immutable, indexed view of one MachineDefinition. All lookups
// are map reads, so a Machine is safe to share across goroutines.
type Machine struct {
	def     model.MachineDefinition
	stages  []model.StageDefinition // sorted by order
	byID    map[string]model.StageDefinition
	targets map[string][]string // sorted by target order
	reopen  map[string]bool
	basis   int
}

func compileMachine(def model.MachineDefinition) *Machine {
	m := &Machine{
		def:     def,
		stages:  make([]model.StageDefinition, len(def.Stages)),
		byID:    make(map[string]model.StageDefinition, len(def.Stages)),
		targets: make(map[string][]string, len(def.Transitions)),
		reopen:  make(map[string]bool, len(def.ReopenExceptions)),
	}

	copy(m.stages, def.Stages)
	sort.SliceStable(m.stages, func(i, j int) bool {
		return m.stages[i].Order < m.stages[j].Order
	})

	for _, s := range m.stages {
		m.byID[s.ID] = s
		if !s.ExcludeFromProgress && s.Order > m.basis {
			m.basis = s.Order
		}
	}

	for from, tos := range def.Transitions {
		out := make([]string, 0, len(tos))
		seen := make(map[string]bool, len(tos))
		for _, to := range tos {
			if seen[to] {
				continue
			}
			seen[to] = true
			out = append(out, to)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return m.byID[out[i]].Order < m.byID[out[j]].Order
		})
		m.targets[from] = out
	}

	for _, id := range def.ReopenExceptions {
		m.reopen[id] = true
	}

	return m
}

// Name returns the machine name.
func (m *Machine) Name() string {
	return m.def.Name
}

// Definition returns the source definition.
func (m *Machine) Definition() model.MachineDefinition {
	return m.def
}

// Stages returns the stages ordered by their order value.
func (m *Machine) Stages() []model.StageDefinition {
	out := make([]model.StageDefinition, len(m.stages))
	copy(out, m.stages)
	return out
}

// Stage returns the stage with the given ID.
func (m *Machine) Stage(id string) (model.StageDefinition, error) {
	s, ok := m.byID[id]
	if !ok {
		return model.StageDefinition{}, &model.UnknownStateError{Machine: m.def.Name, State: id}
	}
	return s, nil
}

// HasStage reports whether id names a stage of this machine.
func (m *Machine) HasStage(id string) bool {
	_, ok := m.byID[id]
	return ok
}

// Initial returns the entry stage for new entities.
func (m *Machine) Initial() model.StageDefinition {
	return m.byID[m.def.InitialStage]
}

// Progress returns round(100*order/basis) clamped to [0,100]. The basis is the
// highest order among stages not excluded from progress.
func (m *Machine) Progress(id string) (int, error) {
	s, err := m.Stage(id)
	if err != nil {
		return 0, err
	}
	if m.basis <= 0 {
		return 0, nil
	}
	p := int(math.Round(100 * float64(s.Order) / float64(m.basis)))
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p, nil
}

// ProgressBasis returns the denominator used by Progress.
func (m *Machine) ProgressBasis() int {
	return m.basis
}

// Targets returns the stages reachable from id in one step. The returned
// slice must not be modified.
func (m *Machine) Targets(id string) []string {
	return m.targets[id]
}

// IsReopenException reports whether a terminal stage may still have exits.
func (m *Machine) IsReopenException(id string) bool {
	return m.reopen[id]
}

// Reached reports whether current is at or past target in stage order. A
// side exit reaches nothing.
func (m *Machine) Reached(current, target string) bool {
	c, ok := m.byID[current]
	if !ok || c.SideExit {
		return false
	}
	t, ok := m.byID[target]
	if !ok {
		return false
	}
	return c.Order >= t.Order
}
