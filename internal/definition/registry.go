package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/pravasi/model"
)

// snapshot is an immutable collection of all definitions indexed by key.
type snapshot struct {
	machines   map[string]*Machine
	policies   map[string]model.SlaPolicy
	recipients map[string]model.RecipientPolicy
	checksum   string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definition files.
func NewRegistry(files []model.DefinitionFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given files. Later files win on duplicate keys; run the Validator
// first to reject duplicates.
func (r *Registry) Replace(files []model.DefinitionFile) {
	s := &snapshot{
		machines:   make(map[string]*Machine),
		policies:   make(map[string]model.SlaPolicy),
		recipients: make(map[string]model.RecipientPolicy),
	}

	var checksumParts []string

	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)

		for _, m := range f.Machines {
			s.machines[m.Name] = compileMachine(m)
		}
		for _, p := range f.Policies {
			s.policies[p.Key] = p
		}
		for _, rp := range f.Recipients {
			s.recipients[rp.Machine] = rp
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Machine returns the compiled machine with the given name.
func (r *Registry) Machine(name string) (*Machine, error) {
	m, ok := r.current().machines[name]
	if !ok {
		return nil, &model.UnknownMachineError{Machine: name}
	}
	return m, nil
}

// MachineNames returns all machine names in sorted order.
func (r *Registry) MachineNames() []string {
	s := r.current()
	names := make([]string, 0, len(s.machines))
	for name := range s.machines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stages returns the ordered stages of a machine.
func (r *Registry) Stages(machine string) ([]model.StageDefinition, error) {
	m, err := r.Machine(machine)
	if err != nil {
		return nil, err
	}
	return m.Stages(), nil
}

// Stage returns one stage of a machine.
func (r *Registry) Stage(machine, stateID string) (model.StageDefinition, error) {
	m, err := r.Machine(machine)
	if err != nil {
		return model.StageDefinition{}, err
	}
	return m.Stage(stateID)
}

// Progress returns the progress percentage of a stage.
func (r *Registry) Progress(machine, stateID string) (int, error) {
	m, err := r.Machine(machine)
	if err != nil {
		return 0, err
	}
	return m.Progress(stateID)
}

// Policy returns the SLA policy with the given key.
func (r *Registry) Policy(key string) (model.SlaPolicy, error) {
	p, ok := r.current().policies[key]
	if !ok {
		return model.SlaPolicy{}, &model.UnknownPolicyError{Key: key}
	}
	return p, nil
}

// Policies returns all SLA policies sorted by key.
func (r *Registry) Policies() []model.SlaPolicy {
	s := r.current()
	out := make([]model.SlaPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RecipientPolicy returns the recipient policy for a machine, if any.
func (r *Registry) RecipientPolicy(machine string) (model.RecipientPolicy, bool) {
	rp, ok := r.current().recipients[machine]
	return rp, ok
}

// Len returns the number of loaded machines.
func (r *Registry) Len() int {
	return len(r.current().machines)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
