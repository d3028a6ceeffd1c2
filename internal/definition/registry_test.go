package definition

import (
	"errors"
	"sync"
	"testing"

	"github.com/pitabwire/pravasi/model"
)

func testFiles() []model.DefinitionFile {
	return []model.DefinitionFile{
		{
			Checksum: "abc123",
			Machines: []model.MachineDefinition{
				{
					Name:         "ticket",
					InitialStage: "new",
					Stages: []model.StageDefinition{
						{ID: "done", Label: "Done", Order: 3, Terminal: true},
						{ID: "new", Label: "New", Order: 1},
						{ID: "working", Label: "Working", Order: 2},
						{ID: "dropped", Label: "Dropped", Order: 4, Terminal: true, ExcludeFromProgress: true, SideExit: true},
					},
					Transitions: map[string][]string{
						"new":     {"dropped", "working", "working"},
						"working": {"done", "new"},
					},
				},
			},
			Policies: []model.SlaPolicy{
				{Key: "ticket.slow", Machine: "ticket", Unit: model.UnitDays, Threshold: 5},
				{Key: "ticket.fast", Machine: "ticket", Unit: model.UnitHours, Threshold: 4},
			},
			Recipients: []model.RecipientPolicy{
				{Machine: "ticket", Roles: []string{"owner"}},
			},
		},
		{
			Checksum: "def456",
			Machines: []model.MachineDefinition{
				{
					Name:         "approval",
					InitialStage: "pending",
					Stages: []model.StageDefinition{
						{ID: "pending", Label: "Pending", Order: 1},
						{ID: "approved", Label: "Approved", Order: 2, Terminal: true},
					},
					Transitions: map[string][]string{"pending": {"approved"}},
				},
			},
		},
	}
}

func TestRegistry_Machine(t *testing.T) {
	r := NewRegistry(testFiles())

	m, err := r.Machine("ticket")
	if err != nil {
		t.Fatalf("Machine(ticket) error = %v", err)
	}
	if m.Name() != "ticket" {
		t.Errorf("Name() = %q, want ticket", m.Name())
	}

	_, err = r.Machine("unknown")
	var ume *model.UnknownMachineError
	if !errors.As(err, &ume) {
		t.Fatalf("Machine(unknown) error = %v, want UnknownMachineError", err)
	}
	if ume.Machine != "unknown" {
		t.Errorf("UnknownMachineError.Machine = %q", ume.Machine)
	}
}

func TestRegistry_MachineNames(t *testing.T) {
	r := NewRegistry(testFiles())
	names := r.MachineNames()
	if len(names) != 2 || names[0] != "approval" || names[1] != "ticket" {
		t.Errorf("MachineNames() = %v, want [approval ticket]", names)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistry_Stages_ordered(t *testing.T) {
	r := NewRegistry(testFiles())
	stages, err := r.Stages("ticket")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new", "working", "done", "dropped"}
	for i, s := range stages {
		if s.ID != want[i] {
			t.Errorf("Stages()[%d] = %q, want %q", i, s.ID, want[i])
		}
	}

	// Mutating the returned slice must not affect the registry.
	stages[0].ID = "mutated"
	again, _ := r.Stages("ticket")
	if again[0].ID != "new" {
		t.Error("Stages() returned shared backing array")
	}
}

func TestRegistry_Stage(t *testing.T) {
	r := NewRegistry(testFiles())

	s, err := r.Stage("ticket", "working")
	if err != nil {
		t.Fatal(err)
	}
	if s.Order != 2 {
		t.Errorf("Order = %d, want 2", s.Order)
	}

	_, err = r.Stage("ticket", "nope")
	var use *model.UnknownStateError
	if !errors.As(err, &use) {
		t.Fatalf("Stage(nope) error = %v, want UnknownStateError", err)
	}

	_, err = r.Stage("ghost", "new")
	var ume *model.UnknownMachineError
	if !errors.As(err, &ume) {
		t.Fatalf("Stage(ghost) error = %v, want UnknownMachineError", err)
	}
}

func TestRegistry_Progress(t *testing.T) {
	r := NewRegistry(testFiles())

	tests := []struct {
		stage string
		want  int
	}{
		{"new", 33},
		{"working", 67},
		{"done", 100},
		{"dropped", 100},
	}
	for _, tt := range tests {
		got, err := r.Progress("ticket", tt.stage)
		if err != nil {
			t.Fatalf("Progress(%s) error = %v", tt.stage, err)
		}
		if got != tt.want {
			t.Errorf("Progress(%s) = %d, want %d", tt.stage, got, tt.want)
		}
	}

	if _, err := r.Progress("ticket", "nope"); err == nil {
		t.Error("Progress(nope) should fail")
	}
}

func TestRegistry_Policy(t *testing.T) {
	r := NewRegistry(testFiles())

	p, err := r.Policy("ticket.fast")
	if err != nil {
		t.Fatal(err)
	}
	if p.Threshold != 4 {
		t.Errorf("Threshold = %d, want 4", p.Threshold)
	}

	_, err = r.Policy("ticket.none")
	var upe *model.UnknownPolicyError
	if !errors.As(err, &upe) {
		t.Fatalf("Policy(ticket.none) error = %v, want UnknownPolicyError", err)
	}

	all := r.Policies()
	if len(all) != 2 || all[0].Key != "ticket.fast" {
		t.Errorf("Policies() = %+v, want sorted by key", all)
	}
}

func TestRegistry_RecipientPolicy(t *testing.T) {
	r := NewRegistry(testFiles())
	rp, ok := r.RecipientPolicy("ticket")
	if !ok || len(rp.Roles) != 1 || rp.Roles[0] != "owner" {
		t.Errorf("RecipientPolicy(ticket) = %+v, %v", rp, ok)
	}
	if _, ok := r.RecipientPolicy("approval"); ok {
		t.Error("RecipientPolicy(approval) should be absent")
	}
}

func TestRegistry_Checksum(t *testing.T) {
	r := NewRegistry(testFiles())
	c1 := r.Checksum()
	if c1 == "" {
		t.Fatal("Checksum() should not be empty")
	}

	// Order of files must not matter.
	files := testFiles()
	files[0], files[1] = files[1], files[0]
	r2 := NewRegistry(files)
	if r2.Checksum() != c1 {
		t.Error("Checksum() should not depend on file order")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testFiles())
	old := r.Checksum()

	r.Replace(testFiles()[1:])
	if _, err := r.Machine("ticket"); err == nil {
		t.Error("ticket should be gone after Replace")
	}
	if _, err := r.Machine("approval"); err != nil {
		t.Errorf("approval should survive Replace: %v", err)
	}
	if r.Checksum() == old {
		t.Error("Checksum() should change after Replace")
	}
}

func TestRegistry_concurrent_access(t *testing.T) {
	r := NewRegistry(testFiles())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Machine("ticket")
			_, _ = r.Progress("approval", "pending")
			_ = r.MachineNames()
			_ = r.Policies()
		}()
		go func() {
			defer wg.Done()
			r.Replace(testFiles())
		}()
	}
	wg.Wait()
}

func TestRegistry_visa_medical_progress(t *testing.T) {
	r := loadShipped(t)
	got, err := r.Progress("visa", "medical")
	if err != nil {
		t.Fatal(err)
	}
	if got != 50 {
		t.Errorf("Progress(visa, medical) = %d, want 50", got)
	}
}

func TestRegistry_progress_monotonic(t *testing.T) {
	r := loadShipped(t)
	for _, name := range r.MachineNames() {
		m, _ := r.Machine(name)
		prev := -1
		for _, s := range m.Stages() {
			p, err := m.Progress(s.ID)
			if err != nil {
				t.Fatal(err)
			}
			if p < 0 || p > 100 {
				t.Errorf("%s/%s progress %d out of range", name, s.ID, p)
			}
			if s.ExcludeFromProgress {
				continue
			}
			if p < prev {
				t.Errorf("%s/%s progress %d below previous %d", name, s.ID, p, prev)
			}
			prev = p
		}
	}
}

func TestRegistry_shipped_terminal_stages_closed(t *testing.T) {
	r := loadShipped(t)
	for _, name := range r.MachineNames() {
		m, _ := r.Machine(name)
		for _, s := range m.Stages() {
			if s.Terminal && !m.IsReopenException(s.ID) && len(m.Targets(s.ID)) > 0 {
				t.Errorf("%s/%s is terminal but has targets %v", name, s.ID, m.Targets(s.ID))
			}
			if !s.Terminal && len(m.Targets(s.ID)) == 0 {
				t.Errorf("%s/%s is a non-terminal dead end", name, s.ID)
			}
		}
	}
}
