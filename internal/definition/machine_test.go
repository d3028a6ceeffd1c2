package definition

import "testing"

func TestMachine_Targets_sorted_and_deduplicated(t *testing.T) {
	m := compileMachine(testFiles()[0].Machines[0])

	got := m.Targets("new")
	want := []string{"working", "dropped"}
	if len(got) != len(want) {
		t.Fatalf("Targets(new) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Targets(new)[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if len(m.Targets("done")) != 0 {
		t.Errorf("Targets(done) = %v, want none", m.Targets("done"))
	}
}

func TestMachine_Initial(t *testing.T) {
	m := compileMachine(testFiles()[0].Machines[0])
	if m.Initial().ID != "new" {
		t.Errorf("Initial() = %q, want new", m.Initial().ID)
	}
	if !m.HasStage("working") || m.HasStage("ghost") {
		t.Error("HasStage() mismatch")
	}
}

func TestMachine_ProgressBasis(t *testing.T) {
	m := compileMachine(testFiles()[0].Machines[0])
	if m.ProgressBasis() != 3 {
		t.Errorf("ProgressBasis() = %d, want 3 (dropped is excluded)", m.ProgressBasis())
	}
}

func TestMachine_Reached(t *testing.T) {
	m := compileMachine(testFiles()[0].Machines[0])

	tests := []struct {
		current, target string
		want            bool
	}{
		{"working", "new", true},
		{"working", "working", true},
		{"new", "working", false},
		{"done", "working", true},
		{"dropped", "new", false},
		{"ghost", "new", false},
		{"done", "ghost", false},
	}
	for _, tt := range tests {
		if got := m.Reached(tt.current, tt.target); got != tt.want {
			t.Errorf("Reached(%s, %s) = %v, want %v", tt.current, tt.target, got, tt.want)
		}
	}
}

func TestMachine_Reached_shippedEndStates(t *testing.T) {
	r := loadShipped(t)

	tests := []struct {
		machine, current, target string
		want                     bool
	}{
		// completed is out of the progress basis but still past issuance.
		{"visa", "completed", "issued", true},
		{"visa", "ticket_booked", "issued", true},
		{"visa", "submitted", "issued", false},
		{"candidate", "rejected", "registered", false},
		{"candidate", "withdrawn", "listed", false},
		{"departure", "cancelled", "scheduled", false},
	}
	for _, tt := range tests {
		m, err := r.Machine(tt.machine)
		if err != nil {
			t.Fatal(err)
		}
		if got := m.Reached(tt.current, tt.target); got != tt.want {
			t.Errorf("%s: Reached(%s, %s) = %v, want %v", tt.machine, tt.current, tt.target, got, tt.want)
		}
	}
}
