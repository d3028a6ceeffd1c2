package model

import "time"

// EntityWorkflowState is an entity's position in one machine. It is owned by
// the entity and changed only through the workflow orchestrator.
type EntityWorkflowState struct {
	EntityID       string    `json:"entity_id"`
	MachineName    string    `json:"machine"`
	CurrentStateID string    `json:"current_state"`
	EnteredAt      time.Time `json:"entered_at"`
	CreatedAt      time.Time `json:"created_at"`

	// PolicyKey selects the SLA policy, e.g. "complaint.high".
	PolicyKey string `json:"policy_key,omitempty"`

	// Links maps a machine name to the ID of a related entity on that
	// machine, e.g. a candidate's visa record.
	Links map[string]string `json:"links,omitempty"`

	History []HistoryEntry `json:"history"`
	Version int            `json:"version"`
}

// HistoryEntry records one committed transition.
type HistoryEntry struct {
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	ChangedAt time.Time `json:"changed_at"`
	ChangedBy string    `json:"changed_by"`
}

// Clone returns a deep copy so callers can derive a new state without
// touching the original.
func (s EntityWorkflowState) Clone() EntityWorkflowState {
	c := s
	if s.History != nil {
		c.History = make([]HistoryEntry, len(s.History))
		copy(c.History, s.History)
	}
	if s.Links != nil {
		c.Links = make(map[string]string, len(s.Links))
		for k, v := range s.Links {
			c.Links[k] = v
		}
	}
	return c
}

// LastEntered returns when the entity most recently entered stage.
func (s EntityWorkflowState) LastEntered(stage string) (time.Time, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].ToState == stage {
			return s.History[i].ChangedAt, true
		}
	}
	// The initial stage is entered at creation and has no history entry.
	if len(s.History) == 0 && s.CurrentStateID == stage {
		return s.CreatedAt, true
	}
	if len(s.History) > 0 && s.History[0].FromState == stage {
		return s.CreatedAt, true
	}
	return time.Time{}, false
}

// RiskBand classifies elapsed time against a policy threshold.
type RiskBand string

// Risk bands in escalation order.
const (
	RiskOnTrack  RiskBand = "on_track"
	RiskAtRisk   RiskBand = "at_risk"
	RiskBreached RiskBand = "breached"
)

// Rank orders bands so that a later band always has a higher rank.
func (b RiskBand) Rank() int {
	switch b {
	case RiskOnTrack:
		return 1
	case RiskAtRisk:
		return 2
	case RiskBreached:
		return 3
	default:
		return 0
	}
}

// ComplianceAssessment is derived on every evaluation and never stored.
type ComplianceAssessment struct {
	PolicyKey     string        `json:"policy_key"`
	ReferenceTime time.Time     `json:"reference_time"`
	Elapsed       time.Duration `json:"elapsed"`
	ElapsedUnits  int           `json:"elapsed_units"`
	Unit          TimeUnit      `json:"unit"`
	DueAt         time.Time     `json:"due_at"`
	RiskBand      RiskBand      `json:"risk_band"`
	IsBreached    bool          `json:"is_breached"`
}

// TransitionEvent is handed to the notification collaborator after a
// transition commits. Recipients are resolved up front so the collaborator
// never inspects the entity.
type TransitionEvent struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	Machine    string    `json:"machine"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Actor      string    `json:"actor"`
	ChangedAt  time.Time `json:"changed_at"`
	Terminal   bool      `json:"terminal"`
	Progress   int       `json:"progress"`
	PolicyKey  string    `json:"policy_key,omitempty"`
	RiskBand   RiskBand  `json:"risk_band,omitempty"`
	Recipients []string  `json:"recipients"`
}

// TransitionResult is the outcome of an accepted transition.
type TransitionResult struct {
	State      EntityWorkflowState   `json:"state"`
	Stage      StageDefinition       `json:"stage"`
	Progress   int                   `json:"progress"`
	IsTerminal bool                  `json:"is_terminal"`
	AllowsEdit bool                  `json:"allows_edit"`
	Assessment *ComplianceAssessment `json:"assessment,omitempty"`
	Recipients []string              `json:"recipients"`
	Event      TransitionEvent       `json:"event"`

	// DispatchError is set when notification failed after commit.
	DispatchError *DispatcherFailure `json:"-"`
}
