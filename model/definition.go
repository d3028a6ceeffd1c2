package model

import "time"

// DefinitionFile is the root structure of a definition file. A file may
// declare any mix of state machines, compliance policies, and recipient
// policies; they are merged into one registry at load time.
type DefinitionFile struct {
	Machines   []MachineDefinition `yaml:"machines"   json:"machines,omitempty"`
	Policies   []SlaPolicy         `yaml:"policies"   json:"policies,omitempty"`
	Recipients []RecipientPolicy   `yaml:"recipients" json:"recipients,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// MachineDefinition describes one finite-state model: its stages and the
// adjacency table of legal transitions.
type MachineDefinition struct {
	Name         string            `yaml:"name"          json:"name"`
	Label        string            `yaml:"label"         json:"label"`
	Version      string            `yaml:"version"       json:"version"`
	InitialStage string            `yaml:"initial_stage" json:"initial_stage"`
	Stages       []StageDefinition `yaml:"stages"        json:"stages"`

	// Transitions maps a stage ID to the stage IDs it may move to.
	Transitions map[string][]string `yaml:"transitions" json:"transitions"`

	// ReopenExceptions lists terminal stages that are allowed outgoing
	// transitions, e.g. a closed complaint that can be reopened.
	ReopenExceptions []string `yaml:"reopen_exceptions" json:"reopen_exceptions,omitempty"`

	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}

// StageDefinition describes one state in a machine.
type StageDefinition struct {
	ID       string `yaml:"id"       json:"id"`
	Label    string `yaml:"label"    json:"label"`
	Order    int    `yaml:"order"    json:"order"`
	Terminal bool   `yaml:"terminal" json:"is_terminal"`
	Color    string `yaml:"color"    json:"color,omitempty"`

	// ExcludeFromProgress removes the stage from the progress denominator,
	// used for sentinels like a visa's "completed" or a rejection outcome.
	ExcludeFromProgress bool `yaml:"exclude_from_progress" json:"exclude_from_progress,omitempty"`

	// SideExit marks a terminal stage that leaves the main path (rejected,
	// withdrawn, cancelled). An entity parked there has not reached any
	// later stage, whatever its order.
	SideExit bool `yaml:"side_exit" json:"side_exit,omitempty"`

	// Requires lists cross-entity rules checked before entering this stage.
	Requires []Prerequisite `yaml:"requires" json:"requires,omitempty"`
}

// Prerequisite requires a linked entity on Machine to have reached MinStage.
type Prerequisite struct {
	Machine  string `yaml:"machine"   json:"machine"`
	MinStage string `yaml:"min_stage" json:"min_stage"`
}

// TimeUnit is the unit an SLA policy counts in.
type TimeUnit string

// Supported policy units.
const (
	UnitHours TimeUnit = "hours"
	UnitDays  TimeUnit = "days"
)

// Duration returns the length of one unit.
func (u TimeUnit) Duration() time.Duration {
	switch u {
	case UnitDays:
		return 24 * time.Hour
	case UnitHours:
		return time.Hour
	default:
		return 0
	}
}

// SlaPolicy is an immutable time budget looked up by key, such as a complaint
// priority ("complaint.high") or a compliance window ("departure.post_arrival").
type SlaPolicy struct {
	Key       string   `yaml:"key"       json:"key"`
	Machine   string   `yaml:"machine"   json:"machine"`
	Unit      TimeUnit `yaml:"unit"      json:"unit"`
	Threshold int      `yaml:"threshold" json:"threshold"`

	// RiskThresholdFraction opens the at-risk band once this fraction of the
	// threshold has elapsed. Zero selects the two-band model.
	RiskThresholdFraction float64 `yaml:"risk_threshold_fraction" json:"risk_threshold_fraction,omitempty"`

	// ReferenceStage starts the clock when the entity enters the stage. Empty
	// starts it at the entity's registration.
	ReferenceStage string `yaml:"reference_stage" json:"reference_stage,omitempty"`

	// ActiveStages limits evaluation to these stages. Empty means every
	// non-terminal stage.
	ActiveStages []string `yaml:"active_stages" json:"active_stages,omitempty"`
}

// ThresholdDuration returns the policy threshold as a duration.
func (p SlaPolicy) ThresholdDuration() time.Duration {
	return time.Duration(p.Threshold) * p.Unit.Duration()
}

// TwoBand reports whether the policy has no at-risk tier.
func (p SlaPolicy) TwoBand() bool {
	return p.RiskThresholdFraction <= 0
}

// RecipientPolicy derives who is told about a machine's transitions.
type RecipientPolicy struct {
	Machine string   `yaml:"machine" json:"machine"`
	Roles   []string `yaml:"roles"   json:"roles"`

	// Escalation tiers are cumulative: an entity whose policy key matches
	// tier N receives the roles of tiers 0..N.
	Escalation []EscalationTier `yaml:"escalation" json:"escalation,omitempty"`

	OnEnter  map[string][]string `yaml:"on_enter"  json:"on_enter,omitempty"`
	OnBreach []string            `yaml:"on_breach" json:"on_breach,omitempty"`
}

// EscalationTier is one step of a recipient escalation ladder.
type EscalationTier struct {
	Key   string   `yaml:"key"   json:"key"`
	Roles []string `yaml:"roles" json:"roles"`
}
