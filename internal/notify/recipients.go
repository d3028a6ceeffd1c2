package notify

import (
	"github.com/pitabwire/pravasi/model"
)

// RecipientSource looks up a machine's recipient policy.
type RecipientSource interface {
	RecipientPolicy(machine string) (model.RecipientPolicy, bool)
}

// Resolve derives the roles to notify. The result is the base roles, then
// the escalation tiers up to and including the one matching policyKey, then
// the on_enter roles of stage, then the on_breach roles if breached. The
// first occurrence of a role wins. An empty stage skips on_enter.
func Resolve(policy model.RecipientPolicy, policyKey, stage string, breached bool) []string {
	out := make([]string, 0, len(policy.Roles))
	seen := make(map[string]bool)
	add := func(roles []string) {
		for _, r := range roles {
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}

	add(policy.Roles)

	if policyKey != "" {
		for i, tier := range policy.Escalation {
			if tier.Key != policyKey {
				continue
			}
			for _, t := range policy.Escalation[:i+1] {
				add(t.Roles)
			}
			break
		}
	}

	if stage != "" {
		add(policy.OnEnter[stage])
	}
	if breached {
		add(policy.OnBreach)
	}
	return out
}

// Resolver resolves recipients against loaded recipient policies.
type Resolver struct {
	src RecipientSource
}

// NewResolver creates a Resolver.
func NewResolver(src RecipientSource) *Resolver {
	return &Resolver{src: src}
}

// Recipients returns the roles for a machine, or an empty list when the
// machine has no recipient policy.
func (r *Resolver) Recipients(machine, policyKey, stage string, breached bool) []string {
	policy, ok := r.src.RecipientPolicy(machine)
	if !ok {
		return []string{}
	}
	return Resolve(policy, policyKey, stage, breached)
}
