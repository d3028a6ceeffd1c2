package compliance

import (
	"fmt"
	"time"

	"github.com/pitabwire/pravasi/model"
)

// Assess classifies the time elapsed since reference against policy.
//
// Elapsed time is truncated to whole policy units before any comparison, so
// 18h59m against an hourly policy counts as 18. The entity is Breached once
// the unit count exceeds the threshold and AtRisk once it reaches
// threshold*fraction. A policy without a risk fraction has no AtRisk band.
//
// now must not be earlier than reference; the clock never clamps.
func Assess(policy model.SlaPolicy, reference, now time.Time) (model.ComplianceAssessment, error) {
	unit := policy.Unit.Duration()
	if unit <= 0 {
		return model.ComplianceAssessment{}, model.NewBadRequestError(
			fmt.Sprintf("policy %q has unsupported unit %q", policy.Key, policy.Unit),
		)
	}
	if now.Before(reference) {
		return model.ComplianceAssessment{}, &model.NegativeElapsedTimeError{
			ReferenceTime: reference,
			Now:           now,
		}
	}

	elapsed := now.Sub(reference)
	units := int(elapsed / unit)

	band := model.RiskOnTrack
	switch {
	case units > policy.Threshold:
		band = model.RiskBreached
	case !policy.TwoBand() && float64(units) >= float64(policy.Threshold)*policy.RiskThresholdFraction:
		band = model.RiskAtRisk
	}

	return model.ComplianceAssessment{
		PolicyKey:     policy.Key,
		ReferenceTime: reference,
		Elapsed:       elapsed,
		ElapsedUnits:  units,
		Unit:          policy.Unit,
		DueAt:         reference.Add(policy.ThresholdDuration()),
		RiskBand:      band,
		IsBreached:    band == model.RiskBreached,
	}, nil
}
