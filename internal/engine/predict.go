package engine

import (
	"time"
)

const (
	hoursPerDay = 24

	// farFutureDays is the "effectively never" horizon used when an item
	// shows no measurable progress. It exists only for comparison against
	// deadlines and is never surfaced to users as a literal date.
	farFutureDays = 365
)

// Predictor derives completion velocity, predicted completion and risk
// tiers from work item snapshots. All methods are pure reads.
type Predictor struct {
	clock Clock
}

func NewPredictor(clock Clock) *Predictor {
	if clock == nil {
		clock = NewClock()
	}
	return &Predictor{clock: clock}
}

// Velocity returns completion velocity in percent per day, >= 0.
// Unknown creation time or no progress yields 0; a non-positive elapsed
// span (clock skew, same-instant creation) also yields 0.
func (p *Predictor) Velocity(item WorkItem) float64 {
	if item.CreatedAt.IsZero() || item.PercentComplete <= 0 {
		return 0
	}
	daysElapsed := p.clock.Now().Sub(item.CreatedAt.UTC()).Hours() / hoursPerDay
	if daysElapsed <= 0 {
		return 0
	}
	return float64(item.PercentComplete) / daysElapsed
}

// PredictCompletion estimates when the item finishes at current velocity.
func (p *Predictor) PredictCompletion(item WorkItem) time.Time {
	now := p.clock.Now()
	if item.PercentComplete >= 100 {
		return now
	}
	v := p.Velocity(item)
	if v <= 0 {
		return now.AddDate(0, 0, farFutureDays)
	}
	remaining := float64(100 - item.PercentComplete)
	daysToComplete := remaining / v
	return now.Add(time.Duration(daysToComplete * float64(hoursPerDay) * float64(time.Hour)))
}

// AtRisk reports whether the item is predicted to miss its deadline.
// Items without a deadline and completed items are never at risk.
func (p *Predictor) AtRisk(item WorkItem) bool {
	due, ok := item.Due()
	if !ok || item.Status == StatusCompleted {
		return false
	}
	return p.PredictCompletion(item).After(due)
}

// Tier buckets the predicted delay. The no-deadline check must run before
// any delay math: an item can't be late against a deadline it doesn't have.
func (p *Predictor) Tier(item WorkItem) RiskTier {
	if !p.AtRisk(item) {
		return TierLow
	}
	due, ok := item.Due()
	if !ok {
		return TierLow
	}
	delayDays := int(p.PredictCompletion(item).Sub(due).Hours() / hoursPerDay)
	switch {
	case delayDays <= 1:
		return TierMedium
	case delayDays <= 3:
		return TierHigh
	default:
		return TierCritical
	}
}

// Evaluate computes a complete assessment in one pass.
func (p *Predictor) Evaluate(item WorkItem) RiskAssessment {
	return RiskAssessment{
		Velocity:              p.Velocity(item),
		PredictedCompletionAt: p.PredictCompletion(item),
		AtRisk:                p.AtRisk(item),
		Tier:                  p.Tier(item),
	}
}
