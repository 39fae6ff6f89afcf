package engine

import (
	"sort"
)

// Scorer computes composite priority scores for ranking work items.
// The score has no absolute meaning; only relative ordering within one
// recipient's item set matters.
type Scorer struct {
	clock Clock
}

func NewScorer(clock Clock) *Scorer {
	if clock == nil {
		clock = NewClock()
	}
	return &Scorer{clock: clock}
}

// urgency maps deadline proximity to 0-10 (higher is more urgent).
func (s *Scorer) urgency(item WorkItem) float64 {
	due, ok := item.Due()
	if !ok {
		return 0
	}
	diff := due.Sub(s.clock.Now())
	if diff <= 0 {
		return 10 // overdue
	}
	daysRemaining := int(diff.Hours() / hoursPerDay)
	switch {
	case daysRemaining <= 1:
		return 9
	case daysRemaining <= 3:
		return 7
	case daysRemaining <= 7:
		return 5
	case daysRemaining <= 14:
		return 3
	case daysRemaining <= 30:
		return 1
	default:
		return 0.5
	}
}

// effort penalizes large estimates slightly (-2..0).
func effort(hours float64) float64 {
	switch {
	case hours <= 0:
		return 0
	case hours <= 2:
		return 0
	case hours <= 8:
		return -0.5
	case hours <= 24:
		return -1.0
	default:
		return -2.0
	}
}

// dependency boosts items that block subtasks and slightly demotes items
// that are themselves subtasks (-0.5..+5).
func dependency(item WorkItem) float64 {
	if item.SubtaskCount > 0 {
		boost := float64(item.SubtaskCount) * 1.5
		if boost > 5.0 {
			boost = 5.0
		}
		return boost
	}
	if item.IsSubtask {
		return -0.5
	}
	return 0
}

func statusModifier(st Status) float64 {
	switch st {
	case StatusInProgress:
		return 2.0
	case StatusPending:
		return 0
	default: // completed
		return -10.0
	}
}

// Score sums the urgency, effort, dependency and status terms, applies the
// stalled-start penalty, and floors the result at zero.
func (s *Scorer) Score(item WorkItem) float64 {
	score := s.urgency(item) + effort(item.EstimatedEffortHours) + dependency(item) + statusModifier(item.Status)

	// Started but untouched: deprioritize until it actually moves.
	if item.PercentComplete == 0 && item.Status == StatusInProgress {
		score -= 1.0
	}

	if score < 0 {
		return 0
	}
	return score
}

// Rank returns the items ordered by descending priority score.
// The input slice is not modified.
func (s *Scorer) Rank(items []WorkItem) []WorkItem {
	out := make([]WorkItem, len(items))
	copy(out, items)
	scores := make(map[string]float64, len(out))
	for _, it := range out {
		scores[it.ID] = s.Score(it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].ID] > scores[out[j].ID]
	})
	return out
}
