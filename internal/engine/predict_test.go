package engine

import (
	"math"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestVelocity(t *testing.T) {
	t.Parallel()

	p := NewPredictor(newFakeClock(testNow))

	tests := []struct {
		name string
		item WorkItem
		want float64
	}{
		{
			name: "half done in ten days",
			item: WorkItem{CreatedAt: testNow.AddDate(0, 0, -10), PercentComplete: 50},
			want: 5,
		},
		{
			name: "no progress",
			item: WorkItem{CreatedAt: testNow.AddDate(0, 0, -10), PercentComplete: 0},
			want: 0,
		},
		{
			name: "unknown creation time",
			item: WorkItem{PercentComplete: 50},
			want: 0,
		},
		{
			name: "created in the future",
			item: WorkItem{CreatedAt: testNow.Add(time.Hour), PercentComplete: 50},
			want: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := p.Velocity(tc.item)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("Velocity() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPredictCompletion(t *testing.T) {
	t.Parallel()

	p := NewPredictor(newFakeClock(testNow))

	t.Run("completed predicts now", func(t *testing.T) {
		got := p.PredictCompletion(WorkItem{PercentComplete: 100})
		if !got.Equal(testNow) {
			t.Fatalf("PredictCompletion() = %v, want %v", got, testNow)
		}
	})

	t.Run("zero velocity predicts far future", func(t *testing.T) {
		got := p.PredictCompletion(WorkItem{CreatedAt: testNow.AddDate(0, 0, -5)})
		want := testNow.AddDate(0, 0, 365)
		if !got.Equal(want) {
			t.Fatalf("PredictCompletion() = %v, want %v", got, want)
		}
	})

	t.Run("linear extrapolation", func(t *testing.T) {
		// 50% in 10 days is 5%/day, so the remaining 50% takes 10 more days.
		item := WorkItem{CreatedAt: testNow.AddDate(0, 0, -10), PercentComplete: 50}
		got := p.PredictCompletion(item)
		want := testNow.AddDate(0, 0, 10)
		if d := got.Sub(want); d < -time.Minute || d > time.Minute {
			t.Fatalf("PredictCompletion() = %v, want about %v", got, want)
		}
	})
}

func TestAtRiskAndTier(t *testing.T) {
	t.Parallel()

	p := NewPredictor(newFakeClock(testNow))

	tests := []struct {
		name     string
		item     WorkItem
		wantRisk bool
		wantTier RiskTier
	}{
		{
			name: "on track",
			item: WorkItem{
				CreatedAt:       testNow.AddDate(0, 0, -10),
				PercentComplete: 50,
				DueAt:           timePtr(testNow.AddDate(0, 0, 20)),
				Status:          StatusInProgress,
			},
			wantRisk: false,
			wantTier: TierLow,
		},
		{
			name: "predicted eight days late is critical",
			item: WorkItem{
				CreatedAt:       testNow.AddDate(0, 0, -10),
				PercentComplete: 50,
				DueAt:           timePtr(testNow.AddDate(0, 0, 2)),
				Status:          StatusInProgress,
			},
			wantRisk: true,
			wantTier: TierCritical,
		},
		{
			name: "one day late is medium",
			item: WorkItem{
				CreatedAt:       testNow.AddDate(0, 0, -10),
				PercentComplete: 50,
				DueAt:           timePtr(testNow.AddDate(0, 0, 9).Add(time.Hour)),
				Status:          StatusInProgress,
			},
			wantRisk: true,
			wantTier: TierMedium,
		},
		{
			name: "three days late is high",
			item: WorkItem{
				CreatedAt:       testNow.AddDate(0, 0, -10),
				PercentComplete: 50,
				DueAt:           timePtr(testNow.AddDate(0, 0, 7).Add(2 * time.Hour)),
				Status:          StatusInProgress,
			},
			wantRisk: true,
			wantTier: TierHigh,
		},
		{
			name: "no deadline never at risk",
			item: WorkItem{
				CreatedAt: testNow.AddDate(0, 0, -30),
				Status:    StatusInProgress,
			},
			wantRisk: false,
			wantTier: TierLow,
		},
		{
			name: "completed never at risk even if overdue",
			item: WorkItem{
				CreatedAt:       testNow.AddDate(0, 0, -30),
				PercentComplete: 100,
				DueAt:           timePtr(testNow.AddDate(0, 0, -5)),
				Status:          StatusCompleted,
			},
			wantRisk: false,
			wantTier: TierLow,
		},
		{
			name: "stalled item with near deadline",
			item: WorkItem{
				CreatedAt: testNow.AddDate(0, 0, -5),
				DueAt:     timePtr(testNow.AddDate(0, 0, 2)),
				Status:    StatusPending,
			},
			wantRisk: true,
			wantTier: TierCritical,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := p.Evaluate(tc.item)
			if a.AtRisk != tc.wantRisk {
				t.Fatalf("AtRisk = %v, want %v", a.AtRisk, tc.wantRisk)
			}
			if a.Tier != tc.wantTier {
				t.Fatalf("Tier = %v, want %v", a.Tier, tc.wantTier)
			}
		})
	}
}

func TestTierSeverityOrdering(t *testing.T) {
	t.Parallel()

	order := []RiskTier{TierLow, TierMedium, TierHigh, TierCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Severity() <= order[i-1].Severity() {
			t.Fatalf("severity of %s not above %s", order[i], order[i-1])
		}
	}
}
