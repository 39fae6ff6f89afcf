package engine

import (
	"time"
)

// Status is the canonical work item lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// ItemKind distinguishes task-level and project-level work items.
// Both carry deadlines and progress; project items additionally fan
// reminders out to project members.
type ItemKind string

const (
	KindTask    ItemKind = "task"
	KindProject ItemKind = "project"
)

// RiskTier buckets how far predicted completion exceeds the due date.
type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

// Severity returns a sortable weight (higher is worse).
func (t RiskTier) Severity() int {
	switch t {
	case TierCritical:
		return 4
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	}
	return 0
}

// WorkItem is a fully-materialized snapshot of a trackable unit of work.
// The predictors and scorers below only ever read it, so evaluations stay
// side-effect free and independently testable.
type WorkItem struct {
	ID          string
	Kind        ItemKind
	Title       string
	ProjectID   string
	RecipientID string

	CreatedAt time.Time  // zero means unknown
	DueAt     *time.Time // nil means no deadline

	PercentComplete      int // 0-100
	EstimatedEffortHours float64
	Status               Status
	SubtaskCount         int
	IsSubtask            bool
	LastProgressUpdateAt time.Time

	// PriorityScore is a cached ranking aid; never authoritative.
	// Always safe to recompute from the fields above.
	PriorityScore float64
}

// Due reports the deadline normalized to UTC, and whether one is set.
func (w WorkItem) Due() (time.Time, bool) {
	if w.DueAt == nil {
		return time.Time{}, false
	}
	return w.DueAt.UTC(), true
}

// Recipient is the owner of work items and the target of notifications.
type Recipient struct {
	ID    string
	Name  string
	Email string

	EmailEnabled bool
	InAppEnabled bool

	// ReminderLeadHours is the recipient's preferred lead time for
	// project-level deadline reminders. Zero means the default (1h).
	ReminderLeadHours int
}

// LeadHours returns the effective project reminder lead preference.
func (r Recipient) LeadHours() int {
	if r.ReminderLeadHours <= 0 {
		return 1
	}
	return r.ReminderLeadHours
}

// RiskAssessment is derived fresh on every evaluation and never cached
// beyond a single sweep pass.
type RiskAssessment struct {
	Velocity              float64 // percent per day, >= 0
	PredictedCompletionAt time.Time
	AtRisk                bool
	Tier                  RiskTier
}

// AssessedItem pairs an item with its assessment for reporting.
type AssessedItem struct {
	Item       WorkItem
	Assessment RiskAssessment
}

// NotificationRecord is the persisted trace of a dispatched notification.
// The Deduplicator treats these records as the single source of truth for
// "was this recipient already told recently".
type NotificationRecord struct {
	ID          string
	RecipientID string
	WorkItemID  string // optional link to the originating item
	Message     string
	CreatedAt   time.Time
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Scanned    int
	AtRisk     int
	Notified   int
	EmailsSent int
	Failed     int // items skipped after retries; the sweep continued
}

func (r *SweepReport) add(o SweepReport) {
	r.Scanned += o.Scanned
	r.AtRisk += o.AtRisk
	r.Notified += o.Notified
	r.EmailsSent += o.EmailsSent
	r.Failed += o.Failed
}

// Clock supplies current UTC time. All deadline comparisons normalize
// to UTC before comparing.
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// NewClock returns the real UTC clock.
func NewClock() Clock { return utcClock{} }
