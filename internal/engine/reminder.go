package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

// ReminderKind labels what a fired reminder job should say.
type ReminderKind string

const (
	// ReminderDueSoon is the regular lead-time reminder.
	ReminderDueSoon ReminderKind = "due_soon"
	// ReminderFinal is the last-call reminder shortly before a project
	// deadline; it carries a sharper tone.
	ReminderFinal ReminderKind = "final"
	// ReminderLead is the per-recipient reminder honoring the recipient's
	// lead-hours preference.
	ReminderLead ReminderKind = "lead"
	// ReminderDeadline fires at the deadline itself.
	ReminderDeadline ReminderKind = "deadline"
)

// Lead-time tiers. Higher-priority items get more reminder rungs.
var (
	leadOffsetsHigh   = []time.Duration{7 * 24 * time.Hour, 3 * 24 * time.Hour, 24 * time.Hour, 4 * time.Hour}
	leadOffsetsMedium = []time.Duration{3 * 24 * time.Hour, 24 * time.Hour}
	leadOffsetsLow    = []time.Duration{24 * time.Hour}

	// Projects always get the full ladder; the 4h rung is the final call.
	projectDueSoonOffsets = []time.Duration{7 * 24 * time.Hour, 3 * 24 * time.Hour, 24 * time.Hour}
	projectFinalOffset    = 4 * time.Hour
)

// LeadOffsetsForPriority picks the reminder ladder for an item by its
// priority score.
func LeadOffsetsForPriority(score float64) []time.Duration {
	switch {
	case score >= 8:
		return leadOffsetsHigh
	case score >= 5:
		return leadOffsetsMedium
	default:
		return leadOffsetsLow
	}
}

// allItemOffsets is the union of every tier, used to derive the complete
// possible key set on cancel.
func allItemOffsets() []time.Duration { return leadOffsetsHigh }

// formatOffset renders a lead offset compactly and deterministically:
// whole days as "7d", whole hours as "4h", anything else as Go duration.
func formatOffset(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

// Job keys. A later submission with the same key replaces the earlier job,
// which is what makes schedule calls idempotent.

func itemJobKey(itemID string, offset time.Duration) string {
	return fmt.Sprintf("reminder:item:%s:%s", itemID, formatOffset(offset))
}

func projectJobKey(projectID, recipientID string, kind ReminderKind, offset time.Duration) string {
	if kind == ReminderLead || kind == ReminderDeadline {
		// Preference-derived rungs have exactly one job per recipient, so
		// the offset is left out of the key and rescheduling a changed
		// preference replaces the old job.
		return fmt.Sprintf("reminder:project:%s:%s:%s", projectID, recipientID, kind)
	}
	return fmt.Sprintf("reminder:project:%s:%s:%s:%s", projectID, recipientID, kind, formatOffset(offset))
}

// ReminderPayload describes the notification a fired job should raise.
type ReminderPayload struct {
	Kind        ReminderKind `json:"kind"`
	ItemID      string       `json:"item_id,omitempty"`
	ProjectID   string       `json:"project_id,omitempty"`
	RecipientID string       `json:"recipient_id,omitempty"`
	Offset      string       `json:"offset,omitempty"`
}

// FallbackDispatch performs the equivalent notification side effect
// immediately and locally when the asynchronous job queue is unreachable,
// so the at-risk guarantee never silently vanishes.
type FallbackDispatch func(ctx context.Context, p ReminderPayload) error

// ReminderScheduler computes absolute fire-times for lead offsets and
// submits, revokes and replaces delayed jobs with deterministic keys.
type ReminderScheduler struct {
	queue    JobQueue
	clock    Clock
	log      logx.Logger
	bus      eventbus.Bus
	fallback FallbackDispatch
}

func NewReminderScheduler(queue JobQueue, clock Clock, log logx.Logger, bus eventbus.Bus) *ReminderScheduler {
	if clock == nil {
		clock = NewClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ReminderScheduler{queue: queue, clock: clock, log: log, bus: bus}
}

// SetFallback installs the synchronous local dispatch path used when the
// queue rejects a submission.
func (s *ReminderScheduler) SetFallback(fn FallbackDispatch) { s.fallback = fn }

// ScheduleForDeadline submits one delayed job per offset whose fire-time
// is still in the future. Past offsets are silently skipped. It returns
// the number of jobs actually submitted.
func (s *ReminderScheduler) ScheduleForDeadline(ctx context.Context, itemID string, dueAt time.Time, offsets []time.Duration) (int, error) {
	now := s.clock.Now()
	due := dueAt.UTC()
	submitted := 0
	var errs []error

	for _, off := range offsets {
		fireAt := due.Add(-off)
		if !fireAt.After(now) {
			continue
		}
		payload, err := json.Marshal(ReminderPayload{
			Kind:   ReminderDueSoon,
			ItemID: itemID,
			Offset: formatOffset(off),
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := itemJobKey(itemID, off)
		if err := s.queue.Submit(ctx, key, fireAt, payload); err != nil {
			// A lost submission means one future notification won't fire.
			// Log, try the local fallback, and keep scheduling the rest.
			s.log.Warn("reminder submit failed",
				logx.String("key", key),
				logx.Time("fire_at", fireAt),
				logx.Err(err))
			s.dispatchFallback(ctx, ReminderPayload{Kind: ReminderDueSoon, ItemID: itemID, Offset: formatOffset(off)})
			errs = append(errs, err)
			continue
		}
		submitted++
		s.publish(eventbus.TypeReminderScheduled, key, fireAt)
	}
	return submitted, errors.Join(errs...)
}

// ScheduleItem picks the offset tier from the item's priority score and
// schedules reminders against its deadline.
func (s *ReminderScheduler) ScheduleItem(ctx context.Context, item WorkItem, priorityScore float64) (int, error) {
	due, ok := item.Due()
	if !ok {
		return 0, nil
	}
	return s.ScheduleForDeadline(ctx, item.ID, due, LeadOffsetsForPriority(priorityScore))
}

// CancelItem revokes every possible reminder job for the item. Jobs that
// never existed or already fired are no-ops.
func (s *ReminderScheduler) CancelItem(ctx context.Context, itemID string) error {
	var errs []error
	for _, off := range allItemOffsets() {
		key := itemJobKey(itemID, off)
		if err := s.queue.Revoke(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		s.publish(eventbus.TypeReminderRevoked, key, time.Time{})
	}
	return errors.Join(errs...)
}

// RescheduleItem cancels and re-schedules. When cancel succeeds but
// scheduling fails the error is surfaced so the caller retries the whole
// operation; a half-cancelled state is never reported as success.
func (s *ReminderScheduler) RescheduleItem(ctx context.Context, item WorkItem, priorityScore float64) (int, error) {
	if err := s.CancelItem(ctx, item.ID); err != nil {
		return 0, fmt.Errorf("cancel reminders for %s: %w", item.ID, err)
	}
	n, err := s.ScheduleItem(ctx, item, priorityScore)
	if err != nil {
		return n, fmt.Errorf("reschedule reminders for %s: %w", item.ID, err)
	}
	return n, nil
}

// ScheduleProject schedules the fixed project ladder for every member:
// due-soon rungs at 7d/3d/1d, a final call at 4h, a per-recipient lead
// reminder honoring the member's preference, and a notification at the
// deadline itself. Deadlines already in the past schedule nothing.
func (s *ReminderScheduler) ScheduleProject(ctx context.Context, projectID string, dueAt time.Time, members []Recipient) (int, error) {
	now := s.clock.Now()
	due := dueAt.UTC()
	if !due.After(now) {
		return 0, nil
	}

	submitted := 0
	var errs []error
	submit := func(r Recipient, kind ReminderKind, offset time.Duration, fireAt time.Time) {
		if !fireAt.After(now) {
			return
		}
		payload, err := json.Marshal(ReminderPayload{
			Kind:        kind,
			ProjectID:   projectID,
			RecipientID: r.ID,
			Offset:      formatOffset(offset),
		})
		if err != nil {
			errs = append(errs, err)
			return
		}
		key := projectJobKey(projectID, r.ID, kind, offset)
		if err := s.queue.Submit(ctx, key, fireAt, payload); err != nil {
			s.log.Warn("project reminder submit failed",
				logx.String("key", key),
				logx.Time("fire_at", fireAt),
				logx.Err(err))
			s.dispatchFallback(ctx, ReminderPayload{Kind: kind, ProjectID: projectID, RecipientID: r.ID})
			errs = append(errs, err)
			return
		}
		submitted++
		s.publish(eventbus.TypeReminderScheduled, key, fireAt)
	}

	for _, m := range members {
		for _, off := range projectDueSoonOffsets {
			submit(m, ReminderDueSoon, off, due.Add(-off))
		}
		submit(m, ReminderFinal, projectFinalOffset, due.Add(-projectFinalOffset))

		lead := time.Duration(m.LeadHours()) * time.Hour
		submit(m, ReminderLead, lead, due.Add(-lead))
		submit(m, ReminderDeadline, 0, due)
	}
	return submitted, errors.Join(errs...)
}

// CancelProject revokes all reminder jobs for the project across the
// given members.
func (s *ReminderScheduler) CancelProject(ctx context.Context, projectID string, members []Recipient) error {
	var errs []error
	revoke := func(key string) {
		if err := s.queue.Revoke(ctx, key); err != nil {
			errs = append(errs, err)
			return
		}
		s.publish(eventbus.TypeReminderRevoked, key, time.Time{})
	}
	for _, m := range members {
		for _, off := range projectDueSoonOffsets {
			revoke(projectJobKey(projectID, m.ID, ReminderDueSoon, off))
		}
		revoke(projectJobKey(projectID, m.ID, ReminderFinal, projectFinalOffset))
		revoke(projectJobKey(projectID, m.ID, ReminderLead, 0))
		revoke(projectJobKey(projectID, m.ID, ReminderDeadline, 0))
	}
	return errors.Join(errs...)
}

// RescheduleProject cancels then re-schedules after a deadline change.
// No job derived from the old deadline survives a successful call.
func (s *ReminderScheduler) RescheduleProject(ctx context.Context, projectID string, newDueAt time.Time, members []Recipient) (int, error) {
	if err := s.CancelProject(ctx, projectID, members); err != nil {
		return 0, fmt.Errorf("cancel project reminders for %s: %w", projectID, err)
	}
	n, err := s.ScheduleProject(ctx, projectID, newDueAt, members)
	if err != nil {
		return n, fmt.Errorf("reschedule project reminders for %s: %w", projectID, err)
	}
	return n, nil
}

// RescheduleRecipientLead replaces the recipient's preference-derived lead
// reminder after they change their lead-hours setting.
func (s *ReminderScheduler) RescheduleRecipientLead(ctx context.Context, projectID string, dueAt time.Time, member Recipient) error {
	key := projectJobKey(projectID, member.ID, ReminderLead, 0)
	if err := s.queue.Revoke(ctx, key); err != nil {
		return err
	}

	now := s.clock.Now()
	due := dueAt.UTC()
	lead := time.Duration(member.LeadHours()) * time.Hour
	fireAt := due.Add(-lead)
	if !fireAt.After(now) {
		return nil
	}
	payload, err := json.Marshal(ReminderPayload{
		Kind:        ReminderLead,
		ProjectID:   projectID,
		RecipientID: member.ID,
		Offset:      formatOffset(lead),
	})
	if err != nil {
		return err
	}
	if err := s.queue.Submit(ctx, key, fireAt, payload); err != nil {
		return err
	}
	s.publish(eventbus.TypeReminderScheduled, key, fireAt)
	return nil
}

func (s *ReminderScheduler) dispatchFallback(ctx context.Context, p ReminderPayload) {
	if s.fallback == nil {
		return
	}
	if err := s.fallback(ctx, p); err != nil {
		s.log.Warn("fallback dispatch failed", logx.String("kind", string(p.Kind)), logx.Err(err))
	}
}

func (s *ReminderScheduler) publish(typ, key string, fireAt time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{"key": key, "fire_at": fireAt}})
}
