package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

// Coordinator runs the periodic risk sweeps and exposes the read-side
// evaluation facade. A sweep scans active items, evaluates risk fresh on
// every pass and raises tier-worded warnings through the dedup gate; one
// bad item or recipient never aborts the rest of the pass.
type Coordinator struct {
	items      WorkItemRepository
	recipients RecipientStore
	notes      NotificationStore
	dedup      *Deduplicator
	predictor  *Predictor
	scorer     *Scorer
	scheduler  *ReminderScheduler
	gateway    NotifierGateway
	clock      Clock
	log        logx.Logger
	bus        eventbus.Bus
	retryMax   int
}

type CoordinatorOptions struct {
	Items      WorkItemRepository
	Recipients RecipientStore
	Notes      NotificationStore
	Dedup      *Deduplicator
	Scheduler  *ReminderScheduler
	Gateway    NotifierGateway
	Clock      Clock
	Log        logx.Logger
	Bus        eventbus.Bus

	// RetryMax is the number of extra attempts per item on transient
	// store failures before the item is counted as failed and skipped.
	RetryMax int
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	clock := opts.Clock
	if clock == nil {
		clock = NewClock()
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	retryMax := opts.RetryMax
	if retryMax <= 0 {
		retryMax = 2
	}
	return &Coordinator{
		items:      opts.Items,
		recipients: opts.Recipients,
		notes:      opts.Notes,
		dedup:      opts.Dedup,
		predictor:  NewPredictor(clock),
		scorer:     NewScorer(clock),
		scheduler:  opts.Scheduler,
		gateway:    opts.Gateway,
		clock:      clock,
		log:        log,
		bus:        opts.Bus,
		retryMax:   retryMax,
	}
}

// EvaluateRisk assesses a single item. Pure read.
func (c *Coordinator) EvaluateRisk(item WorkItem) RiskAssessment {
	return c.predictor.Evaluate(item)
}

// ScorePriority computes the composite priority score for an item.
func (c *Coordinator) ScorePriority(item WorkItem) float64 {
	return c.scorer.Score(item)
}

// RankByPriority orders items by descending priority score.
func (c *Coordinator) RankByPriority(items []WorkItem) []WorkItem {
	return c.scorer.Rank(items)
}

// AtRiskItems evaluates the recipient's active items and returns the
// at-risk subset ordered by severity, worst first.
func (c *Coordinator) AtRiskItems(ctx context.Context, recipientID string) ([]AssessedItem, error) {
	items, err := c.items.ActiveItemsForRecipient(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list active items for %s: %w", recipientID, err)
	}
	out := make([]AssessedItem, 0, len(items))
	for _, it := range items {
		a := c.predictor.Evaluate(it)
		if a.AtRisk {
			out = append(out, AssessedItem{Item: it, Assessment: a})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Assessment.Tier.Severity() > out[j].Assessment.Tier.Severity()
	})
	return out, nil
}

// Sweep scans one recipient's active items and raises at-risk warnings.
// Transient failures on individual items are retried and, if exhausted,
// counted in the report; the sweep always finishes the list.
func (c *Coordinator) Sweep(ctx context.Context, recipientID string) (SweepReport, error) {
	var report SweepReport

	rcpt, err := c.recipients.Get(ctx, recipientID)
	if err != nil {
		return report, fmt.Errorf("load recipient %s: %w", recipientID, err)
	}
	items, err := c.items.ActiveItemsForRecipient(ctx, recipientID)
	if err != nil {
		return report, fmt.Errorf("list active items for %s: %w", recipientID, err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Scanned++

		assessment := c.predictor.Evaluate(item)
		if !assessment.AtRisk {
			continue
		}
		report.AtRisk++

		item := item
		err := withRetry(ctx, c.retryMax, func() error {
			return c.warnAtRisk(ctx, rcpt, item, assessment, &report)
		})
		if err != nil {
			report.Failed++
			c.log.Warn("at-risk warning skipped",
				logx.String("item_id", item.ID),
				logx.String("recipient_id", recipientID),
				logx.Err(err))
		}
	}
	return report, nil
}

// warnAtRisk applies the dedup gate and dispatches one tier-worded warning.
// Counters are only bumped after the corresponding write succeeded, so a
// retried invocation never double-counts.
func (c *Coordinator) warnAtRisk(ctx context.Context, rcpt Recipient, item WorkItem, a RiskAssessment, report *SweepReport) error {
	signature := TitleSignature(item.Title)
	ok, err := c.dedup.ShouldNotify(ctx, rcpt.ID, signature)
	if err != nil {
		return err
	}
	if !ok {
		c.publish(eventbus.TypeNotifyDeduped, map[string]any{"recipient_id": rcpt.ID, "item_id": item.ID})
		return nil
	}

	// The record is written regardless of channel preferences: it is what
	// the dedup gate matches against, so skipping it would re-warn on every
	// sweep. InAppEnabled only controls whether the recipient sees it.
	msg := riskMessage(a.Tier, item.Title)
	rec := NotificationRecord{
		ID:          uuid.NewString(),
		RecipientID: rcpt.ID,
		WorkItemID:  item.ID,
		Message:     msg,
		CreatedAt:   c.clock.Now(),
	}
	if err := c.notes.Create(ctx, rec); err != nil {
		return Transient(fmt.Errorf("create notification: %w", err))
	}
	report.Notified++

	if rcpt.EmailEnabled && rcpt.Email != "" && c.gateway != nil {
		if err := c.gateway.DeliverEmail(ctx, rcpt, riskEmailSubject(item.Title), msg, a.Tier); err != nil {
			c.log.Warn("risk email request failed",
				logx.String("recipient_id", rcpt.ID),
				logx.Err(err))
		} else {
			report.EmailsSent++
		}
	}

	c.publish(eventbus.TypeNotifySent, map[string]any{
		"recipient_id": rcpt.ID,
		"item_id":      item.ID,
		"tier":         string(a.Tier),
	})
	return nil
}

// SweepAll sweeps every active recipient. A failing recipient is logged
// and skipped; their failure never stops the others.
func (c *Coordinator) SweepAll(ctx context.Context) (SweepReport, error) {
	var total SweepReport

	recipients, err := c.recipients.ListActive(ctx)
	if err != nil {
		return total, fmt.Errorf("list recipients: %w", err)
	}

	started := c.clock.Now()
	for _, r := range recipients {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		report, err := c.Sweep(ctx, r.ID)
		total.add(report)
		if err != nil {
			total.Failed++
			c.log.Warn("recipient sweep failed", logx.String("recipient_id", r.ID), logx.Err(err))
		}
	}

	c.log.Info("sweep finished",
		logx.Int("recipients", len(recipients)),
		logx.Int("scanned", total.Scanned),
		logx.Int("at_risk", total.AtRisk),
		logx.Int("notified", total.Notified),
		logx.Int("emails", total.EmailsSent),
		logx.Int("failed", total.Failed),
		logx.Duration("elapsed", c.clock.Now().Sub(started)))
	c.publish(eventbus.TypeSweepFinished, map[string]any{
		"scanned":  total.Scanned,
		"at_risk":  total.AtRisk,
		"notified": total.Notified,
		"failed":   total.Failed,
	})
	return total, nil
}

// SweepProjects re-submits reminder schedules for every active project due
// inside the window. Submission keys are stable, so a pass over an already
// scheduled project replaces jobs in place and nothing fires twice.
func (c *Coordinator) SweepProjects(ctx context.Context, withinDays int) (int, error) {
	if c.scheduler == nil {
		return 0, errors.New("no reminder scheduler configured")
	}
	if withinDays <= 0 {
		withinDays = 7
	}

	projects, err := c.items.ActiveItemsDueWithin(ctx, withinDays)
	if err != nil {
		return 0, fmt.Errorf("list due projects: %w", err)
	}

	scheduled := 0
	for _, p := range projects {
		if ctx.Err() != nil {
			return scheduled, ctx.Err()
		}
		due, ok := p.Due()
		if !ok {
			continue
		}
		members, err := c.recipients.MembersOfProject(ctx, p.ID)
		if err != nil {
			c.log.Warn("project member lookup failed", logx.String("project_id", p.ID), logx.Err(err))
			continue
		}
		n, err := c.scheduler.ScheduleProject(ctx, p.ID, due, members)
		scheduled += n
		if err != nil {
			c.log.Warn("project scheduling incomplete",
				logx.String("project_id", p.ID),
				logx.Int("submitted", n),
				logx.Err(err))
		}
	}
	return scheduled, nil
}

// UpdateProgress applies a progress update, recomputes the cached priority
// score and replaces the item's reminder schedule to match the new score.
// Score caching and rescheduling are best-effort; the progress write is
// the only step whose failure fails the call.
func (c *Coordinator) UpdateProgress(ctx context.Context, itemID string, percent int) (WorkItem, error) {
	updated, err := c.items.ApplyProgress(ctx, itemID, clampPercent(percent))
	if err != nil {
		return WorkItem{}, fmt.Errorf("apply progress to %s: %w", itemID, err)
	}

	score := c.scorer.Score(updated)
	if err := c.items.SavePriorityScore(ctx, updated.ID, score); err != nil {
		c.log.Debug("priority score cache skipped", logx.String("item_id", updated.ID), logx.Err(err))
	} else {
		updated.PriorityScore = score
	}

	if c.scheduler != nil {
		if updated.Status == StatusCompleted {
			if err := c.scheduler.CancelItem(ctx, updated.ID); err != nil {
				c.log.Warn("reminder cancel failed", logx.String("item_id", updated.ID), logx.Err(err))
			}
		} else if _, ok := updated.Due(); ok {
			if _, err := c.scheduler.RescheduleItem(ctx, updated, score); err != nil {
				c.log.Warn("reminder reschedule failed", logx.String("item_id", updated.ID), logx.Err(err))
			}
		}
	}
	return updated, nil
}

// ChangeDeadline reschedules reminders after a deadline change. The caller
// persists the new deadline first; this replaces every job derived from
// the old one.
func (c *Coordinator) ChangeDeadline(ctx context.Context, itemID string) error {
	if c.scheduler == nil {
		return nil
	}
	item, err := c.items.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("load item %s: %w", itemID, err)
	}
	if _, ok := item.Due(); !ok || item.Status == StatusCompleted {
		return c.scheduler.CancelItem(ctx, itemID)
	}
	_, err = c.scheduler.RescheduleItem(ctx, item, c.scorer.Score(item))
	return err
}

func (c *Coordinator) publish(typ string, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
