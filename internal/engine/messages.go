package engine

import (
	"fmt"
	"time"
)

// Notification texts. The signature fragment ("Task '<title>'" or
// "Project '<title>'") must appear verbatim in every message so the
// Deduplicator's substring match holds.

// TitleSignature is the dedup signature for task-level notifications.
func TitleSignature(title string) string {
	return fmt.Sprintf("Task '%s'", title)
}

// ProjectSignature is the dedup signature for project-level notifications.
func ProjectSignature(title string) string {
	return fmt.Sprintf("Project '%s'", title)
}

// riskMessage renders the at-risk warning for a task by tier.
func riskMessage(tier RiskTier, title string) string {
	sig := TitleSignature(title)
	switch tier {
	case TierCritical:
		return fmt.Sprintf("CRITICAL: %s is severely behind schedule and may miss its deadline!", sig)
	case TierHigh:
		return fmt.Sprintf("HIGH RISK: %s is at high risk of missing its deadline.", sig)
	default:
		return fmt.Sprintf("WARNING: %s may miss its deadline based on current progress.", sig)
	}
}

// itemReminderMessage renders a lead-time reminder for a task deadline.
func itemReminderMessage(title string, due, now time.Time) string {
	sig := TitleSignature(title)
	left := due.Sub(now)
	switch {
	case left <= 0:
		return fmt.Sprintf("%s deadline has passed.", sig)
	case left < hoursPerDay*time.Hour:
		return fmt.Sprintf("%s is due in %d hours.", sig, int(left.Hours()))
	default:
		return fmt.Sprintf("%s is due in %d days.", sig, int(left.Hours()/hoursPerDay))
	}
}

// projectReminderMessage renders a project deadline reminder. The final
// kind carries a sharper tone than the regular due-soon reminders.
func projectReminderMessage(kind ReminderKind, title string, due, now time.Time) (msg string, urgency string) {
	sig := ProjectSignature(title)
	hoursUntil := due.Sub(now).Hours()
	daysUntil := int(hoursUntil / hoursPerDay)

	if kind == ReminderFinal || kind == ReminderDeadline {
		if hoursUntil <= 0 {
			return fmt.Sprintf("DEADLINE REACHED: %s deadline has passed!", sig), "CRITICAL"
		}
		return fmt.Sprintf("URGENT: %s deadline is in %d hours!", sig, int(hoursUntil)), "URGENT"
	}

	switch {
	case daysUntil <= 0:
		return fmt.Sprintf("%s deadline is today!", sig), "HIGH"
	case daysUntil == 1:
		return fmt.Sprintf("%s deadline is tomorrow!", sig), "MEDIUM"
	default:
		return fmt.Sprintf("%s deadline is in %d days", sig, daysUntil), "LOW"
	}
}

func riskEmailSubject(title string) string {
	return fmt.Sprintf("Task Deadline Warning - %s", title)
}

func projectEmailSubject(urgency, title string) string {
	return fmt.Sprintf("[%s] Deadline Reminder: %s", urgency, title)
}

// tierForUrgency maps a project reminder urgency label onto the risk tier
// scale used by the notifier's severity prefixes.
func tierForUrgency(urgency string) RiskTier {
	switch urgency {
	case "CRITICAL", "URGENT":
		return TierCritical
	case "HIGH":
		return TierHigh
	case "MEDIUM":
		return TierMedium
	default:
		return TierLow
	}
}
