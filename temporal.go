package rebac

import (
	"time"

	"github.com/robfig/cron/v3"
)

// ===== TEMPORAL VALIDATION =====
//
// A role assignment is active when its validity window contains now and,
// if a cron schedule is attached, now falls inside the schedule's
// activation window. Cron failures are treated as inactive: a broken
// schedule must never widen access.

const (
	// cronPrimaryWindow accepts an assignment whose schedule fired
	// within the last minute.
	cronPrimaryWindow = 60 * time.Second
	// cronActivationWindow is the secondary check: the first firing
	// after now-2m keeps the assignment active for two minutes.
	cronActivationWindow = 120 * time.Second
)

// ValidateCron rejects malformed five-field cron expressions.
func ValidateCron(expr string) error {
	if expr == "" {
		return newError(KindInvalidInput, "empty cron expression")
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return wrapError(KindInvalidInput, err, "invalid cron expression %q", expr)
	}
	return nil
}

// WithinCronWindow reports whether now falls inside the activation
// window of expr. Invalid expressions are always outside the window.
func WithinCronWindow(expr string, now time.Time) bool {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return false
	}
	// Fired within the last minute.
	if next := sched.Next(now.Add(-cronPrimaryWindow)); !next.After(now) {
		return true
	}
	// First occurrence after now-2m opens a two minute window.
	first := sched.Next(now.Add(-cronActivationWindow))
	if first.After(now) {
		return false
	}
	return now.Sub(first) < cronActivationWindow
}

// roleMetaActive evaluates the temporal gates on a has_role metadata bag.
func roleMetaActive(meta Metadata, now time.Time) bool {
	if meta.Time(MetaRevokedAt) != nil {
		return false
	}
	if from := meta.Time(MetaValidFrom); from != nil && from.After(now) {
		return false
	}
	if until := meta.Time(MetaValidUntil); until != nil && !until.After(now) {
		return false
	}
	if expr := meta.String(MetaScheduleCron); expr != "" {
		return WithinCronWindow(expr, now)
	}
	return true
}

// Active reports whether the assignment grants (or denies) at the given
// instant, applying the validity window and cron schedule.
func (r *ScopedRole) Active(now time.Time) bool {
	if r == nil || r.RevokedAt != nil {
		return false
	}
	if r.ValidFrom != nil && r.ValidFrom.After(now) {
		return false
	}
	if r.ValidUntil != nil && !r.ValidUntil.After(now) {
		return false
	}
	if r.ScheduleCron != "" {
		return WithinCronWindow(r.ScheduleCron, now)
	}
	return true
}

// CronPreset is a documented example schedule. Presets are starting
// points for operators, not enforced vocabulary.
type CronPreset struct {
	Name        string `json:"name"`
	Expression  string `json:"expression"`
	Description string `json:"description"`
}

func SchedulePresets() []CronPreset {
	return []CronPreset{
		{Name: "business_hours", Expression: "0 9-17 * * 1-5", Description: "Weekdays 09:00-17:59"},
		{Name: "weekends", Expression: "0 * * * 0,6", Description: "Saturday and Sunday, all day"},
		{Name: "after_hours", Expression: "0 0-8,18-23 * * *", Description: "Outside business hours"},
		{Name: "first_week", Expression: "0 * 1-7 * *", Description: "First seven days of each month"},
		{Name: "last_day_of_quarter", Expression: "0 * 30,31 3,6,9,12 *", Description: "Quarter-end closing days"},
	}
}
