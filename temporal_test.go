package rebac

import (
	"testing"
	"time"
)

func TestValidateCron(t *testing.T) {
	valid := []string{"* * * * *", "0 9-17 * * 1-5", "*/5 * * * *", "0 0 1 1 *"}
	for _, expr := range valid {
		if err := ValidateCron(expr); err != nil {
			t.Fatalf("%q should be valid: %v", expr, err)
		}
	}
	invalid := []string{"", "not a cron", "61 * * * *", "* * * *"}
	for _, expr := range invalid {
		if err := ValidateCron(expr); !IsInvalidInput(err) {
			t.Fatalf("%q should be rejected, got %v", expr, err)
		}
	}
}

func TestWithinCronWindow(t *testing.T) {
	// Wednesday 2025-03-12.
	at := func(hour, min, sec int) time.Time {
		return time.Date(2025, 3, 12, hour, min, sec, 0, time.UTC)
	}
	business := "0 9-17 * * 1-5"

	cases := []struct {
		name string
		expr string
		now  time.Time
		want bool
	}{
		{"top of business hour", business, at(10, 0, 0), true},
		{"thirty seconds after firing", business, at(10, 0, 30), true},
		{"ninety seconds after firing", business, at(10, 1, 30), true},
		{"mid hour is outside", business, at(10, 30, 0), false},
		{"evening is outside", business, at(20, 30, 0), false},
		{"every minute always inside", "* * * * *", at(13, 42, 17), true},
		{"five minute step inside", "*/5 * * * *", at(10, 5, 45), true},
		{"five minute step outside", "*/5 * * * *", at(10, 8, 0), false},
		{"invalid expression is outside", "garbage", at(10, 0, 0), false},
	}
	for _, tc := range cases {
		if got := WithinCronWindow(tc.expr, tc.now); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestScopedRoleActive(t *testing.T) {
	now := baseTime
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		role *ScopedRole
		want bool
	}{
		{"nil role", nil, false},
		{"no constraints", &ScopedRole{}, true},
		{"window open", &ScopedRole{ValidFrom: &past, ValidUntil: &future}, true},
		{"not yet valid", &ScopedRole{ValidFrom: &future}, false},
		{"already expired", &ScopedRole{ValidUntil: &past}, false},
		{"expiry boundary is exclusive", &ScopedRole{ValidUntil: &now}, false},
		{"start boundary is inclusive", &ScopedRole{ValidFrom: &now}, true},
		{"revoked", &ScopedRole{RevokedAt: &past}, false},
		{"schedule inside window", &ScopedRole{ScheduleCron: "0 9-17 * * 1-5"}, true},
		{"schedule outside window", &ScopedRole{ScheduleCron: "0 0-5 * * *"}, false},
		{"broken schedule never grants", &ScopedRole{ScheduleCron: "nope"}, false},
	}
	for _, tc := range cases {
		if got := tc.role.Active(now); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSchedulePresetsAreValid(t *testing.T) {
	presets := SchedulePresets()
	if len(presets) == 0 {
		t.Fatalf("expected presets")
	}
	seen := map[string]bool{}
	for _, p := range presets {
		if p.Name == "" || p.Description == "" {
			t.Fatalf("preset missing name or description: %+v", p)
		}
		if seen[p.Name] {
			t.Fatalf("duplicate preset %q", p.Name)
		}
		seen[p.Name] = true
		if err := ValidateCron(p.Expression); err != nil {
			t.Fatalf("preset %q has invalid expression: %v", p.Name, err)
		}
	}
}

func TestQuarterEndPresetCoversAllQuarters(t *testing.T) {
	var expr string
	for _, p := range SchedulePresets() {
		if p.Name == "last_day_of_quarter" {
			expr = p.Expression
		}
	}
	if expr == "" {
		t.Fatalf("last_day_of_quarter preset missing")
	}

	quarterEnds := []time.Time{
		time.Date(2025, 3, 31, 10, 0, 30, 0, time.UTC),
		time.Date(2025, 6, 30, 10, 0, 30, 0, time.UTC),
		time.Date(2025, 9, 30, 10, 0, 30, 0, time.UTC),
		time.Date(2025, 12, 31, 10, 0, 30, 0, time.UTC),
	}
	for _, at := range quarterEnds {
		if !WithinCronWindow(expr, at) {
			t.Fatalf("expected window open at %s", at)
		}
	}
	if WithinCronWindow(expr, time.Date(2025, 7, 15, 10, 0, 30, 0, time.UTC)) {
		t.Fatalf("window should be closed outside quarter ends")
	}
}
