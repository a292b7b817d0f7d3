package window

import (
	"errors"
	"testing"
	"time"
)

func d(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func TestResolve_RelativeDays(t *testing.T) {
	t.Parallel()

	now := d(2025, time.March, 10)
	w := Resolve(Relative(7, UnitDays), now)

	if !w.Start.Equal(d(2025, time.March, 3)) {
		t.Fatalf("start = %s, want 2025-03-03", w.Start.Format("2006-01-02"))
	}
	if !w.End.Equal(now) {
		t.Fatalf("end = %s, want now", w.End.Format("2006-01-02"))
	}
}

func TestResolve_RelativeUnits(t *testing.T) {
	t.Parallel()

	now := d(2025, time.March, 31)
	cases := []struct {
		name  string
		cfg   LookbackConfig
		start time.Time
	}{
		{"two weeks", Relative(2, UnitWeeks), d(2025, time.March, 17)},
		{"one month calendar", Relative(1, UnitMonths), d(2025, time.March, 3)}, // Feb 31 normalizes forward
		{"twelve months", Relative(12, UnitMonths), d(2024, time.March, 31)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := Resolve(tc.cfg, now)
			if !w.Start.Equal(tc.start) {
				t.Fatalf("start = %s, want %s",
					w.Start.Format("2006-01-02"), tc.start.Format("2006-01-02"))
			}
			if !w.End.Equal(now) {
				t.Fatalf("end = %s, want now", w.End.Format("2006-01-02"))
			}
		})
	}
}

func TestResolve_CustomPassthrough(t *testing.T) {
	t.Parallel()

	w := Resolve(Custom(d(2024, time.January, 1), d(2024, time.January, 31)), d(2025, time.June, 1))
	if !w.Start.Equal(d(2024, time.January, 1)) || !w.End.Equal(d(2024, time.January, 31)) {
		t.Fatalf("custom window mangled: %s", w)
	}
}

func TestResolve_CustomInvertedNotCorrected(t *testing.T) {
	t.Parallel()

	w := Resolve(Custom(d(2024, time.February, 1), d(2024, time.January, 1)), d(2025, time.June, 1))
	if w.Valid() {
		t.Fatal("inverted custom range reported valid")
	}
	if err := Validate(w, DefaultMaxLookbackDays); err == nil {
		t.Fatal("Validate accepted inverted window")
	}
}

func TestResolve_MalformedFallsBackToDefault(t *testing.T) {
	t.Parallel()

	now := d(2025, time.March, 10)
	cases := []struct {
		name string
		cfg  LookbackConfig
	}{
		{"zero config", LookbackConfig{}},
		{"relative zero value", Relative(0, UnitDays)},
		{"relative bad unit", LookbackConfig{Kind: KindRelative, Value: 3, Unit: "fortnights"}},
		{"custom missing dates", LookbackConfig{Kind: KindCustom}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := Resolve(tc.cfg, now)
			if !w.End.Equal(now) || !w.Start.Equal(now.AddDate(0, 0, -DefaultLookbackDays)) {
				t.Fatalf("fallback window = %s, want 7 trailing days", w)
			}
		})
	}
}

func TestResolve_TruncatesClock(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.March, 10, 17, 42, 3, 0, time.UTC)
	w := Resolve(Relative(1, UnitDays), now)
	if h, m, s := w.End.Clock(); h != 0 || m != 0 || s != 0 {
		t.Fatalf("end carries time of day: %s", w.End)
	}
}

func TestValidate_Ceiling(t *testing.T) {
	t.Parallel()

	// 500 day window against the 425 day ceiling
	w := DateWindow{Start: d(2024, time.January, 1), End: d(2024, time.January, 1).AddDate(0, 0, 500)}
	err := Validate(w, DefaultMaxLookbackDays)

	var tooLarge *TooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("err = %v, want TooLargeError", err)
	}
	if !tooLarge.Window.Start.Equal(w.Start) {
		t.Fatal("error does not echo the computed window")
	}
}

func TestValidate_AtCeilingOK(t *testing.T) {
	t.Parallel()

	w := DateWindow{Start: d(2024, time.January, 1), End: d(2024, time.January, 1).AddDate(0, 0, 425)}
	if err := Validate(w, 425); err != nil {
		t.Fatalf("window exactly at ceiling rejected: %v", err)
	}
}

func TestDays_Inclusive(t *testing.T) {
	t.Parallel()

	w := DateWindow{Start: d(2025, time.March, 3), End: d(2025, time.March, 10)}
	if got := w.Days(); got != 8 {
		t.Fatalf("Days = %d, want 8", got)
	}
	one := DateWindow{Start: d(2025, time.March, 3), End: d(2025, time.March, 3)}
	if got := one.Days(); got != 1 {
		t.Fatalf("single day window Days = %d, want 1", got)
	}
}
