package window

import "time"

// Policy decides how a window is split into spans
type Policy string

// Segmentation policies
const (
	PolicyDaily   Policy = "daily"
	PolicyWeekly  Policy = "weekly"
	PolicyMonthly Policy = "monthly"
)

// Valid reports whether p is a known policy
func (p Policy) Valid() bool {
	switch p {
	case PolicyDaily, PolicyWeekly, PolicyMonthly:
		return true
	}
	return false
}

// Span is one bounded sub-range of a window
// Sequence is 1-based and exists for reporting order only
type Span struct {
	Start    time.Time
	End      time.Time
	Sequence int
}

// Segment splits a window into ordered, contiguous, non-overlapping spans
// whose union covers the window exactly; calling it twice with the same
// inputs yields an identical plan
func Segment(w DateWindow, p Policy) ([]Span, error) {
	if !w.Valid() {
		return nil, &InvalidWindowError{Window: w}
	}
	if !p.Valid() {
		return nil, &UnknownPolicyError{Policy: p}
	}

	var spans []Span
	cur := w.Start
	seq := 1
	for !cur.After(w.End) {
		end := spanEnd(cur, w.End, p)
		spans = append(spans, Span{Start: cur, End: end, Sequence: seq})
		cur = end.AddDate(0, 0, 1)
		seq++
	}
	return spans, nil
}

func spanEnd(start, windowEnd time.Time, p Policy) time.Time {
	var end time.Time
	switch p {
	case PolicyDaily:
		return start
	case PolicyWeekly:
		end = start.AddDate(0, 0, 6)
	case PolicyMonthly:
		end = endOfMonth(start)
	}
	if end.After(windowEnd) {
		return windowEnd
	}
	return end
}

// endOfMonth returns the last calendar day of t's month
func endOfMonth(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1)
}

// InvalidWindowError rejects segmentation of a malformed window
type InvalidWindowError struct {
	Window DateWindow
}

func (e *InvalidWindowError) Error() string {
	return "cannot segment invalid window " + e.Window.String()
}

// UnknownPolicyError rejects segmentation under an unrecognized policy
type UnknownPolicyError struct {
	Policy Policy
}

func (e *UnknownPolicyError) Error() string {
	return "unknown segmentation policy " + string(e.Policy)
}
