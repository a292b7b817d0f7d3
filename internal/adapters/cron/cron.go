// Package cron adapts the robfig cron parser to the schedule calculator seam
package cron

import (
	"time"

	robfig "github.com/robfig/cron/v3"

	perr "reflow/internal/platform/errors"
)

// Calculator computes next firing times from standard five field cron
// expressions evaluated in the schedule's location
type Calculator struct {
	parser robfig.Parser
}

// New returns a Calculator accepting standard expressions plus descriptors
// like @daily and @every
func New() *Calculator {
	return &Calculator{
		parser: robfig.NewParser(
			robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
		),
	}
}

// Next returns the first firing time strictly after the given instant
func (c *Calculator) Next(expr string, loc *time.Location, after time.Time) (time.Time, error) {
	sched, err := c.parser.Parse(expr)
	if err != nil {
		return time.Time{}, perr.InvalidArgf("parse cron %q: %s", expr, err.Error())
	}
	if loc == nil {
		loc = time.UTC
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, perr.InvalidArgf("cron %q never fires", expr)
	}
	return next, nil
}
