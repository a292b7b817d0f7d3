// Package time carries small time helpers used across the project
package time

import "time"

// Ptr returns a pointer to t
func Ptr(t time.Time) *time.Time { return &t }

// PtrOrNil returns nil when t is the zero value
func PtrOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
