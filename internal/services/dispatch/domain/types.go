// Package domain holds the dispatcher's types and ports
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Submission is one segment handed to the execution backend
//
// Ref is the execution handle the dispatcher minted and persisted before
// submitting; the backend reports its outcome under this ref. It does not
// participate in the checksum
type Submission struct {
	Ref          string
	SegmentID    uuid.UUID
	CollectionID uuid.UUID
	Start        time.Time
	End          time.Time
	Params       map[string]string
}

// Checksum derives the dedup key for a submission: identical resolved work
// yields an identical checksum regardless of which collection asked for it
func (s Submission) Checksum() string {
	h := sha256.New()
	h.Write([]byte(s.Start.Format("2006-01-02")))
	h.Write([]byte{'|'})
	h.Write([]byte(s.End.Format("2006-01-02")))
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{'|'})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(s.Params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OutcomeStatus is the backend's verdict on one execution
type OutcomeStatus string

// Outcome statuses
const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// BackendOutcome is the out of band completion report for one execution ref
type BackendOutcome struct {
	Ref      string
	Status   OutcomeStatus
	RowCount int64
	Error    string
}

// ClaimedSegment is a segment a worker has won for dispatch
type ClaimedSegment struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	Start        time.Time
	End          time.Time
	Sequence     int
	Attempts     int
}
