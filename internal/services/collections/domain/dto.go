package domain

import "time"

// CreateInput is the inbound request to create a collection
type CreateInput struct {
	Type          CollectionType `json:"type" validate:"omitempty,oneof=backfill weekly_update"`
	Lookback      LookbackInput  `json:"lookback"`
	Policy        string         `json:"segmentation_policy" validate:"required,oneof=daily weekly monthly"`
	FailurePolicy FailurePolicy  `json:"failure_policy" validate:"omitempty,oneof=failfast besteffort"`
	ParallelLimit int            `json:"parallel_limit" validate:"omitempty,min=1,max=64"`
}

// LookbackInput is the wire form of a lookback config
// relative and custom are mutually exclusive; both absent means the default window
type LookbackInput struct {
	Value uint   `json:"value" validate:"omitempty,min=1"`
	Unit  string `json:"unit" validate:"omitempty,oneof=days weeks months"`
	Start string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	End   string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

// IDInput addresses one collection
type IDInput struct {
	CollectionID string `json:"collection_id" validate:"required,uuid4"`
}

// CreatedView echoes the persisted collection back to the caller
type CreatedView struct {
	CollectionID string `json:"collection_id"`
	Status       string `json:"status"`
	WindowStart  string `json:"window_start"`
	WindowEnd    string `json:"window_end"`
	Segments     int    `json:"segments"`
	PlanOnly     bool   `json:"plan_only,omitempty"`
}

// SegmentView is the reporting shape of one segment
type SegmentView struct {
	Sequence     int    `json:"sequence"`
	Start        string `json:"start"`
	End          string `json:"end"`
	Status       string `json:"status"`
	ExecutionRef string `json:"execution_ref,omitempty"`
	RowCount     *int64 `json:"row_count,omitempty"`
	Error        string `json:"error,omitempty"`
}

// StatusView is the aggregate view of a collection and its segments
type StatusView struct {
	CollectionID   string        `json:"collection_id"`
	Type           string        `json:"type"`
	Status         string        `json:"status"`
	WindowStart    string        `json:"window_start"`
	WindowEnd      string        `json:"window_end"`
	ProgressPct    float64       `json:"progress_percentage"`
	WeeksCompleted int           `json:"weeks_completed"`
	TotalSegments  int           `json:"total_segments"`
	CreatedAt      time.Time     `json:"created_at"`
	Segments       []SegmentView `json:"segments"`
}

// ListView is a compact row for collection listings
type ListView struct {
	CollectionID string  `json:"collection_id"`
	Type         string  `json:"type"`
	Status       string  `json:"status"`
	WindowStart  string  `json:"window_start"`
	WindowEnd    string  `json:"window_end"`
	ProgressPct  float64 `json:"progress_percentage"`
}
