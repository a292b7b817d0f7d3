package domain

import "time"

// UpsertInput creates or updates a schedule
// exactly one of cron_expression or frequency must be set
type UpsertInput struct {
	ScheduleID   string          `json:"schedule_id" validate:"omitempty,uuid4"`
	Name         string          `json:"name" validate:"required,min=1,max=128"`
	CronExpr     string          `json:"cron_expression" validate:"omitempty"`
	Frequency    *FrequencyInput `json:"frequency" validate:"omitempty"`
	Timezone     string          `json:"timezone" validate:"omitempty,max=64"`
	LookbackDays int             `json:"lookback_days" validate:"omitempty,min=1,max=425"`
	Policy       string          `json:"segmentation_policy" validate:"omitempty,oneof=daily weekly monthly"`

	// historical load requested alongside the recurring runs, applied once
	BackfillLookbackDays int `json:"backfill_lookback_days" validate:"omitempty,min=1,max=425"`
}

// FrequencyInput is the structured alternative to a raw cron expression
// it is converted to one at write time
type FrequencyInput struct {
	Every      string `json:"every" validate:"required,oneof=daily weekly monthly"`
	At         string `json:"at" validate:"omitempty,datetime=15:04"`
	DaysOfWeek []int  `json:"days_of_week" validate:"omitempty,dive,min=0,max=6"`
	DayOfMonth int    `json:"day_of_month" validate:"omitempty,min=1,max=31"`
}

// IDInput addresses one schedule
type IDInput struct {
	ScheduleID string `json:"schedule_id" validate:"required,uuid4"`
}

// EvaluateInput optionally overrides the evaluation time
type EvaluateInput struct {
	Now string `json:"now" validate:"omitempty"`
}

// View is the wire shape of a schedule
type View struct {
	ScheduleID           string     `json:"schedule_id"`
	Name                 string     `json:"name"`
	CronExpr             string     `json:"cron_expression"`
	Timezone             string     `json:"timezone"`
	LookbackDays         int        `json:"lookback_days"`
	Policy               string     `json:"segmentation_policy"`
	IsActive             bool       `json:"is_active"`
	IsPaused             bool       `json:"is_paused"`
	LastRunAt            *time.Time `json:"last_run_at,omitempty"`
	NextRunAt            *time.Time `json:"next_run_at,omitempty"`
	RunCount             int        `json:"run_count"`
	FailureCount         int        `json:"failure_count"`
	BackfillStatus       string     `json:"backfill_status,omitempty"`
	BackfillCollectionID string     `json:"backfill_collection_id,omitempty"`
}

// EvaluateResult summarizes one evaluation sweep
type EvaluateResult struct {
	Evaluated int `json:"evaluated"`
	Fired     int `json:"fired"`
	Backfills int `json:"backfills"`
	Failures  int `json:"failures"`
}
