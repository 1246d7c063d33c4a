package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final. A terminal run is never
// reopened.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial || s == RunStatusFailed
}

type RunTrigger string

const (
	TriggerManual    RunTrigger = "manual"
	TriggerScheduled RunTrigger = "scheduled"
)

// ScraperRun is the log record for one ingestion run. Created in `running`
// state, mutated only by its own coordinator, finalized exactly once.
type ScraperRun struct {
	ID              int64      `json:"id" db:"id"`
	Trigger         RunTrigger `json:"trigger" db:"triggered_by"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at" db:"finished_at"`
	Status          RunStatus  `json:"status" db:"status"`
	RecordsSeen     int        `json:"records_seen" db:"records_seen"`
	RecordsUpserted int        `json:"records_upserted" db:"records_upserted"`
	RecordsFailed   int        `json:"records_failed" db:"records_failed"`
	ErrorSummary    *string    `json:"error_summary" db:"error_summary"`
}
