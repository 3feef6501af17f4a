package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Resolver job types.
const (
	JobSymbolicate = "symbolicate"
	JobSourceMap   = "sourcemap"
	JobDeobfuscate = "deobfuscate"
)

// Job tracks an async backtrace-resolution run. Ingestion enqueues one job
// per applicable resolver after an occurrence is durably created; the client
// polls GET /api/v1/jobs/{job_id} until status is completed or failed.
// Resolvers are idempotent, so a job may safely run zero or more times.
type Job struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	OccurrenceID uuid.UUID  `db:"occurrence_id" json:"occurrence_id"`
	Type         string     `db:"type"          json:"type"`
	Status       string     `db:"status"        json:"status"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}
