package models

import (
	"time"

	"github.com/google/uuid"
)

// Occurrence is one reported instance of a bug. Number is assigned by the
// store at creation time and is unique within the owning bug, strictly
// increasing by creation order, and never reused — even after deletion.
type Occurrence struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	BugID      uuid.UUID `db:"bug_id"      json:"bug_id"`
	Number     int       `db:"number"      json:"number"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
	Client     string    `db:"client"      json:"client"`
	Message    string    `db:"message"     json:"message"`
	Revision   string    `db:"revision"    json:"revision"`

	// Backtraces and Metadata are cleared on truncation; everything above
	// survives as provenance.
	Backtraces Backtrace      `db:"backtraces" json:"backtraces,omitempty"`
	Metadata   map[string]any `db:"metadata"   json:"metadata,omitempty"`

	// SymbolicationID is the default native lookup table for this report.
	// Source maps are located by (project, environment, revision) and
	// obfuscation maps by the owning bug's deploy.
	SymbolicationID *uuid.UUID `db:"symbolication_id" json:"symbolication_id,omitempty"`

	Truncated        bool       `db:"truncated"          json:"truncated"`
	RedirectTargetID *uuid.UUID `db:"redirect_target_id" json:"redirect_target_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Truncate strips the heavy payload, keeping identity and provenance.
// Forward-idempotent: truncating an already-truncated occurrence is a no-op.
func (o *Occurrence) Truncate() {
	o.Backtraces = nil
	o.Metadata = nil
	o.Truncated = true
}

// RedirectTo truncates the occurrence and points it at its canonical
// replacement. The pointer is single-hop; chains are resolved by readers.
func (o *Occurrence) RedirectTo(target uuid.UUID) {
	o.Truncate()
	t := target
	o.RedirectTargetID = &t
}
