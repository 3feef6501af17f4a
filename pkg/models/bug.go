package models

import (
	"time"

	"github.com/google/uuid"
)

// Bug is a logical, deduplicated defect grouping occurrences that share a
// source location fingerprint. A bug does not own its occurrences
// exclusively: recategorization may re-point an occurrence at another bug.
type Bug struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	ProjectID uuid.UUID `db:"project_id" json:"project_id"`

	// Identity fields used by the assignment collaborator.
	ClassName string `db:"class_name" json:"class_name"`
	File      string `db:"file"       json:"file"`
	Line      int    `db:"line"       json:"line"`

	Environment string     `db:"environment" json:"environment"`
	DeployID    *uuid.UUID `db:"deploy_id"   json:"deploy_id,omitempty"`

	// FirstOccurrence is set once, from the earliest-created occurrence,
	// and never changed afterwards.
	FirstOccurrence *time.Time `db:"first_occurrence" json:"first_occurrence,omitempty"`

	AssignedUser string `db:"assigned_user" json:"assigned_user,omitempty"`
	Irrelevant   bool   `db:"irrelevant"    json:"irrelevant"`
	Fixed        bool   `db:"fixed"         json:"fixed"`
	FixDeployed  bool   `db:"fix_deployed"  json:"fix_deployed"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Reopen clears the fixed flags. A fixed bug receiving a reclassified report
// is not actually fixed.
func (b *Bug) Reopen() {
	b.Fixed = false
	b.FixDeployed = false
}
