package models

import (
	"time"

	"github.com/google/uuid"
)

// Deploy records a release of a project to an environment. Obfuscation maps
// are anchored to the deploy that produced them.
type Deploy struct {
	ID          uuid.UUID `db:"id"          json:"id"`
	ProjectID   uuid.UUID `db:"project_id"  json:"project_id"`
	Environment string    `db:"environment" json:"environment"`
	Revision    string    `db:"revision"    json:"revision"`
	DeployedAt  time.Time `db:"deployed_at" json:"deployed_at"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`
}
