// Package blame holds the bug-assignment collaborator. Given an occurrence,
// a Blamer decides which bug the report belongs to; it may return the current
// bug, another existing bug, or a freshly created one. The clustering policy
// itself is pluggable — the occurrence lifecycle only depends on the
// interface.
package blame

import (
	"context"

	"github.com/faultline-io/faultline/pkg/models"
)

// Blamer decides the owning bug for an occurrence. Implementations that
// create a new bug are responsible for persisting it before returning.
type Blamer interface {
	Decide(ctx context.Context, occ *models.Occurrence) (*models.Bug, error)
}
