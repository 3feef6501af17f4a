package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/faultline-io/faultline/internal/store"
	"github.com/faultline-io/faultline/pkg/models"
)

// Evaluator is the post-commit hook point: it runs once per durably created
// occurrence and decides whether anyone should hear about it.
type Evaluator struct {
	store  store.Store
	pager  Pager
	mailer Mailer
}

// NewEvaluator creates an Evaluator. pager and mailer may be nil, which
// disables the respective channel.
func NewEvaluator(s store.Store, pager Pager, mailer Mailer) *Evaluator {
	return &Evaluator{store: s, pager: pager, mailer: mailer}
}

// OccurrenceCreated evaluates the paging policy for a freshly committed
// occurrence. Errors are logged, never returned: notification must not
// affect ingestion.
func (e *Evaluator) OccurrenceCreated(ctx context.Context, bug *models.Bug, occ *models.Occurrence) {
	project, err := e.store.GetProject(ctx, bug.ProjectID)
	if err != nil {
		slog.Error("notify: load project", "error", err, "bug_id", bug.ID)
		return
	}

	count, err := e.store.CountOccurrencesSince(ctx, bug.ID, time.Now().UTC().Add(-project.NotifyWindow()))
	if err != nil {
		slog.Error("notify: count occurrences", "error", err, "bug_id", bug.ID)
		return
	}

	// Owned bugs mail the assignee instead of paging.
	if bug.AssignedUser != "" {
		if e.mailer == nil || bug.Fixed || bug.Irrelevant || count < project.NotifyThreshold {
			return
		}
		subject := IncidentTitle(bug, count)
		body := fmt.Sprintf("Occurrence #%d of bug %s recorded at %s.",
			occ.Number, bug.ID, occ.OccurredAt.Format(time.RFC3339))
		if err := e.mailer.Send(ctx, bug.AssignedUser, subject, body); err != nil {
			slog.Error("notify: send mail", "error", err, "bug_id", bug.ID)
		}
		return
	}

	if !ShouldPage(project, bug, count) {
		return
	}

	if e.pager == nil {
		return
	}
	page := Page{
		RoutingKey:  project.PagerRoutingKey,
		IncidentKey: IncidentKey(bug),
		Title:       IncidentTitle(bug, count),
		Details: map[string]any{
			"bug_id":            bug.ID.String(),
			"occurrence_number": occ.Number,
			"environment":       bug.Environment,
			"count_in_window":   count,
		},
	}
	if err := e.pager.Trigger(ctx, page); err != nil {
		slog.Error("notify: trigger page", "error", err, "bug_id", bug.ID)
	}
}

// IncidentKey keys incidents by bug so repeated breaches of one bug dedup
// into a single open incident.
func IncidentKey(bug *models.Bug) string {
	return fmt.Sprintf("bug/%s", bug.ID)
}

// IncidentTitle formats the one-line incident summary.
func IncidentTitle(bug *models.Bug, count int) string {
	return fmt.Sprintf("%s at %s:%d (%d occurrences in window)",
		bug.ClassName, bug.File, bug.Line, count)
}
