// Package notify evaluates per-project paging policy after an occurrence is
// durably committed. Delivery targets are interfaces; the evaluator never
// blocks ingestion and never fails it — a delivery error is logged and
// dropped.
package notify

import (
	"context"
	"log/slog"

	"github.com/faultline-io/faultline/pkg/models"
)

// Page is one incident-paging request.
type Page struct {
	RoutingKey  string
	IncidentKey string
	Title       string
	Details     map[string]any
}

// Pager opens incidents with an external paging service.
type Pager interface {
	Trigger(ctx context.Context, p Page) error
}

// Mailer delivers templated notification mail.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer logs instead of delivering. Stand-in until a real delivery
// backend is configured.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, to, subject, _ string) error {
	slog.Info("mail suppressed", "to", to, "subject", subject)
	return nil
}

// ShouldPage applies the paging policy: the project has paging configured,
// the bug is still live (not fixed, not irrelevant, unassigned), and the
// occurrence count inside the notification window breached the threshold.
func ShouldPage(project *models.Project, bug *models.Bug, countInWindow int) bool {
	if !project.PagingEnabled || project.PagerRoutingKey == "" {
		return false
	}
	if bug.Fixed || bug.Irrelevant || bug.AssignedUser != "" {
		return false
	}
	return countInWindow >= project.NotifyThreshold
}
