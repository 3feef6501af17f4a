package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline/internal/notify"
	"github.com/faultline-io/faultline/internal/store/memory"
	"github.com/faultline-io/faultline/pkg/models"
)

type recordingPager struct {
	mu    sync.Mutex
	pages []notify.Page
	err   error
}

func (p *recordingPager) Trigger(_ context.Context, page notify.Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages = append(p.pages, page)
	return p.err
}

func pagingProject() *models.Project {
	return &models.Project{
		ID:              uuid.New(),
		Name:            "shop",
		PagingEnabled:   true,
		PagerRoutingKey: "rk-1",
		NotifyThreshold: 3,
		NotifyWindowSec: 3600,
	}
}

func liveBug(projectID uuid.UUID) *models.Bug {
	return &models.Bug{
		ID:          uuid.New(),
		ProjectID:   projectID,
		ClassName:   "NullPointerException",
		File:        "app/widget.rb",
		Line:        10,
		Environment: "production",
	}
}

func TestShouldPage(t *testing.T) {
	project := pagingProject()

	tests := []struct {
		name   string
		mutate func(p *models.Project, b *models.Bug)
		count  int
		want   bool
	}{
		{name: "threshold breached", count: 3, want: true},
		{name: "below threshold", count: 2, want: false},
		{
			name:   "paging disabled",
			mutate: func(p *models.Project, _ *models.Bug) { p.PagingEnabled = false },
			count:  10, want: false,
		},
		{
			name:   "no routing key",
			mutate: func(p *models.Project, _ *models.Bug) { p.PagerRoutingKey = "" },
			count:  10, want: false,
		},
		{
			name:   "fixed bug never pages",
			mutate: func(_ *models.Project, b *models.Bug) { b.Fixed = true },
			count:  10, want: false,
		},
		{
			name:   "irrelevant bug never pages",
			mutate: func(_ *models.Project, b *models.Bug) { b.Irrelevant = true },
			count:  10, want: false,
		},
		{
			name:   "assigned bug is someone's problem already",
			mutate: func(_ *models.Project, b *models.Bug) { b.AssignedUser = "kay" },
			count:  10, want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := *project
			b := *liveBug(p.ID)
			if tt.mutate != nil {
				tt.mutate(&p, &b)
			}
			assert.Equal(t, tt.want, notify.ShouldPage(&p, &b, tt.count))
		})
	}
}

func TestOccurrenceCreated_PagesOnBreach(t *testing.T) {
	s := memory.New()
	project := pagingProject()
	project.NotifyThreshold = 1
	s.PutProject(project)

	bug := liveBug(project.ID)
	require.NoError(t, s.CreateBug(context.Background(), bug))

	occ := &models.Occurrence{ID: uuid.New(), BugID: bug.ID, OccurredAt: time.Now().UTC()}
	require.NoError(t, s.CreateOccurrence(context.Background(), occ))

	pager := &recordingPager{}
	ev := notify.NewEvaluator(s, pager, notify.LogMailer{})
	ev.OccurrenceCreated(context.Background(), bug, occ)

	require.Len(t, pager.pages, 1)
	page := pager.pages[0]
	assert.Equal(t, "rk-1", page.RoutingKey)
	assert.Equal(t, notify.IncidentKey(bug), page.IncidentKey)
	assert.Contains(t, page.Title, "NullPointerException at app/widget.rb:10")
}

func TestOccurrenceCreated_DeliveryFailureIsSwallowed(t *testing.T) {
	s := memory.New()
	project := pagingProject()
	project.NotifyThreshold = 1
	s.PutProject(project)

	bug := liveBug(project.ID)
	require.NoError(t, s.CreateBug(context.Background(), bug))
	occ := &models.Occurrence{ID: uuid.New(), BugID: bug.ID, OccurredAt: time.Now().UTC()}
	require.NoError(t, s.CreateOccurrence(context.Background(), occ))

	pager := &recordingPager{err: errors.New("routing key revoked")}
	ev := notify.NewEvaluator(s, pager, nil)

	// must not panic or propagate
	ev.OccurrenceCreated(context.Background(), bug, occ)
	assert.Len(t, pager.pages, 1)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *recordingMailer) Send(_ context.Context, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to+": "+subject)
	return nil
}

func TestOccurrenceCreated_AssignedBugMailsInsteadOfPaging(t *testing.T) {
	s := memory.New()
	project := pagingProject()
	project.NotifyThreshold = 1
	s.PutProject(project)

	bug := liveBug(project.ID)
	bug.AssignedUser = "kay@example.com"
	require.NoError(t, s.CreateBug(context.Background(), bug))
	occ := &models.Occurrence{ID: uuid.New(), BugID: bug.ID, OccurredAt: time.Now().UTC()}
	require.NoError(t, s.CreateOccurrence(context.Background(), occ))

	pager := &recordingPager{}
	mailer := &recordingMailer{}
	ev := notify.NewEvaluator(s, pager, mailer)
	ev.OccurrenceCreated(context.Background(), bug, occ)

	assert.Empty(t, pager.pages)
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0], "kay@example.com")
	assert.Contains(t, mailer.sent[0], "NullPointerException")
}
