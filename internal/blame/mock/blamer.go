package mock

import (
	"context"

	"github.com/faultline-io/faultline/internal/blame"
	"github.com/faultline-io/faultline/pkg/models"
)

// MockBlamer satisfies blame.Blamer for testing.
type MockBlamer struct {
	DecideFunc func(ctx context.Context, occ *models.Occurrence) (*models.Bug, error)
	Calls      int
}

func (m *MockBlamer) Decide(ctx context.Context, occ *models.Occurrence) (*models.Bug, error) {
	m.Calls++
	if m.DecideFunc != nil {
		return m.DecideFunc(ctx, occ)
	}
	return nil, nil
}

// NewStaticBlamer returns a MockBlamer that always picks the given bug.
func NewStaticBlamer(bug *models.Bug) *MockBlamer {
	return &MockBlamer{
		DecideFunc: func(_ context.Context, _ *models.Occurrence) (*models.Bug, error) {
			return bug, nil
		},
	}
}

// NewFailingBlamer returns a MockBlamer that always returns the given error.
func NewFailingBlamer(err error) *MockBlamer {
	return &MockBlamer{
		DecideFunc: func(_ context.Context, _ *models.Occurrence) (*models.Bug, error) {
			return nil, err
		},
	}
}

// Compile-time check that MockBlamer implements Blamer.
var _ blame.Blamer = (*MockBlamer)(nil)
