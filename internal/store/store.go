package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/faultline-io/faultline/internal/resolve"
	"github.com/faultline-io/faultline/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
//
// CreateOccurrence and RecategorizeOccurrence own the per-bug numbering
// sequence: both assign the next strictly-increasing number inside the same
// unit of work that persists the occurrence, and never hand out the same
// number twice for one bug no matter how many writers race.
type Store interface {
	Ping(ctx context.Context) error

	GetDefaultProject(ctx context.Context) (*models.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, projectID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error

	CreateBug(ctx context.Context, bug *models.Bug) error
	GetBug(ctx context.Context, id uuid.UUID) (*models.Bug, error)
	GetBugByIdentity(ctx context.Context, identity BugIdentity) (*models.Bug, error)
	ListBugs(ctx context.Context, filter BugFilter) ([]*models.Bug, int, error)

	// CreateOccurrence persists the occurrence, assigns its per-bug number,
	// and sets the bug's first_occurrence timestamp if unset — all in one
	// transaction.
	CreateOccurrence(ctx context.Context, o *models.Occurrence) error
	GetOccurrence(ctx context.Context, id uuid.UUID) (*models.Occurrence, error)
	ListOccurrencesByBug(ctx context.Context, bugID uuid.UUID, page, limit int) ([]*models.Occurrence, int, error)
	CountOccurrencesSince(ctx context.Context, bugID uuid.UUID, since time.Time) (int, error)
	DeleteOccurrence(ctx context.Context, id uuid.UUID) error

	// UpdateOccurrenceBacktraces replaces only the backtraces column; a
	// truncated occurrence is left untouched even if truncation landed
	// after the caller last read the row.
	UpdateOccurrenceBacktraces(ctx context.Context, id uuid.UUID, bt models.Backtrace) error
	TruncateOccurrences(ctx context.Context, ids []uuid.UUID) error
	RedirectOccurrence(ctx context.Context, id, targetID uuid.UUID) error

	// RecategorizeOccurrence creates a copy of the original under the
	// target bug with a fresh number, redirects the original to it, and
	// reopens the target if it was marked fixed — atomically.
	RecategorizeOccurrence(ctx context.Context, original *models.Occurrence, target *models.Bug) (*models.Occurrence, error)

	CreateDeploy(ctx context.Context, d *models.Deploy) error
	GetDeploy(ctx context.Context, id uuid.UUID) (*models.Deploy, error)

	CreateSymbolication(ctx context.Context, s *resolve.Symbolication) error
	GetSymbolication(ctx context.Context, id uuid.UUID) (*resolve.Symbolication, error)
	CreateSourceMap(ctx context.Context, m *resolve.SourceMap) error
	GetSourceMap(ctx context.Context, projectID uuid.UUID, environment, revision string) (*resolve.SourceMap, error)
	CreateObfuscationMap(ctx context.Context, m *resolve.ObfuscationMap) error
	GetObfuscationMap(ctx context.Context, deployID uuid.UUID) (*resolve.ObfuscationMap, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
}

// BugIdentity is the fingerprint key the assignment collaborator clusters by.
type BugIdentity struct {
	ProjectID   uuid.UUID
	ClassName   string
	File        string
	Line        int
	Environment string
}

type BugFilter struct {
	ProjectID         uuid.UUID
	Environment       string
	IncludeIrrelevant bool
	Page              int
	Limit             int
}

// JobUpdateParams collects the optional fields of a job status update.
type JobUpdateParams struct {
	ErrorMessage *string
}

type JobUpdateOption func(*JobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// ApplyJobUpdateOptions folds a set of options into one params value.
func ApplyJobUpdateOptions(opts []JobUpdateOption) JobUpdateParams {
	var p JobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
