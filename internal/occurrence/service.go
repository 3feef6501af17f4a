// Package occurrence orchestrates the report lifecycle: creation with per-bug
// numbering, backtrace resolution, truncation, redirection and
// recategorization.
package occurrence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/faultline-io/faultline/internal/blame"
	"github.com/faultline-io/faultline/internal/cache"
	"github.com/faultline-io/faultline/internal/notify"
	"github.com/faultline-io/faultline/internal/resolve"
	"github.com/faultline-io/faultline/internal/store"
	"github.com/faultline-io/faultline/pkg/models"
)

// ErrTruncated is returned by operations that need the occurrence's payload
// after it has been stripped. Resolvers deliberately do NOT return it — a
// resolve on a truncated occurrence is a silent no-op.
var ErrTruncated = errors.New("occurrence is truncated")

// ErrMultipleFaultedThreads rejects a backtrace claiming more than one
// faulted thread.
var ErrMultipleFaultedThreads = errors.New("backtrace has more than one faulted thread")

const (
	jobStatusTTL  = 30 * time.Minute
	tableCacheTTL = 15 * time.Minute

	// redirect chains are single-hop pointers; readers following them
	// get a bounded walk, not a guarantee of termination.
	maxRedirectHops = 10
)

// Service coordinates occurrence operations on top of the store. The cache
// and evaluator are optional; a nil cache skips table/job-status caching and
// a nil evaluator disables the post-commit hook.
type Service struct {
	store     store.Store
	cache     cache.Cache
	blamer    blame.Blamer
	evaluator *notify.Evaluator
}

// NewService creates a Service.
func NewService(s store.Store, c cache.Cache, b blame.Blamer, ev *notify.Evaluator) *Service {
	return &Service{store: s, cache: c, blamer: b, evaluator: ev}
}

// CreateParams holds the raw fields of an incoming report.
type CreateParams struct {
	BugID           uuid.UUID
	OccurredAt      time.Time
	Client          string
	Message         string
	Revision        string
	Backtraces      models.Backtrace
	Metadata        map[string]any
	SymbolicationID *uuid.UUID
}

// Create persists a new occurrence under its bug. The store assigns the
// per-bug number and stamps the bug's first_occurrence inside the same unit
// of work; afterwards the post-commit hook is invoked off the request path.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Occurrence, error) {
	if n := countFaulted(p.Backtraces); n > 1 {
		return nil, fmt.Errorf("%w: %d", ErrMultipleFaultedThreads, n)
	}

	bug, err := s.store.GetBug(ctx, p.BugID)
	if err != nil {
		return nil, fmt.Errorf("load bug: %w", err)
	}

	now := time.Now().UTC()
	occurredAt := p.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	o := &models.Occurrence{
		ID:              uuid.New(),
		BugID:           p.BugID,
		OccurredAt:      occurredAt,
		Client:          p.Client,
		Message:         p.Message,
		Revision:        p.Revision,
		Backtraces:      p.Backtraces,
		Metadata:        p.Metadata,
		SymbolicationID: p.SymbolicationID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateOccurrence(ctx, o); err != nil {
		return nil, fmt.Errorf("create occurrence: %w", err)
	}

	if s.evaluator != nil {
		go s.evaluator.OccurrenceCreated(context.Background(), bug, o)
	}
	return o, nil
}

func countFaulted(bt models.Backtrace) int {
	n := 0
	for _, th := range bt {
		if th.Faulted {
			n++
		}
	}
	return n
}

// Get loads one occurrence.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Occurrence, error) {
	return s.store.GetOccurrence(ctx, id)
}

// Canonical follows the redirect chain from id to the current canonical
// occurrence, walking at most a bounded number of hops.
func (s *Service) Canonical(ctx context.Context, id uuid.UUID) (*models.Occurrence, error) {
	o, err := s.store.GetOccurrence(ctx, id)
	if err != nil {
		return nil, err
	}
	for hops := 0; o.RedirectTargetID != nil && hops < maxRedirectHops; hops++ {
		next, err := s.store.GetOccurrence(ctx, *o.RedirectTargetID)
		if err != nil {
			return nil, fmt.Errorf("follow redirect: %w", err)
		}
		o = next
	}
	return o, nil
}

// --- Resolvers ---
//
// Each resolver shares the same no-op conditions: a truncated occurrence, a
// missing table (none associated, none supplied), or a backtrace already
// fully resolved for the domain all return without touching anything — and
// without latching any "processed" state, so a later call with a different
// table still works. Only the backtraces column is ever written.

// Symbolicate resolves native frames using the override table, or the
// occurrence's associated symbolication when override is nil.
func (s *Service) Symbolicate(ctx context.Context, id uuid.UUID, override *resolve.Symbolication) error {
	occ, err := s.store.GetOccurrence(ctx, id)
	if err != nil {
		return err
	}
	if occ.Truncated {
		return nil
	}

	table := override
	if table == nil && occ.SymbolicationID != nil {
		table, err = s.loadSymbolication(ctx, *occ.SymbolicationID)
		if err != nil {
			return err
		}
	}
	if table == nil {
		return nil
	}
	if occ.Backtraces.Symbolicated() {
		return nil
	}

	bt, changed := resolve.Symbolicate(occ.Backtraces, table)
	if !changed {
		return nil
	}
	return s.store.UpdateOccurrenceBacktraces(ctx, id, bt)
}

// SourceMap resolves JavaScript frames. The default table is located by the
// owning bug's project+environment and the occurrence's revision.
func (s *Service) SourceMap(ctx context.Context, id uuid.UUID, override *resolve.SourceMap) error {
	occ, err := s.store.GetOccurrence(ctx, id)
	if err != nil {
		return err
	}
	if occ.Truncated {
		return nil
	}

	table := override
	if table == nil {
		table, err = s.defaultSourceMap(ctx, occ)
		if err != nil {
			return err
		}
	}
	if table == nil {
		return nil
	}
	if occ.Backtraces.SourceMapped() {
		return nil
	}

	bt, changed := resolve.Demap(occ.Backtraces, table)
	if !changed {
		return nil
	}
	return s.store.UpdateOccurrenceBacktraces(ctx, id, bt)
}

// Deobfuscate resolves Java frames. The default table is the obfuscation map
// of the owning bug's deploy.
func (s *Service) Deobfuscate(ctx context.Context, id uuid.UUID, override *resolve.ObfuscationMap) error {
	occ, err := s.store.GetOccurrence(ctx, id)
	if err != nil {
		return err
	}
	if occ.Truncated {
		return nil
	}

	table := override
	if table == nil {
		table, err = s.defaultObfuscationMap(ctx, occ)
		if err != nil {
			return err
		}
	}
	if table == nil {
		return nil
	}
	if occ.Backtraces.Deobfuscated() {
		return nil
	}

	bt, changed := resolve.Deobfuscate(occ.Backtraces, table)
	if !changed {
		return nil
	}
	return s.store.UpdateOccurrenceBacktraces(ctx, id, bt)
}

// defaultSourceMap is the "which table applies to this occurrence" policy:
// (project, environment) come from the bug, the revision from the report.
func (s *Service) defaultSourceMap(ctx context.Context, occ *models.Occurrence) (*resolve.SourceMap, error) {
	if occ.Revision == "" {
		return nil, nil
	}
	bug, err := s.store.GetBug(ctx, occ.BugID)
	if err != nil {
		return nil, fmt.Errorf("load bug: %w", err)
	}

	key := cache.SourceMapKey(bug.ProjectID, bug.Environment, occ.Revision)
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var mappings []resolve.Mapping
			if err := json.Unmarshal(raw, &mappings); err == nil {
				if table, err := resolve.NewSourceMap(uuid.Nil, bug.ProjectID, bug.Environment, occ.Revision, mappings); err == nil {
					return table, nil
				}
			}
		}
	}

	table, err := s.store.GetSourceMap(ctx, bug.ProjectID, bug.Environment, occ.Revision)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load source map: %w", err)
	}

	if s.cache != nil {
		if raw, err := json.Marshal(table.Mappings()); err == nil {
			_ = s.cache.Set(ctx, key, raw, tableCacheTTL)
		}
	}
	return table, nil
}

func (s *Service) defaultObfuscationMap(ctx context.Context, occ *models.Occurrence) (*resolve.ObfuscationMap, error) {
	bug, err := s.store.GetBug(ctx, occ.BugID)
	if err != nil {
		return nil, fmt.Errorf("load bug: %w", err)
	}
	if bug.DeployID == nil {
		return nil, nil
	}

	key := cache.ObfuscationMapKey(*bug.DeployID)
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var entry obfuscationEntry
			if err := json.Unmarshal(raw, &entry); err == nil {
				if table, err := resolve.NewObfuscationMap(uuid.Nil, *bug.DeployID, entry.Packages, entry.Classes, entry.Methods); err == nil {
					return table, nil
				}
			}
		}
	}

	table, err := s.store.GetObfuscationMap(ctx, *bug.DeployID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load obfuscation map: %w", err)
	}

	if s.cache != nil {
		entry := obfuscationEntry{Packages: table.Packages(), Classes: table.Classes(), Methods: table.Methods()}
		if raw, err := json.Marshal(entry); err == nil {
			_ = s.cache.Set(ctx, key, raw, tableCacheTTL)
		}
	}
	return table, nil
}

// obfuscationEntry is the cached wire form of an obfuscation map.
type obfuscationEntry struct {
	Packages map[string]string     `json:"packages"`
	Classes  []resolve.ClassAlias  `json:"classes"`
	Methods  []resolve.MethodAlias `json:"methods"`
}

// loadSymbolication fetches a symbolication table, preferring the cache: an
// event storm resolves many occurrences against the same build.
func (s *Service) loadSymbolication(ctx context.Context, id uuid.UUID) (*resolve.Symbolication, error) {
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, cache.SymbolicationKey(id)); err == nil && ok {
			var ranges []resolve.AddrRange
			if err := json.Unmarshal(raw, &ranges); err == nil {
				if table, err := resolve.NewSymbolication(id, ranges); err == nil {
					return table, nil
				}
			}
			// fall through to the store on any cache decode problem
		}
	}

	table, err := s.store.GetSymbolication(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load symbolication: %w", err)
	}

	if s.cache != nil {
		if raw, err := json.Marshal(table.Ranges()); err == nil {
			_ = s.cache.Set(ctx, cache.SymbolicationKey(id), raw, tableCacheTTL)
		}
	}
	return table, nil
}

// --- Truncation, redirection, recategorization ---

// Truncate strips backtraces and metadata from the given occurrences.
// Identity and provenance survive; occurrences outside the set are untouched.
func (s *Service) Truncate(ctx context.Context, ids ...uuid.UUID) error {
	return s.store.TruncateOccurrences(ctx, ids)
}

// RedirectTo truncates the occurrence and points it at target. The target's
// own state is deliberately not validated.
func (s *Service) RedirectTo(ctx context.Context, id, targetID uuid.UUID) error {
	return s.store.RedirectOccurrence(ctx, id, targetID)
}

// Recategorize asks the assignment collaborator for the occurrence's proper
// bug, copies the report there under a fresh number, and redirects the
// original. A collaborator failure leaves everything untouched.
func (s *Service) Recategorize(ctx context.Context, id uuid.UUID) (*models.Occurrence, error) {
	occ, err := s.store.GetOccurrence(ctx, id)
	if err != nil {
		return nil, err
	}
	if occ.Truncated {
		return nil, fmt.Errorf("recategorize %s: %w", id, ErrTruncated)
	}

	target, err := s.blamer.Decide(ctx, occ)
	if err != nil {
		return nil, fmt.Errorf("assignment collaborator: %w", err)
	}

	created, err := s.store.RecategorizeOccurrence(ctx, occ, target)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// --- Async resolution jobs ---

// TriggerResolve creates a pending job and dispatches the resolver in a
// background goroutine, returning the job immediately.
func (s *Service) TriggerResolve(ctx context.Context, occID uuid.UUID, jobType string) (*models.Job, error) {
	switch jobType {
	case models.JobSymbolicate, models.JobSourceMap, models.JobDeobfuscate:
	default:
		return nil, fmt.Errorf("unknown resolver job type %q", jobType)
	}

	if _, err := s.store.GetOccurrence(ctx, occID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:           uuid.New(),
		OccurrenceID: occID,
		Type:         jobType,
		Status:       models.JobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.setJobStatus(ctx, job.ID, models.JobStatusPending)

	go s.runResolve(job.ID, occID, jobType)

	return job, nil
}

// EnqueueResolvers triggers every resolver that could apply to a fresh
// occurrence, judged by the frame domains present in its backtrace.
func (s *Service) EnqueueResolvers(ctx context.Context, occ *models.Occurrence) []*models.Job {
	var jobs []*models.Job
	for domain, jobType := range map[models.Domain]string{
		models.DomainNative: models.JobSymbolicate,
		models.DomainJS:     models.JobSourceMap,
		models.DomainJava:   models.JobDeobfuscate,
	} {
		if !hasUnresolved(occ.Backtraces, domain) {
			continue
		}
		job, err := s.TriggerResolve(ctx, occ.ID, jobType)
		if err != nil {
			slog.Error("enqueue resolver", "error", err, "occurrence_id", occ.ID, "type", jobType)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func hasUnresolved(bt models.Backtrace, d models.Domain) bool {
	for _, th := range bt {
		for _, f := range th.Frames {
			if f.Domain() == d && !f.Resolved() {
				return true
			}
		}
	}
	return false
}

// runResolve performs the resolution in a goroutine. It recovers from panics
// and always marks the job completed or failed.
func (s *Service) runResolve(jobID, occID uuid.UUID, jobType string) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in runResolve", "error", r, "job_id", jobID)
			_ = s.store.UpdateJobStatus(ctx, jobID, models.JobStatusFailed,
				store.WithErrorMessage(fmt.Sprintf("panic: %v", r)))
			s.setJobStatus(ctx, jobID, models.JobStatusFailed)
		}
	}()

	_ = s.store.UpdateJobStatus(ctx, jobID, models.JobStatusRunning)
	s.setJobStatus(ctx, jobID, models.JobStatusRunning)

	var err error
	switch jobType {
	case models.JobSymbolicate:
		err = s.Symbolicate(ctx, occID, nil)
	case models.JobSourceMap:
		err = s.SourceMap(ctx, occID, nil)
	case models.JobDeobfuscate:
		err = s.Deobfuscate(ctx, occID, nil)
	}
	if err != nil {
		_ = s.store.UpdateJobStatus(ctx, jobID, models.JobStatusFailed,
			store.WithErrorMessage(err.Error()))
		s.setJobStatus(ctx, jobID, models.JobStatusFailed)
		return
	}

	_ = s.store.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted)
	s.setJobStatus(ctx, jobID, models.JobStatusCompleted)
}

func (s *Service) setJobStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if s.cache != nil {
		_ = s.cache.SetJobStatus(ctx, jobID, status, jobStatusTTL)
	}
}
