// Package memory provides an in-memory Store for unit tests and local
// development, mirroring the transactional guarantees of the Postgres store:
// per-bug number assignment is serialized, and recategorization applies its
// three writes under one lock hold.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/faultline-io/faultline/internal/resolve"
	"github.com/faultline-io/faultline/internal/store"
	"github.com/faultline-io/faultline/pkg/models"
)

type sourceMapKey struct {
	projectID   uuid.UUID
	environment string
	revision    string
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	projects        map[uuid.UUID]*models.Project
	apiKeys         map[uuid.UUID]*models.APIKey
	bugs            map[uuid.UUID]*models.Bug
	occurrences     map[uuid.UUID]*models.Occurrence
	deploys         map[uuid.UUID]*models.Deploy
	symbolications  map[uuid.UUID]*resolve.Symbolication
	sourceMaps      map[sourceMapKey]*resolve.SourceMap
	obfuscationMaps map[uuid.UUID]*resolve.ObfuscationMap
	jobs            map[uuid.UUID]*models.Job

	// nextNumber is the per-bug sequencer. It only grows, so deleting an
	// occurrence never frees its number.
	nextNumber map[uuid.UUID]int
}

// New creates an empty in-memory store with a seeded default project.
func New() *Store {
	s := &Store{
		projects:        make(map[uuid.UUID]*models.Project),
		apiKeys:         make(map[uuid.UUID]*models.APIKey),
		bugs:            make(map[uuid.UUID]*models.Bug),
		occurrences:     make(map[uuid.UUID]*models.Occurrence),
		deploys:         make(map[uuid.UUID]*models.Deploy),
		symbolications:  make(map[uuid.UUID]*resolve.Symbolication),
		sourceMaps:      make(map[sourceMapKey]*resolve.SourceMap),
		obfuscationMaps: make(map[uuid.UUID]*resolve.ObfuscationMap),
		jobs:            make(map[uuid.UUID]*models.Job),
		nextNumber:      make(map[uuid.UUID]int),
	}
	now := time.Now().UTC()
	def := &models.Project{
		ID:              uuid.New(),
		Name:            "default",
		NotifyThreshold: 10,
		NotifyWindowSec: 3600,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.projects[def.ID] = def
	return s
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// --- Projects ---

func (s *Store) GetDefaultProject(ctx context.Context) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == "default" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PutProject inserts or replaces a project. Test seam.
func (s *Store) PutProject(p *models.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.projects[p.ID] = &cp
}

// --- API keys ---

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *Store) ListAPIKeys(ctx context.Context, projectID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.ProjectID == projectID && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.ProjectID != projectID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Bugs ---

func (s *Store) CreateBug(ctx context.Context, bug *models.Bug) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bugs[bug.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *bug
	s.bugs[bug.ID] = &cp
	return nil
}

func (s *Store) GetBug(ctx context.Context, id uuid.UUID) (*models.Bug, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bugs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) GetBugByIdentity(ctx context.Context, identity store.BugIdentity) (*models.Bug, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bugs {
		if b.ProjectID == identity.ProjectID &&
			b.ClassName == identity.ClassName &&
			b.File == identity.File &&
			b.Line == identity.Line &&
			b.Environment == identity.Environment {
			cp := *b
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListBugs(ctx context.Context, filter store.BugFilter) ([]*models.Bug, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.Bug
	for _, b := range s.bugs {
		if b.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Environment != "" && b.Environment != filter.Environment {
			continue
		}
		if !filter.IncludeIrrelevant && b.Irrelevant {
			continue
		}
		cp := *b
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, filter.Page, filter.Limit)
}

func paginate[T any](all []T, page, limit int) ([]T, int, error) {
	total := len(all)
	if limit <= 0 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// --- Occurrences ---

func (s *Store) CreateOccurrence(ctx context.Context, o *models.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOccurrenceLocked(o)
}

func (s *Store) createOccurrenceLocked(o *models.Occurrence) error {
	bug, ok := s.bugs[o.BugID]
	if !ok {
		return store.ErrNotFound
	}
	s.nextNumber[o.BugID]++
	o.Number = s.nextNumber[o.BugID]
	if bug.FirstOccurrence == nil {
		at := o.OccurredAt
		bug.FirstOccurrence = &at
	}
	cp := *o
	s.occurrences[o.ID] = &cp
	return nil
}

func (s *Store) GetOccurrence(ctx context.Context, id uuid.UUID) (*models.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.occurrences[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) ListOccurrencesByBug(ctx context.Context, bugID uuid.UUID, page, limit int) ([]*models.Occurrence, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.Occurrence
	for _, o := range s.occurrences {
		if o.BugID == bugID {
			cp := *o
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Number < all[j].Number })
	return paginate(all, page, limit)
}

func (s *Store) CountOccurrencesSince(ctx context.Context, bugID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.occurrences {
		if o.BugID == bugID && !o.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteOccurrence(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.occurrences[id]; !ok {
		return store.ErrNotFound
	}
	// nextNumber is deliberately left alone: numbers are never reissued.
	delete(s.occurrences, id)
	return nil
}

func (s *Store) UpdateOccurrenceBacktraces(ctx context.Context, id uuid.UUID, bt models.Backtrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.occurrences[id]
	if !ok {
		return store.ErrNotFound
	}
	if o.Truncated {
		return nil
	}
	o.Backtraces = bt
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) TruncateOccurrences(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if o, ok := s.occurrences[id]; ok {
			o.Truncate()
			o.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (s *Store) RedirectOccurrence(ctx context.Context, id, targetID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.occurrences[id]
	if !ok {
		return store.ErrNotFound
	}
	o.RedirectTo(targetID)
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) RecategorizeOccurrence(ctx context.Context, original *models.Occurrence, target *models.Bug) (*models.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, ok := s.occurrences[original.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	bug, ok := s.bugs[target.ID]
	if !ok {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	created := &models.Occurrence{
		ID:              uuid.New(),
		BugID:           target.ID,
		OccurredAt:      orig.OccurredAt,
		Client:          orig.Client,
		Message:         orig.Message,
		Revision:        orig.Revision,
		Backtraces:      orig.Backtraces,
		Metadata:        orig.Metadata,
		SymbolicationID: orig.SymbolicationID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.createOccurrenceLocked(created); err != nil {
		return nil, err
	}

	orig.RedirectTo(created.ID)
	orig.UpdatedAt = now

	if bug.Fixed {
		bug.Reopen()
		bug.UpdatedAt = now
	}

	cp := *created
	return &cp, nil
}

// --- Deploys ---

func (s *Store) CreateDeploy(ctx context.Context, d *models.Deploy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deploys[d.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *d
	s.deploys[d.ID] = &cp
	return nil
}

func (s *Store) GetDeploy(ctx context.Context, id uuid.UUID) (*models.Deploy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deploys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// --- Lookup tables ---

func (s *Store) CreateSymbolication(ctx context.Context, sym *resolve.Symbolication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbolications[sym.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.symbolications[sym.ID] = sym
	return nil
}

func (s *Store) GetSymbolication(ctx context.Context, id uuid.UUID) (*resolve.Symbolication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym, ok := s.symbolications[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sym, nil
}

func (s *Store) CreateSourceMap(ctx context.Context, m *resolve.SourceMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sourceMapKey{projectID: m.ProjectID, environment: m.Environment, revision: m.Revision}
	if _, ok := s.sourceMaps[k]; ok {
		return store.ErrDuplicateKey
	}
	s.sourceMaps[k] = m
	return nil
}

func (s *Store) GetSourceMap(ctx context.Context, projectID uuid.UUID, environment, revision string) (*resolve.SourceMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sourceMaps[sourceMapKey{projectID: projectID, environment: environment, revision: revision}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) CreateObfuscationMap(ctx context.Context, m *resolve.ObfuscationMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.obfuscationMaps[m.DeployID]; ok {
		return store.ErrDuplicateKey
	}
	s.obfuscationMaps[m.DeployID] = m
	return nil
}

func (s *Store) GetObfuscationMap(ctx context.Context, deployID uuid.UUID) (*resolve.ObfuscationMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.obfuscationMaps[deployID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

// --- Jobs ---

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	switch status {
	case models.JobStatusRunning:
		j.StartedAt = &now
	case models.JobStatusCompleted, models.JobStatusFailed:
		j.CompletedAt = &now
	}
	if params := store.ApplyJobUpdateOptions(opts); params.ErrorMessage != nil {
		j.ErrorMessage = params.ErrorMessage
	}
	return nil
}
