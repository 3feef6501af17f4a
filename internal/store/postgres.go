package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/faultline-io/faultline/internal/resolve"
	"github.com/faultline-io/faultline/pkg/models"
)

// maxNumberRetries bounds the optimistic retry loop for per-bug numbering.
// Contention on one bug is rare outside event storms, so a handful of
// attempts is plenty.
const maxNumberRetries = 10

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

const projectColumns = `id, name, paging_enabled, pager_routing_key, notify_threshold, notify_window_sec, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.PagingEnabled, &p.PagerRoutingKey,
		&p.NotifyThreshold, &p.NotifyWindowSec, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetDefaultProject(ctx context.Context) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE name = 'default' LIMIT 1`))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get default project: %w", err)
	}
	return p, err
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, err
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return collectAPIKeys(rows)
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, project_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.ProjectID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, projectID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE project_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND project_id = $2 AND deleted_at IS NULL`, id, projectID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Bugs ---

const bugColumns = `id, project_id, class_name, file, line, environment, deploy_id,
	first_occurrence, assigned_user, irrelevant, fixed, fix_deployed, created_at, updated_at`

func scanBug(row pgx.Row) (*models.Bug, error) {
	var b models.Bug
	err := row.Scan(&b.ID, &b.ProjectID, &b.ClassName, &b.File, &b.Line, &b.Environment,
		&b.DeployID, &b.FirstOccurrence, &b.AssignedUser, &b.Irrelevant, &b.Fixed,
		&b.FixDeployed, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) CreateBug(ctx context.Context, bug *models.Bug) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bugs (id, project_id, class_name, file, line, environment, deploy_id,
		   assigned_user, irrelevant, fixed, fix_deployed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		bug.ID, bug.ProjectID, bug.ClassName, bug.File, bug.Line, bug.Environment, bug.DeployID,
		bug.AssignedUser, bug.Irrelevant, bug.Fixed, bug.FixDeployed, bug.CreatedAt, bug.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create bug: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBug(ctx context.Context, id uuid.UUID) (*models.Bug, error) {
	b, err := scanBug(s.pool.QueryRow(ctx, `SELECT `+bugColumns+` FROM bugs WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get bug: %w", err)
	}
	return b, err
}

func (s *PostgresStore) GetBugByIdentity(ctx context.Context, identity BugIdentity) (*models.Bug, error) {
	b, err := scanBug(s.pool.QueryRow(ctx,
		`SELECT `+bugColumns+` FROM bugs
		 WHERE project_id = $1 AND class_name = $2 AND file = $3 AND line = $4 AND environment = $5
		 LIMIT 1`,
		identity.ProjectID, identity.ClassName, identity.File, identity.Line, identity.Environment))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get bug by identity: %w", err)
	}
	return b, err
}

func (s *PostgresStore) ListBugs(ctx context.Context, filter BugFilter) ([]*models.Bug, int, error) {
	where := `project_id = $1`
	args := []any{filter.ProjectID}
	if filter.Environment != "" {
		where += fmt.Sprintf(" AND environment = $%d", len(args)+1)
		args = append(args, filter.Environment)
	}
	if !filter.IncludeIrrelevant {
		where += " AND irrelevant = FALSE"
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bugs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count bugs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)
	rows, err := s.pool.Query(ctx,
		`SELECT `+bugColumns+` FROM bugs WHERE `+where+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list bugs: %w", err)
	}
	defer rows.Close()

	var bugs []*models.Bug
	for rows.Next() {
		b, err := scanBug(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan bug: %w", err)
		}
		bugs = append(bugs, b)
	}
	return bugs, total, rows.Err()
}

// --- Occurrences ---

const occurrenceColumns = `id, bug_id, number, occurred_at, client, message, revision,
	backtraces, metadata, symbolication_id, truncated, redirect_target_id, created_at, updated_at`

func scanOccurrence(row pgx.Row) (*models.Occurrence, error) {
	var o models.Occurrence
	var backtraces, metadata []byte
	err := row.Scan(&o.ID, &o.BugID, &o.Number, &o.OccurredAt, &o.Client, &o.Message, &o.Revision,
		&backtraces, &metadata, &o.SymbolicationID, &o.Truncated, &o.RedirectTargetID,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if backtraces != nil {
		if err := json.Unmarshal(backtraces, &o.Backtraces); err != nil {
			return nil, fmt.Errorf("decode backtraces: %w", err)
		}
	}
	if metadata != nil {
		if err := json.Unmarshal(metadata, &o.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &o, nil
}

func encodeOccurrencePayload(o *models.Occurrence) (backtraces, metadata []byte, err error) {
	if o.Backtraces != nil {
		backtraces, err = json.Marshal(o.Backtraces)
		if err != nil {
			return nil, nil, fmt.Errorf("encode backtraces: %w", err)
		}
	}
	if o.Metadata != nil {
		metadata, err = json.Marshal(o.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	return backtraces, metadata, nil
}

// CreateOccurrence inserts the occurrence with the next per-bug number,
// drawn from the bug's occurrence_seq counter. The counter only grows, so a
// deleted occurrence never has its number reissued. The UNIQUE (bug_id,
// number) constraint is a backstop: a duplicate-key error means the counter
// lagged behind rows written outside the sequencer, and a retry advances it
// past them. The same transaction stamps the bug's first_occurrence if it
// is unset.
func (s *PostgresStore) CreateOccurrence(ctx context.Context, o *models.Occurrence) error {
	for attempt := 0; attempt < maxNumberRetries; attempt++ {
		err := s.tryCreateOccurrence(ctx, o)
		if err == nil {
			return nil
		}
		if !isDuplicateKeyError(err) {
			return fmt.Errorf("create occurrence: %w", err)
		}
	}
	return fmt.Errorf("create occurrence: numbering contention persisted after %d attempts", maxNumberRetries)
}

func (s *PostgresStore) tryCreateOccurrence(ctx context.Context, o *models.Occurrence) error {
	backtraces, metadata, err := encodeOccurrencePayload(o)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	number, err := nextNumber(ctx, tx, o.BugID, o.OccurredAt)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO occurrences (id, bug_id, number, occurred_at, client, message, revision,
		   backtraces, metadata, symbolication_id, truncated, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $12)`,
		o.ID, o.BugID, number, o.OccurredAt, o.Client, o.Message, o.Revision,
		backtraces, metadata, o.SymbolicationID, o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.Number = number
	return nil
}

// nextNumber advances the bug's occurrence counter and stamps
// first_occurrence if it is unset, both under the bug's row lock so
// concurrent writers serialize. The counter never decrements.
func nextNumber(ctx context.Context, tx pgx.Tx, bugID uuid.UUID, occurredAt time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx,
		`UPDATE bugs
		 SET occurrence_seq = occurrence_seq + 1,
		     first_occurrence = COALESCE(first_occurrence, $2),
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING occurrence_seq`, bugID, occurredAt).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

func (s *PostgresStore) GetOccurrence(ctx context.Context, id uuid.UUID) (*models.Occurrence, error) {
	o, err := scanOccurrence(s.pool.QueryRow(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get occurrence: %w", err)
	}
	return o, err
}

func (s *PostgresStore) ListOccurrencesByBug(ctx context.Context, bugID uuid.UUID, page, limit int) ([]*models.Occurrence, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM occurrences WHERE bug_id = $1`, bugID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count occurrences: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences
		 WHERE bug_id = $1 ORDER BY number ASC LIMIT $2 OFFSET $3`,
		bugID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()

	var out []*models.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan occurrence: %w", err)
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) CountOccurrencesSince(ctx context.Context, bugID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM occurrences WHERE bug_id = $1 AND occurred_at >= $2`,
		bugID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count occurrences since: %w", err)
	}
	return n, nil
}

// DeleteOccurrence removes a row. The bug's occurrence_seq is untouched, so
// the deleted number is never reissued.
func (s *PostgresStore) DeleteOccurrence(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM occurrences WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete occurrence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateOccurrenceBacktraces(ctx context.Context, id uuid.UUID, bt models.Backtrace) error {
	encoded, err := json.Marshal(bt)
	if err != nil {
		return fmt.Errorf("encode backtraces: %w", err)
	}
	// truncated = FALSE guard: truncation wins over a racing resolver.
	_, err = s.pool.Exec(ctx,
		`UPDATE occurrences SET backtraces = $2, updated_at = NOW()
		 WHERE id = $1 AND truncated = FALSE`, id, encoded)
	if err != nil {
		return fmt.Errorf("update occurrence backtraces: %w", err)
	}
	return nil
}

func (s *PostgresStore) TruncateOccurrences(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE occurrences SET backtraces = NULL, metadata = NULL, truncated = TRUE, updated_at = NOW()
		 WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("truncate occurrences: %w", err)
	}
	return nil
}

func (s *PostgresStore) RedirectOccurrence(ctx context.Context, id, targetID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE occurrences
		 SET backtraces = NULL, metadata = NULL, truncated = TRUE, redirect_target_id = $2, updated_at = NOW()
		 WHERE id = $1`, id, targetID)
	if err != nil {
		return fmt.Errorf("redirect occurrence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecategorizeOccurrence moves a report to the target bug as one transaction:
// a fresh occurrence (new number under the target), a redirect on the
// original, and a reopen of the target if it was marked fixed.
func (s *PostgresStore) RecategorizeOccurrence(ctx context.Context, original *models.Occurrence, target *models.Bug) (*models.Occurrence, error) {
	for attempt := 0; attempt < maxNumberRetries; attempt++ {
		created, err := s.tryRecategorize(ctx, original, target)
		if err == nil {
			return created, nil
		}
		if !isDuplicateKeyError(err) {
			return nil, fmt.Errorf("recategorize occurrence: %w", err)
		}
	}
	return nil, fmt.Errorf("recategorize occurrence: numbering contention persisted after %d attempts", maxNumberRetries)
}

func (s *PostgresStore) tryRecategorize(ctx context.Context, original *models.Occurrence, target *models.Bug) (*models.Occurrence, error) {
	now := time.Now().UTC()
	created := &models.Occurrence{
		ID:              uuid.New(),
		BugID:           target.ID,
		OccurredAt:      original.OccurredAt,
		Client:          original.Client,
		Message:         original.Message,
		Revision:        original.Revision,
		Backtraces:      original.Backtraces,
		Metadata:        original.Metadata,
		SymbolicationID: original.SymbolicationID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	backtraces, metadata, err := encodeOccurrencePayload(created)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	number, err := nextNumber(ctx, tx, target.ID, created.OccurredAt)
	if err != nil {
		return nil, err
	}
	created.Number = number

	if _, err := tx.Exec(ctx,
		`INSERT INTO occurrences (id, bug_id, number, occurred_at, client, message, revision,
		   backtraces, metadata, symbolication_id, truncated, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $12)`,
		created.ID, created.BugID, number, created.OccurredAt, created.Client, created.Message, created.Revision,
		backtraces, metadata, created.SymbolicationID, created.CreatedAt, created.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE occurrences
		 SET backtraces = NULL, metadata = NULL, truncated = TRUE, redirect_target_id = $2, updated_at = NOW()
		 WHERE id = $1`, original.ID, created.ID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE bugs SET fixed = FALSE, fix_deployed = FALSE, updated_at = NOW()
		 WHERE id = $1 AND fixed = TRUE`, target.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

// --- Deploys ---

func (s *PostgresStore) CreateDeploy(ctx context.Context, d *models.Deploy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deploys (id, project_id, environment, revision, deployed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.ProjectID, d.Environment, d.Revision, d.DeployedAt, d.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create deploy: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeploy(ctx context.Context, id uuid.UUID) (*models.Deploy, error) {
	var d models.Deploy
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, environment, revision, deployed_at, created_at
		 FROM deploys WHERE id = $1`, id).
		Scan(&d.ID, &d.ProjectID, &d.Environment, &d.Revision, &d.DeployedAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deploy: %w", err)
	}
	return &d, nil
}

// --- Lookup tables ---
//
// Tables are persisted as their raw entry sets and re-validated through their
// constructors on load, so a row that somehow went bad surfaces as a
// configuration error at fetch time rather than as silent misresolution.

func (s *PostgresStore) CreateSymbolication(ctx context.Context, sym *resolve.Symbolication) error {
	ranges, err := json.Marshal(sym.Ranges())
	if err != nil {
		return fmt.Errorf("encode symbolication: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO symbolications (id, ranges, created_at) VALUES ($1, $2, NOW())`,
		sym.ID, ranges)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create symbolication: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSymbolication(ctx context.Context, id uuid.UUID) (*resolve.Symbolication, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT ranges FROM symbolications WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get symbolication: %w", err)
	}
	var ranges []resolve.AddrRange
	if err := json.Unmarshal(raw, &ranges); err != nil {
		return nil, fmt.Errorf("decode symbolication %s: %w", id, err)
	}
	sym, err := resolve.NewSymbolication(id, ranges)
	if err != nil {
		return nil, fmt.Errorf("rebuild symbolication %s: %w", id, err)
	}
	return sym, nil
}

func (s *PostgresStore) CreateSourceMap(ctx context.Context, m *resolve.SourceMap) error {
	mappings, err := json.Marshal(m.Mappings())
	if err != nil {
		return fmt.Errorf("encode source map: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO source_maps (id, project_id, environment, revision, mappings, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		m.ID, m.ProjectID, m.Environment, m.Revision, mappings)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create source map: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSourceMap(ctx context.Context, projectID uuid.UUID, environment, revision string) (*resolve.SourceMap, error) {
	var id uuid.UUID
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, mappings FROM source_maps
		 WHERE project_id = $1 AND environment = $2 AND revision = $3`,
		projectID, environment, revision).Scan(&id, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source map: %w", err)
	}
	var mappings []resolve.Mapping
	if err := json.Unmarshal(raw, &mappings); err != nil {
		return nil, fmt.Errorf("decode source map %s: %w", id, err)
	}
	sm, err := resolve.NewSourceMap(id, projectID, environment, revision, mappings)
	if err != nil {
		return nil, fmt.Errorf("rebuild source map %s: %w", id, err)
	}
	return sm, nil
}

func (s *PostgresStore) CreateObfuscationMap(ctx context.Context, m *resolve.ObfuscationMap) error {
	packages, err := json.Marshal(m.Packages())
	if err != nil {
		return fmt.Errorf("encode obfuscation map packages: %w", err)
	}
	classes, err := json.Marshal(m.Classes())
	if err != nil {
		return fmt.Errorf("encode obfuscation map classes: %w", err)
	}
	methods, err := json.Marshal(m.Methods())
	if err != nil {
		return fmt.Errorf("encode obfuscation map methods: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO obfuscation_maps (id, deploy_id, packages, classes, methods, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		m.ID, m.DeployID, packages, classes, methods)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create obfuscation map: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetObfuscationMap(ctx context.Context, deployID uuid.UUID) (*resolve.ObfuscationMap, error) {
	var id uuid.UUID
	var rawPackages, rawClasses, rawMethods []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, packages, classes, methods FROM obfuscation_maps WHERE deploy_id = $1`,
		deployID).Scan(&id, &rawPackages, &rawClasses, &rawMethods)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get obfuscation map: %w", err)
	}

	var packages map[string]string
	var classes []resolve.ClassAlias
	var methods []resolve.MethodAlias
	if err := json.Unmarshal(rawPackages, &packages); err != nil {
		return nil, fmt.Errorf("decode obfuscation map %s packages: %w", id, err)
	}
	if err := json.Unmarshal(rawClasses, &classes); err != nil {
		return nil, fmt.Errorf("decode obfuscation map %s classes: %w", id, err)
	}
	if err := json.Unmarshal(rawMethods, &methods); err != nil {
		return nil, fmt.Errorf("decode obfuscation map %s methods: %w", id, err)
	}
	om, err := resolve.NewObfuscationMap(id, deployID, packages, classes, methods)
	if err != nil {
		return nil, fmt.Errorf("rebuild obfuscation map %s: %w", id, err)
	}
	return om, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, occurrence_id, type, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.OccurrenceID, job.Type, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, occurrence_id, type, status, error_message, started_at, completed_at, created_at, updated_at
		 FROM jobs WHERE id = $1`, id).
		Scan(&j.ID, &j.OccurrenceID, &j.Type, &j.Status, &j.ErrorMessage,
			&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := ApplyJobUpdateOptions(opts)

	query := `UPDATE jobs SET status = $2, updated_at = NOW()`
	args := []any{id, status}
	if status == models.JobStatusRunning {
		query += `, started_at = NOW()`
	}
	if status == models.JobStatusCompleted || status == models.JobStatusFailed {
		query += `, completed_at = NOW()`
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(`, error_message = $%d`, len(args)+1)
		args = append(args, *params.ErrorMessage)
	}
	query += ` WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
