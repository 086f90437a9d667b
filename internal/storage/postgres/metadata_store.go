// Package postgres provides the Postgres-backed metadata store. The raw and curated
// collections are two tables whose names are configurable.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/decisions-pipeline/internal/decision"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and the table names.
type Config struct {
	DSN             string
	RawTable        string
	CuratedTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements decision.MetadataStore on Postgres.
type Store struct {
	pool         querier
	rawTable     string
	curatedTable string
}

var _ decision.MetadataStore = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("metadata.dsn is required")
	}
	rawTable, curatedTable, err := tableNames(cfg.RawTable, cfg.CuratedTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, rawTable: rawTable, curatedTable: curatedTable}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier, rawTable, curatedTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	rawTable, curatedTable, err := tableNames(rawTable, curatedTable)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, rawTable: rawTable, curatedTable: curatedTable}, nil
}

func tableNames(raw, curated string) (string, string, error) {
	if raw == "" {
		raw = decision.DefaultRawCollection
	}
	if curated == "" {
		curated = decision.DefaultCuratedCollection
	}
	for _, name := range []string{raw, curated} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	if raw == curated {
		return "", "", fmt.Errorf("raw and curated tables must differ")
	}
	return raw, curated, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates both tables and their indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.rawTable, s.curatedTable) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func schemaStatements(raw, curated string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	identifier      TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	reference_no    TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL DEFAULT '',
	decision_date   DATE,
	source_url      TEXT NOT NULL,
	partition_label TEXT NOT NULL DEFAULT '',
	discovered_at   TIMESTAMPTZ NOT NULL,
	download_status TEXT NOT NULL DEFAULT 'pending',
	object_key      TEXT NOT NULL DEFAULT '',
	content_hash    TEXT NOT NULL DEFAULT '',
	content_type    TEXT NOT NULL DEFAULT '',
	downloaded_at   TIMESTAMPTZ,
	attempts        INTEGER NOT NULL DEFAULT 0,
	error_reason    TEXT NOT NULL DEFAULT ''
)`, raw),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_decision_date_idx ON %[1]s (decision_date)`, raw),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_download_status_idx ON %[1]s (download_status)`, raw),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_partition_label_idx ON %[1]s (partition_label)`, raw),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	identifier     TEXT PRIMARY KEY,
	raw_collection TEXT NOT NULL,
	source_key     TEXT NOT NULL DEFAULT '',
	source_hash    TEXT NOT NULL DEFAULT '',
	curated_key    TEXT NOT NULL DEFAULT '',
	content_hash   TEXT NOT NULL DEFAULT '',
	transformed_at TIMESTAMPTZ,
	status         TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	error_reason   TEXT NOT NULL DEFAULT ''
)`, curated),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status)`, curated),
	}
}

const caseColumns = `identifier, title, reference_no, category, decision_date, source_url, partition_label,
	discovered_at, download_status, object_key, content_hash, content_type, downloaded_at, attempts, error_reason`

// UpsertCase inserts a pending record or refreshes the discovery fields of an existing one.
func (s *Store) UpsertCase(ctx context.Context, record decision.CaseRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	identifier, title, reference_no, category, decision_date, source_url, partition_label,
	discovered_at, download_status
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending')
ON CONFLICT (identifier) DO UPDATE SET
	title = EXCLUDED.title,
	reference_no = EXCLUDED.reference_no,
	category = EXCLUDED.category,
	decision_date = COALESCE(EXCLUDED.decision_date, %[1]s.decision_date),
	source_url = EXCLUDED.source_url,
	partition_label = EXCLUDED.partition_label`, s.rawTable)

	args := []any{
		record.Identifier,
		record.Title,
		record.ReferenceNumber,
		record.Category,
		nullableTime(record.DecisionDate),
		record.SourceURL,
		record.Partition,
		record.DiscoveredAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert case %s: %w", record.Identifier, err)
	}
	return nil
}

// GetCase loads one raw record.
func (s *Store) GetCase(ctx context.Context, identifier string) (decision.CaseRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE identifier = $1`, caseColumns, s.rawTable)
	record, err := scanCase(s.pool.QueryRow(ctx, query, identifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return decision.CaseRecord{}, fmt.Errorf("get case %s: %w", identifier, decision.ErrNotFound)
	}
	if err != nil {
		return decision.CaseRecord{}, fmt.Errorf("get case %s: %w", identifier, err)
	}
	return record, nil
}

// ListCases returns raw records matching filter ordered by decision date then identifier.
func (s *Store) ListCases(ctx context.Context, filter decision.CaseFilter) ([]decision.CaseRecord, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		add("download_status = ANY($%d)", statuses)
	}
	if len(filter.IDs) > 0 {
		add("identifier = ANY($%d)", filter.IDs)
	}
	if filter.From != nil {
		add("decision_date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("decision_date <= $%d", *filter.To)
	}
	if filter.MaxAttempts > 0 {
		add("(download_status <> 'failed' OR attempts < $%d)", filter.MaxAttempts)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", caseColumns, s.rawTable)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY decision_date NULLS LAST, identifier")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var out []decision.CaseRecord
	for rows.Next() {
		record, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	return out, nil
}

// SetDownloadState records the outcome of a download attempt or a reconciliation reset.
func (s *Store) SetDownloadState(ctx context.Context, identifier string, state decision.DownloadState) error {
	var (
		query string
		args  []any
	)
	switch state.Status {
	case decision.DownloadDownloaded:
		query = fmt.Sprintf(`
UPDATE %s SET
	download_status = $2,
	object_key = $3,
	content_hash = $4,
	content_type = $5,
	downloaded_at = $6,
	error_reason = '',
	attempts = 0
WHERE identifier = $1`, s.rawTable)
		args = []any{identifier, string(state.Status), state.ObjectKey, state.ContentHash, state.ContentType, state.At}
	case decision.DownloadFailed:
		query = fmt.Sprintf(`
UPDATE %s SET
	download_status = $2,
	error_reason = $3,
	attempts = attempts + 1
WHERE identifier = $1`, s.rawTable)
		args = []any{identifier, string(state.Status), state.Reason}
	case decision.DownloadPending:
		query = fmt.Sprintf(`
UPDATE %s SET
	download_status = $2,
	object_key = '',
	content_hash = '',
	content_type = '',
	downloaded_at = NULL,
	error_reason = $3
WHERE identifier = $1`, s.rawTable)
		args = []any{identifier, string(state.Status), state.Reason}
	default:
		return fmt.Errorf("%w: unknown download status %q", decision.ErrInvalidRecord, state.Status)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set download state %s: %w", identifier, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set download state %s: %w", identifier, decision.ErrNotFound)
	}
	return nil
}

const curatedColumns = `identifier, raw_collection, source_key, source_hash, curated_key, content_hash,
	transformed_at, status, attempts, error_reason`

// UpsertCurated writes the curated record. Attempts counts consecutive failures and
// resets when the record is cleaned.
func (s *Store) UpsertCurated(ctx context.Context, record decision.CuratedRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	identifier, raw_collection, source_key, source_hash, curated_key, content_hash,
	transformed_at, status, attempts, error_reason
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,CASE WHEN $8 = 'failed' THEN 1 ELSE 0 END,$9)
ON CONFLICT (identifier) DO UPDATE SET
	raw_collection = EXCLUDED.raw_collection,
	source_key = EXCLUDED.source_key,
	source_hash = EXCLUDED.source_hash,
	curated_key = EXCLUDED.curated_key,
	content_hash = EXCLUDED.content_hash,
	transformed_at = EXCLUDED.transformed_at,
	status = EXCLUDED.status,
	attempts = CASE WHEN EXCLUDED.status = 'failed' THEN %[1]s.attempts + 1 ELSE 0 END,
	error_reason = EXCLUDED.error_reason`, s.curatedTable)

	args := []any{
		record.Identifier,
		record.RawCollection,
		record.SourceKey,
		record.SourceHash,
		record.CuratedKey,
		record.ContentHash,
		nullableTime(record.TransformedAt),
		string(record.Status),
		record.ErrorReason,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert curated %s: %w", record.Identifier, err)
	}
	return nil
}

// GetCurated loads one curated record.
func (s *Store) GetCurated(ctx context.Context, identifier string) (decision.CuratedRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE identifier = $1`, curatedColumns, s.curatedTable)
	record, err := scanCurated(s.pool.QueryRow(ctx, query, identifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return decision.CuratedRecord{}, fmt.Errorf("get curated %s: %w", identifier, decision.ErrNotFound)
	}
	if err != nil {
		return decision.CuratedRecord{}, fmt.Errorf("get curated %s: %w", identifier, err)
	}
	return record, nil
}

// ListCurated returns the curated records that exist for identifiers, keyed by identifier.
func (s *Store) ListCurated(ctx context.Context, identifiers []string) (map[string]decision.CuratedRecord, error) {
	out := make(map[string]decision.CuratedRecord, len(identifiers))
	if len(identifiers) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE identifier = ANY($1)`, curatedColumns, s.curatedTable)
	rows, err := s.pool.Query(ctx, query, identifiers)
	if err != nil {
		return nil, fmt.Errorf("list curated: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		record, err := scanCurated(rows)
		if err != nil {
			return nil, fmt.Errorf("scan curated: %w", err)
		}
		out[record.Identifier] = record
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list curated: %w", err)
	}
	return out, nil
}

func scanCase(row pgx.Row) (decision.CaseRecord, error) {
	var (
		record       decision.CaseRecord
		decisionDate *time.Time
		downloadedAt *time.Time
		status       string
	)
	err := row.Scan(
		&record.Identifier,
		&record.Title,
		&record.ReferenceNumber,
		&record.Category,
		&decisionDate,
		&record.SourceURL,
		&record.Partition,
		&record.DiscoveredAt,
		&status,
		&record.ObjectKey,
		&record.ContentHash,
		&record.ContentType,
		&downloadedAt,
		&record.Attempts,
		&record.ErrorReason,
	)
	if err != nil {
		return decision.CaseRecord{}, err //nolint:wrapcheck // callers wrap with the identifier
	}
	if decisionDate != nil {
		record.DecisionDate = decisionDate.UTC()
	}
	if downloadedAt != nil {
		t := downloadedAt.UTC()
		record.DownloadedAt = &t
	}
	record.DownloadStatus = decision.DownloadStatus(status)
	return record, nil
}

func scanCurated(row pgx.Row) (decision.CuratedRecord, error) {
	var (
		record        decision.CuratedRecord
		transformedAt *time.Time
		status        string
	)
	err := row.Scan(
		&record.Identifier,
		&record.RawCollection,
		&record.SourceKey,
		&record.SourceHash,
		&record.CuratedKey,
		&record.ContentHash,
		&transformedAt,
		&status,
		&record.Attempts,
		&record.ErrorReason,
	)
	if err != nil {
		return decision.CuratedRecord{}, err //nolint:wrapcheck // callers wrap with the identifier
	}
	if transformedAt != nil {
		record.TransformedAt = transformedAt.UTC()
	}
	record.Status = decision.TransformStatus(status)
	return record, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
