package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// ErrQuotaExhausted is returned by ConsumeQuota when the monthly budget is
// spent. The counter is left unchanged.
var ErrQuotaExhausted = errors.New("monthly quota exhausted")

// ErrKeyInactive is returned by ConsumeQuota for disabled keys.
var ErrKeyInactive = errors.New("api key inactive")

// ErrKeyNotFound is returned for keys that were never issued.
var ErrKeyNotFound = errors.New("api key not found")

// Schema versions are tracked in schema_versions; migrations apply in order.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS roles (
    id    INTEGER PRIMARY KEY AUTOINCREMENT,
    name  TEXT NOT NULL UNIQUE
);
INSERT OR IGNORE INTO roles(name) VALUES ('admin'), ('standard'), ('free');

CREATE TABLE IF NOT EXISTS api_keys (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    key             TEXT NOT NULL UNIQUE,
    active          BOOLEAN NOT NULL DEFAULT 1,
    role_id         INTEGER REFERENCES roles(id),
    quota_monthly   INTEGER,
    quota_used      INTEGER NOT NULL DEFAULT 0 CHECK(quota_used >= 0),
    quota_reset_at  DATETIME,
    created_at      DATETIME NOT NULL,
    disabled_at     DATETIME,
    label           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_api_keys_active ON api_keys(active);

CREATE TABLE IF NOT EXISTS inference_logs (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at         DATETIME NOT NULL,
    api_key            TEXT NOT NULL,
    request_id         TEXT NOT NULL,
    route              TEXT NOT NULL,
    client_host        TEXT NOT NULL DEFAULT '',
    model_id           TEXT NOT NULL DEFAULT '',
    params_json        TEXT NOT NULL DEFAULT '{}',
    prompt             TEXT NOT NULL DEFAULT '',
    output             TEXT NOT NULL DEFAULT '',
    latency_ms         INTEGER NOT NULL DEFAULT 0,
    prompt_tokens      INTEGER,
    completion_tokens  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_logs_created_at ON inference_logs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_logs_api_key ON inference_logs(api_key);
CREATE INDEX IF NOT EXISTS idx_logs_route ON inference_logs(route);

CREATE TABLE IF NOT EXISTS completion_cache (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    model_id     TEXT NOT NULL,
    prompt       TEXT NOT NULL,
    prompt_hash  TEXT NOT NULL,
    params_fp    TEXT NOT NULL,
    output       TEXT NOT NULL,
    created_at   DATETIME NOT NULL,
    UNIQUE(model_id, prompt_hash, params_fp)
);
`,
	},
}

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies pending
// migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// WAL for concurrent readers; a single writer connection keeps the
	// quota transaction serialized.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Keys and quota ──────────────────────────────────────────────────────────

const keyColumns = `k.id, k.key, k.active, COALESCE(r.name, ''), k.quota_monthly,
    k.quota_used, k.quota_reset_at, k.created_at, k.disabled_at, k.label`

func (s *sqliteStore) GetKey(ctx context.Context, key string) (*APIKey, error) {
	// The role is joined eagerly so the admin predicate never needs a
	// second query.
	row := s.db.QueryRowContext(ctx, `
        SELECT `+keyColumns+`
        FROM api_keys k LEFT JOIN roles r ON r.id = k.role_id
        WHERE k.key = ?`, key)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return k, err
}

func (s *sqliteStore) CreateKey(ctx context.Context, k *APIKey) error {
	var roleID any
	if k.Role != "" {
		if err := s.db.QueryRowContext(ctx, `SELECT id FROM roles WHERE name = ?`, k.Role).Scan(&roleID); err != nil {
			return fmt.Errorf("resolve role %q: %w", k.Role, err)
		}
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO api_keys(key, active, role_id, quota_monthly, quota_used, quota_reset_at, created_at, label)
        VALUES(?,?,?,?,?,?,?,?)`,
		k.Key, k.Active, roleID, k.QuotaMonthly, k.QuotaUsed, nullTime(k.QuotaResetAt), k.CreatedAt, k.Label)
	if err != nil {
		return err
	}
	k.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) DisableKey(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET active = 0, disabled_at = ? WHERE key = ? AND active = 1`,
		time.Now().UTC(), key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *sqliteStore) ListKeys(ctx context.Context, limit, offset int) ([]*APIKey, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+keyColumns+`
        FROM api_keys k LEFT JOIN roles r ON r.id = k.role_id
        ORDER BY k.created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ConsumeQuota(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		active       bool
		quotaMonthly sql.NullInt64
		quotaUsed    int64
		resetAt      sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
        SELECT active, quota_monthly, quota_used, quota_reset_at
        FROM api_keys WHERE key = ?`, key).
		Scan(&active, &quotaMonthly, &quotaUsed, &resetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrKeyNotFound
	}
	if err != nil {
		return err
	}
	if !active {
		return ErrKeyInactive
	}

	// A lapsed reset timestamp rolls the counter and schedules next month.
	now := time.Now().UTC()
	if resetAt.Valid {
		if t, perr := parseTime(resetAt.String); perr == nil && now.After(t) {
			quotaUsed = 0
			next := t.AddDate(0, 1, 0)
			for now.After(next) {
				next = next.AddDate(0, 1, 0)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE api_keys SET quota_used = 0, quota_reset_at = ? WHERE key = ?`, next, key); err != nil {
				return err
			}
		}
	}

	if quotaMonthly.Valid && quotaUsed >= quotaMonthly.Int64 {
		return ErrQuotaExhausted
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET quota_used = quota_used + 1 WHERE key = ?`, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) CreateRole(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO roles(name) VALUES(?)`, name)
	return err
}

// ─── Inference log ───────────────────────────────────────────────────────────

func (s *sqliteStore) AppendInferenceLog(ctx context.Context, rec *InferenceLog) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO inference_logs(created_at, api_key, request_id, route, client_host,
            model_id, params_json, prompt, output, latency_ms, prompt_tokens, completion_tokens)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.CreatedAt.UTC(), rec.APIKey, rec.RequestID, rec.Route, rec.ClientHost,
		rec.ModelID, rec.ParamsJSON, rec.Prompt, rec.Output, rec.LatencyMS,
		rec.PromptTokens, rec.CompletionTokens)
	if err != nil {
		return err
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) ListInferenceLogs(ctx context.Context, q LogQuery) ([]*InferenceLog, error) {
	query := `SELECT id, created_at, api_key, request_id, route, client_host, model_id,
        params_json, prompt, output, latency_ms, prompt_tokens, completion_tokens
        FROM inference_logs WHERE 1=1`
	args := []any{}

	if q.APIKey != "" {
		query += ` AND api_key = ?`
		args = append(args, q.APIKey)
	}
	if q.Route != "" {
		query += ` AND route = ?`
		args = append(args, q.Route)
	}
	if q.ModelID != "" {
		query += ` AND model_id = ?`
		args = append(args, q.ModelID)
	}
	if !q.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, q.To.UTC())
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, clampLimit(q.Limit), q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InferenceLog
	for rows.Next() {
		rec := &InferenceLog{}
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.APIKey, &rec.RequestID, &rec.Route,
			&rec.ClientHost, &rec.ModelID, &rec.ParamsJSON, &rec.Prompt, &rec.Output,
			&rec.LatencyMS, &rec.PromptTokens, &rec.CompletionTokens); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UsageForKey(ctx context.Context, key string) (*UsageSummary, error) {
	return s.usage(ctx, `WHERE api_key = ?`, key)
}

func (s *sqliteStore) UsageSummary(ctx context.Context) (*UsageSummary, error) {
	return s.usage(ctx, ``)
}

func (s *sqliteStore) usage(ctx context.Context, where string, args ...any) (*UsageSummary, error) {
	sum := &UsageSummary{ByRoute: map[string]int64{}, ByModel: map[string]int64{}}

	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
            COALESCE(SUM(prompt_tokens), 0),
            COALESCE(SUM(completion_tokens), 0),
            COALESCE(AVG(latency_ms), 0)
        FROM inference_logs `+where, args...).
		Scan(&sum.Requests, &sum.PromptTokens, &sum.CompletionTokens, &sum.AvgLatencyMS)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT route, COUNT(*) FROM inference_logs `+where+` GROUP BY route`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var route string
		var n int64
		if err := rows.Scan(&route, &n); err != nil {
			return nil, err
		}
		sum.ByRoute[route] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.db.QueryContext(ctx,
		`SELECT model_id, COUNT(*) FROM inference_logs `+where+` GROUP BY model_id`, args...)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var model string
		var n int64
		if err := mrows.Scan(&model, &n); err != nil {
			return nil, err
		}
		sum.ByModel[model] = n
	}
	return sum, mrows.Err()
}

// ─── Completion cache ────────────────────────────────────────────────────────

func (s *sqliteStore) CacheGet(ctx context.Context, modelID, promptHash, paramsFP string) (string, bool, error) {
	var output string
	err := s.db.QueryRowContext(ctx, `
        SELECT output FROM completion_cache
        WHERE model_id = ? AND prompt_hash = ? AND params_fp = ?`,
		modelID, promptHash, paramsFP).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return output, true, nil
}

func (s *sqliteStore) CachePut(ctx context.Context, rec *CachedCompletion) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	// INSERT OR IGNORE: on a concurrent duplicate the first writer wins and
	// the loser's row is silently dropped.
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO completion_cache(model_id, prompt, prompt_hash, params_fp, output, created_at)
        VALUES(?,?,?,?,?,?)`,
		rec.ModelID, rec.Prompt, rec.PromptHash, rec.ParamsFP, rec.Output, rec.CreatedAt.UTC())
	return err
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	k := &APIKey{}
	var (
		quotaMonthly sql.NullInt64
		resetAt      sql.NullString
		createdAt    string
		disabledAt   sql.NullString
	)
	err := row.Scan(&k.ID, &k.Key, &k.Active, &k.Role, &quotaMonthly,
		&k.QuotaUsed, &resetAt, &createdAt, &disabledAt, &k.Label)
	if err != nil {
		return nil, err
	}
	if quotaMonthly.Valid {
		k.QuotaMonthly = &quotaMonthly.Int64
	}
	if resetAt.Valid {
		if t, err := parseTime(resetAt.String); err == nil {
			k.QuotaResetAt = &t
		}
	}
	k.CreatedAt, _ = parseTime(createdAt)
	if disabledAt.Valid {
		if t, err := parseTime(disabledAt.String); err == nil {
			k.DisabledAt = &t
		}
	}
	return k, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// parseTime handles the datetime formats SQLite hands back.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
