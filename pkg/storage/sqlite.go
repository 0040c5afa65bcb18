package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/resilience"
	"github.com/jllopis/avva/pkg/storage/migrations"
)

// SQLite is the durable Store.
type SQLite struct {
	db     *sql.DB
	retry  resilience.RetryConfig
	logger *slog.Logger
}

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*SQLite)

// WithSQLiteLogger sets the logger.
func WithSQLiteLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLite) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetry overrides the retry policy for writes hitting a busy database.
func WithRetry(rc resilience.RetryConfig) SQLiteOption {
	return func(s *SQLite) {
		s.retry = rc.WithIsRecoverable(isBusy)
	}
}

// OpenSQLite opens the database at path, creating its directory, and runs
// the migrations. A path starting with "file:" or equal to ":memory:" is used
// as a DSN verbatim.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLite, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.New(errors.CodeStorage, "create database directory", err)
			}
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "open database", err)
	}
	// One writer at a time; concurrent writers only produce SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeStorage, "ping database", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeStorage, "enable foreign keys", err)
	}
	version, err := migrations.Up(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeStorage, "migrate database", err)
	}

	s := &SQLite{
		db:     db,
		retry:  resilience.DefaultRetryConfig().WithInitialDelay(20 * time.Millisecond).WithIsRecoverable(isBusy),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Info("storage ready", "component", "storage", "path", path, "schema_version", version)
	return s, nil
}

// DB exposes the underlying handle, for health checks.
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *SQLite) exec(ctx context.Context, op, query string, args ...any) error {
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return errors.New(errors.CodeStorage, op, err)
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// Permissions returns the granted permission names, sorted.
func (s *SQLite) Permissions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM global_permissions ORDER BY name`)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "list permissions", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.New(errors.CodeStorage, "scan permission", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// GrantPermission records a grant. Granting twice is a no-op.
func (s *SQLite) GrantPermission(ctx context.Context, name string) error {
	return s.exec(ctx, "grant permission",
		`INSERT INTO global_permissions (name, granted_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, now())
}

// RevokePermission removes a grant.
func (s *SQLite) RevokePermission(ctx context.Context, name string) error {
	return s.exec(ctx, "revoke permission", `DELETE FROM global_permissions WHERE name = ?`, name)
}

// SaveBrain upserts a provider configuration.
func (s *SQLite) SaveBrain(ctx context.Context, cfg brain.Config) error {
	settings, err := json.Marshal(cfg.Settings)
	if err != nil {
		return errors.New(errors.CodeInvalidInput, "encode provider settings", err)
	}
	if cfg.Settings == nil {
		settings = []byte("{}")
	}
	return s.exec(ctx, "save provider", `
		INSERT INTO brains (id, name, kind, active, fallback, filter_level, privacy_level, settings_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			active = excluded.active,
			fallback = excluded.fallback,
			filter_level = excluded.filter_level,
			privacy_level = excluded.privacy_level,
			settings_json = excluded.settings_json,
			updated_at = excluded.updated_at
	`, cfg.ID, cfg.Name, cfg.Kind, cfg.Active, cfg.Fallback, cfg.FilterLevel, cfg.PrivacyLevel, string(settings), now())
}

// DeleteBrain removes a provider configuration and its capabilities.
func (s *SQLite) DeleteBrain(ctx context.Context, id string) error {
	return s.exec(ctx, "delete provider", `DELETE FROM brains WHERE id = ?`, id)
}

// Brains returns saved provider configurations ordered by id.
func (s *SQLite) Brains(ctx context.Context) ([]brain.Config, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, active, fallback, filter_level, privacy_level, settings_json
		FROM brains ORDER BY id
	`)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "list providers", err)
	}
	defer rows.Close()
	var out []brain.Config
	for rows.Next() {
		var (
			cfg      brain.Config
			settings string
		)
		if err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.Kind, &cfg.Active, &cfg.Fallback,
			&cfg.FilterLevel, &cfg.PrivacyLevel, &settings); err != nil {
			return nil, errors.New(errors.CodeStorage, "scan provider", err)
		}
		if settings != "" && settings != "{}" {
			if err := json.Unmarshal([]byte(settings), &cfg.Settings); err != nil {
				s.logger.Warn("ignoring malformed provider settings", "provider", cfg.ID, "error", err)
			}
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// SaveCapabilities replaces the capability list of a saved provider.
func (s *SQLite) SaveCapabilities(ctx context.Context, id string, caps []string) error {
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM brain_capabilities WHERE brain_id = ?`, id); err != nil {
			return err
		}
		for _, c := range caps {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO brain_capabilities (brain_id, capability) VALUES (?, ?)`, id, c); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return errors.New(errors.CodeStorage, "save capabilities", err).WithContext("provider", id)
	}
	return nil
}

// Capabilities returns the saved capabilities of a provider, sorted.
func (s *SQLite) Capabilities(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT capability FROM brain_capabilities WHERE brain_id = ? ORDER BY capability`, id)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "list capabilities", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, errors.New(errors.CodeStorage, "scan capability", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetSetting stores a setting.
func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	return s.exec(ctx, "save setting",
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
}

// Setting reads a setting.
func (s *SQLite) Setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, errors.New(errors.CodeStorage, "read setting", err)
	}
	return v, true, nil
}

// LogUsage appends a usage record.
func (s *SQLite) LogUsage(ctx context.Context, provider string, u brain.Usage) error {
	return s.exec(ctx, "log usage",
		`INSERT INTO brain_usage (brain_id, prompt_tokens, completion_tokens, cost_usd, created_at) VALUES (?, ?, ?, ?, ?)`,
		provider, u.PromptTokens, u.CompletionTokens, u.CostUSD, now())
}

// Usage aggregates usage per provider.
func (s *SQLite) Usage(ctx context.Context) ([]UsageTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT brain_id, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(cost_usd)
		FROM brain_usage GROUP BY brain_id ORDER BY brain_id
	`)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "aggregate usage", err)
	}
	defer rows.Close()
	var out []UsageTotals
	for rows.Next() {
		var u UsageTotals
		if err := rows.Scan(&u.Provider, &u.Calls, &u.PromptTokens, &u.CompletionTokens, &u.CostUSD); err != nil {
			return nil, errors.New(errors.CodeStorage, "scan usage", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// LogInteraction appends to the history.
func (s *SQLite) LogInteraction(ctx context.Context, role, text, toolCall string) error {
	return s.exec(ctx, "log interaction",
		`INSERT INTO history (role, text, tool_call, created_at) VALUES (?, ?, ?, ?)`,
		role, text, toolCall, now())
}

// History returns the latest limit interactions, oldest first. A
// non-positive limit returns everything.
func (s *SQLite) History(ctx context.Context, limit int) ([]Interaction, error) {
	query := `SELECT id, role, text, tool_call, created_at FROM history ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "read history", err)
	}
	defer rows.Close()
	var out []Interaction
	for rows.Next() {
		var (
			it      Interaction
			created string
		)
		if err := rows.Scan(&it.ID, &it.Role, &it.Text, &it.ToolCall, &created); err != nil {
			return nil, errors.New(errors.CodeStorage, "scan history", err)
		}
		it.CreatedAt = parseTime(created)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Remember stores or replaces a memory.
func (s *SQLite) Remember(ctx context.Context, key, value string) error {
	key = normalizeKey(key)
	if key == "" {
		return errors.New(errors.CodeInvalidInput, "empty memory key", nil)
	}
	return s.exec(ctx, "remember",
		`INSERT INTO memories (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now())
}

// Recall reads a memory.
func (s *SQLite) Recall(ctx context.Context, key string) (Memory, bool, error) {
	var (
		m       Memory
		updated string
	)
	err := s.db.QueryRowContext(ctx, `SELECT key, value, updated_at FROM memories WHERE key = ?`,
		normalizeKey(key)).Scan(&m.Key, &m.Value, &updated)
	switch {
	case err == sql.ErrNoRows:
		return Memory{}, false, nil
	case err != nil:
		return Memory{}, false, errors.New(errors.CodeStorage, "recall", err)
	}
	m.UpdatedAt = parseTime(updated)
	return m, true, nil
}

// Memories lists every memory ordered by key.
func (s *SQLite) Memories(ctx context.Context) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM memories ORDER BY key`)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "list memories", err)
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		var (
			m       Memory
			updated string
		)
		if err := rows.Scan(&m.Key, &m.Value, &updated); err != nil {
			return nil, errors.New(errors.CodeStorage, "scan memory", err)
		}
		m.UpdatedAt = parseTime(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearMemories deletes every memory.
func (s *SQLite) ClearMemories(ctx context.Context) error {
	return s.exec(ctx, "clear memories", `DELETE FROM memories`)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Ping reports whether the database answers.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping: %w", err)
	}
	return nil
}

var _ Store = (*SQLite)(nil)
