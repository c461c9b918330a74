/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package backend

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"svirweights/internal/domain"
	applog "svirweights/internal/log"
	"svirweights/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no revision of a definition exists.
var ErrNotFound = errors.New("definition not found")

// Revision is one pushed version of a definition.
type Revision struct {
	Layer     string                   `json:"layer"`
	Name      string                   `json:"name"`
	Version   int64                    `json:"version"`
	Title     string                   `json:"title"`
	PushedBy  string                   `json:"pushed_by,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	Doc       domain.ProjectDefinition `json:"doc"`
}

// Summary lists the latest version of a definition without its body.
type Summary struct {
	Layer     string    `json:"layer"`
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps shared project definitions in PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// DSNWithPassword returns dsn with password set in its userinfo. The config
// file keeps the DSN password-free; the password comes from the keychain.
func DSNWithPassword(dsn, password string) (string, error) {
	if password == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}
	u.User = url.UserPassword(user, password)
	return u.String(), nil
}

// Open connects to PostgreSQL through the pgx stdlib driver, pings the server
// and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, logger: applog.WithComponent("backend")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Push stores doc as the next version of (layer, name) and returns that version.
func (s *Store) Push(ctx context.Context, layer, name, pushedBy string, doc domain.ProjectDefinition) (int64, error) {
	layer, name = strings.TrimSpace(layer), strings.TrimSpace(name)
	if layer == "" || name == "" {
		return 0, errors.New("layer and name are required")
	}
	if err := storage.ValidateTree(doc.Tree); err != nil {
		return 0, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	// dialect=PostgreSQL
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM definitions WHERE layer = $1 AND name = $2`, layer, name).Scan(&next); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO definitions(layer, name, version, title, body, pushed_by) VALUES($1, $2, $3, $4, $5, $6)`,
		layer, name, next, doc.Title, string(body), pushedBy); err != nil {
		return 0, fmt.Errorf("insert definition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	applog.WithOperation(s.logger, "push").Info("definition pushed",
		slog.String("layer", layer), slog.String("name", name), slog.Int64("version", next))
	return next, nil
}

// Latest returns the newest revision of (layer, name).
func (s *Store) Latest(ctx context.Context, layer, name string) (Revision, error) {
	return s.scanRevision(s.db.QueryRowContext(ctx, `SELECT layer, name, version, title, pushed_by, created_at, body FROM definitions
		WHERE layer = $1 AND name = $2 ORDER BY version DESC LIMIT 1`, layer, name), layer, name)
}

// Get returns a specific revision.
func (s *Store) Get(ctx context.Context, layer, name string, version int64) (Revision, error) {
	return s.scanRevision(s.db.QueryRowContext(ctx, `SELECT layer, name, version, title, pushed_by, created_at, body FROM definitions
		WHERE layer = $1 AND name = $2 AND version = $3`, layer, name, version), layer, name)
}

func (s *Store) scanRevision(row *sql.Row, layer, name string) (Revision, error) {
	var r Revision
	var body []byte
	switch err := row.Scan(&r.Layer, &r.Name, &r.Version, &r.Title, &r.PushedBy, &r.CreatedAt, &body); {
	case errors.Is(err, sql.ErrNoRows):
		return Revision{}, fmt.Errorf("%w: %s/%s", ErrNotFound, layer, name)
	case err != nil:
		return Revision{}, err
	}
	doc, err := storage.ParseDocument(body)
	if err != nil {
		return Revision{}, err
	}
	r.Doc = doc
	return r, nil
}

// List returns the latest version of every definition, optionally restricted to a layer.
func (s *Store) List(ctx context.Context, layer string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT ON (layer, name) layer, name, version, title, created_at
		FROM definitions WHERE $1 = '' OR layer = $1 ORDER BY layer, name, version DESC`, layer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.Layer, &sm.Name, &sm.Version, &sm.Title, &sm.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// applyMigrations applies embedded SQL migrations in filename order.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	// dialect=PostgreSQL
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied := map[int64]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("select schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	l := applog.WithOperation(applog.WithComponent("backend"), "migrate")
	for _, fname := range files {
		version, err := parseVersion(fname)
		if err != nil {
			return err
		}
		if applied[version] {
			continue
		}
		b, err := migrationsFS.ReadFile(path.Join("migrations", fname))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(b)) == "" {
			continue
		}
		l.Info("applying migration", slog.String("file", fname))
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", fname, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations(version, name) VALUES($1, $2)`, version, fname); err != nil {
			return fmt.Errorf("record %s: %w", fname, err)
		}
	}
	return nil
}

func parseVersion(name string) (int64, error) {
	base := path.Base(name)
	prefix, _, ok := strings.Cut(base, "_")
	if !ok {
		return 0, errors.New("invalid migration filename: " + name)
	}
	v, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version from %s: %w", name, err)
	}
	return v, nil
}
