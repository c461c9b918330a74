/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"svirweights/internal/domain"
	applog "svirweights/internal/log"
	"svirweights/internal/version"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

const (
	// CatalogDirName holds per-project data under the project root.
	CatalogDirName  = ".svw"
	CatalogFileName = "catalog.sqlite"

	// schemaVersion tracks the catalogue schema; bump it together with a migration step.
	schemaVersion = 2
)

// ErrNotFound is returned when a definition is not in the catalogue.
var ErrNotFound = errors.New("definition not found")

// Catalog stores named project definitions per layer and their edit history.
// A project may keep several definitions for the same layer; one of them is selected.
type Catalog struct {
	db     *sql.DB
	root   string
	logger *slog.Logger
}

// Entry describes a stored definition.
type Entry struct {
	ID        int64     `json:"id"`
	Layer     string    `json:"layer"`
	Name      string    `json:"name"`
	Title     string    `json:"title"`
	Selected  bool      `json:"selected"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEntry is one saved revision of a definition.
type HistoryEntry struct {
	TS    time.Time
	Label string
	Blob  []byte
}

// CatalogPath returns the path of the project's catalogue database.
func CatalogPath(projectRoot string) string {
	return filepath.Join(projectRoot, CatalogDirName, CatalogFileName)
}

// OpenCatalog ensures that the catalogue exists, opens it in WAL mode and
// brings its schema up to date.
func OpenCatalog(projectRoot string) (*Catalog, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "catalog_open").With(
		slog.String("root", projectRoot),
	)
	if strings.TrimSpace(projectRoot) == "" {
		return nil, errors.New("project root is required")
	}
	if err := os.MkdirAll(filepath.Join(projectRoot, CatalogDirName), 0o755); err != nil {
		l.Error("create catalogue dir failed", slog.Any("err", err))
		return nil, fmt.Errorf("create %s dir: %w", CatalogDirName, err)
	}

	path := CatalogPath(projectRoot)
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		l.Error("enable WAL failed", slog.Any("err", err))
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		l.Warn("enable foreign_keys failed", slog.Any("err", err))
	}
	if err := ensureMetaAndVersion(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure meta/version failed", slog.Any("err", err))
		return nil, err
	}
	if err := ensureCatalogSchema(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure catalogue schema failed", slog.Any("err", err))
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		l.Error("run migrations failed", slog.Any("err", err))
		return nil, err
	}
	l.Debug("catalogue ready", slog.String("path", path))
	return &Catalog{db: db, root: projectRoot, logger: applog.WithComponent("storage")}, nil
}

// Close releases the database.
func (c *Catalog) Close() error { return c.db.Close() }

// DB exposes the underlying database for diagnostics.
func (c *Catalog) DB() *sql.DB { return c.db }

func ensureMetaAndVersion(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var curSchema int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&curSchema)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, ?, ?, ?, ?)`, schemaVersion, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		// keep the stored schema so runMigrations can see it
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

func ensureCatalogSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS definitions (
			id         INTEGER PRIMARY KEY,
			layer      TEXT    NOT NULL,
			name       TEXT    NOT NULL,
			title      TEXT    NOT NULL DEFAULT '',
			body       TEXT    NOT NULL,
			selected   INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT    NOT NULL,
			UNIQUE(layer, name)
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			id            INTEGER PRIMARY KEY,
			definition_id INTEGER NOT NULL,
			ts            TEXT    NOT NULL,
			label         TEXT    NOT NULL DEFAULT '',
			blob          BLOB    NOT NULL,
			FOREIGN KEY(definition_id) REFERENCES definitions(id) ON DELETE CASCADE
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create catalogue schema: %w", err)
		}
	}
	return nil
}

// runMigrations applies incremental schema migrations up to schemaVersion.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for cur < schemaVersion {
		next := cur + 1
		var stmts []string
		switch next {
		case 2:
			stmts = []string{
				`CREATE INDEX IF NOT EXISTS idx_history_definition_ts ON history(definition_id, ts);`,
				`CREATE INDEX IF NOT EXISTS idx_definitions_layer ON definitions(layer);`,
			}
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", next, err)
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d stmt failed: %w", next, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d update version: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", next, err)
		}
		cur = next
	}
	return nil
}

// language=SQL
// dialect=SQLite
const upsertDefinitionSQL = `INSERT INTO definitions(layer, name, title, body, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(layer, name) DO UPDATE SET title = excluded.title, body = excluded.body, updated_at = excluded.updated_at`

// SaveDefinition stores doc under (layer, name). The previously stored body,
// if any, is appended to the definition's history. The first definition of a
// layer becomes the selected one.
func (c *Catalog) SaveDefinition(ctx context.Context, layer, name string, doc domain.ProjectDefinition) (int64, error) {
	layer, name = strings.TrimSpace(layer), strings.TrimSpace(name)
	if layer == "" || name == "" {
		return 0, errors.New("layer and name are required")
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal definition: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	var prev string
	err = tx.QueryRowContext(ctx, `SELECT id, body FROM definitions WHERE layer = ? AND name = ?`, layer, name).Scan(&id, &prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	default:
		if prev != string(body) {
			if _, err := tx.ExecContext(ctx, `INSERT INTO history(definition_id, ts, label, blob) VALUES (?, ?, ?, ?)`, id, now, "save", []byte(prev)); err != nil {
				return 0, fmt.Errorf("record history: %w", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, upsertDefinitionSQL, layer, name, doc.Title, string(body), now); err != nil {
		return 0, fmt.Errorf("save definition: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT id FROM definitions WHERE layer = ? AND name = ?`, layer, name).Scan(&id); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE definitions SET selected = 1 WHERE id = ? AND NOT EXISTS (
		SELECT 1 FROM definitions WHERE layer = ? AND selected = 1)`, id, layer); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	c.logger.Debug("definition saved", slog.String("layer", layer), slog.String("name", name))
	return id, nil
}

// GetDefinition returns the stored document.
func (c *Catalog) GetDefinition(ctx context.Context, layer, name string) (domain.ProjectDefinition, error) {
	var body string
	err := c.db.QueryRowContext(ctx, `SELECT body FROM definitions WHERE layer = ? AND name = ?`, layer, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProjectDefinition{}, fmt.Errorf("%w: %s/%s", ErrNotFound, layer, name)
	}
	if err != nil {
		return domain.ProjectDefinition{}, err
	}
	return ParseDocument([]byte(body))
}

// ListDefinitions lists the definitions of layer, or of all layers when layer is empty.
func (c *Catalog) ListDefinitions(ctx context.Context, layer string) ([]Entry, error) {
	q := `SELECT id, layer, name, title, selected, updated_at FROM definitions`
	var args []any
	if layer != "" {
		q += ` WHERE layer = ?`
		args = append(args, layer)
	}
	q += ` ORDER BY layer, name`
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Entry
	for rows.Next() {
		var e Entry
		var sel int
		var ts string
		if err := rows.Scan(&e.ID, &e.Layer, &e.Name, &e.Title, &sel, &ts); err != nil {
			return nil, err
		}
		e.Selected = sel != 0
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SelectDefinition marks (layer, name) as the layer's active definition.
func (c *Catalog) SelectDefinition(ctx context.Context, layer, name string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `UPDATE definitions SET selected = (name = ?) WHERE layer = ?`, name, layer)
	if err != nil {
		return err
	}
	var found int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM definitions WHERE layer = ? AND name = ?`, layer, name).Scan(&found); err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 || found == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, layer, name)
	}
	return tx.Commit()
}

// Selected returns the layer's active definition.
func (c *Catalog) Selected(ctx context.Context, layer string) (Entry, domain.ProjectDefinition, error) {
	var e Entry
	var body, ts string
	err := c.db.QueryRowContext(ctx, `SELECT id, layer, name, title, updated_at, body FROM definitions WHERE layer = ? AND selected = 1`, layer).
		Scan(&e.ID, &e.Layer, &e.Name, &e.Title, &ts, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, domain.ProjectDefinition{}, fmt.Errorf("%w: no selection for layer %s", ErrNotFound, layer)
	}
	if err != nil {
		return Entry{}, domain.ProjectDefinition{}, err
	}
	e.Selected = true
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	doc, err := ParseDocument([]byte(body))
	return e, doc, err
}

// DeleteDefinition removes a definition and its history.
func (c *Catalog) DeleteDefinition(ctx context.Context, layer, name string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM definitions WHERE layer = ? AND name = ?`, layer, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, layer, name)
	}
	return nil
}
