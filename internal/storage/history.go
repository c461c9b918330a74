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
	"errors"
	"fmt"
	"time"
)

// language=SQL
// dialect=SQLite
const insertHistorySQL = `INSERT INTO history(definition_id, ts, label, blob)
SELECT id, ?, ?, ? FROM definitions WHERE layer = ? AND name = ?`

// language=SQL
// dialect=SQLite
const listHistorySQL = `SELECT h.ts, h.label, h.blob FROM history h
JOIN definitions d ON d.id = h.definition_id
WHERE d.layer = ? AND d.name = ? ORDER BY h.ts DESC, h.id DESC LIMIT ?`

// language=SQL
// dialect=SQLite
const pruneHistorySQL = `DELETE FROM history WHERE definition_id = ? AND id NOT IN (
	SELECT id FROM history WHERE definition_id = ? ORDER BY ts DESC, id DESC LIMIT ?
)`

// RecordHistory appends a serialized tree to the history of (layer, name),
// e.g. an edit session's state before it was saved.
func (c *Catalog) RecordHistory(ctx context.Context, layer, name, label string, blob []byte, ts time.Time) error {
	res, err := c.db.ExecContext(ctx, insertHistorySQL, ts.UTC().Format(time.RFC3339Nano), label, blob, layer, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, layer, name)
	}
	return nil
}

// History returns up to limit most recent revisions, newest first.
func (c *Catalog) History(ctx context.Context, layer, name string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, listHistorySQL, layer, name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []HistoryEntry
	for rows.Next() {
		var ts string
		var h HistoryEntry
		if err := rows.Scan(&ts, &h.Label, &h.Blob); err != nil {
			return nil, err
		}
		h.TS, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, h)
	}
	return out, rows.Err()
}

// PruneHistory keeps at most keepLast revisions of (layer, name).
func (c *Catalog) PruneHistory(ctx context.Context, layer, name string, keepLast int) (int64, error) {
	if keepLast <= 0 {
		return 0, nil
	}
	var id int64
	err := c.db.QueryRowContext(ctx, `SELECT id FROM definitions WHERE layer = ? AND name = ?`, layer, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s/%s", ErrNotFound, layer, name)
	}
	if err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, pruneHistorySQL, id, id, keepLast)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
