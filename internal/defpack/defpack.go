/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package defpack moves project definitions between catalogues as a single
// zip archive: one JSON document per layer and name, plus a manifest.
package defpack

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	applog "svirweights/internal/log"
	"svirweights/internal/storage"
	"svirweights/internal/version"
)

// ManifestName is the text file at the root of every pack.
const ManifestName = "defpack.manifest.txt"

const definitionsDir = "definitions"

// entryName is definitions/<layer>/<name>.json with both parts path-escaped.
func entryName(layer, name string) string {
	return definitionsDir + "/" + url.PathEscape(layer) + "/" + url.PathEscape(name) + ".json"
}

func parseEntryName(zipName string) (layer, name string, ok bool) {
	parts := strings.Split(zipName, "/")
	if len(parts) != 3 || parts[0] != definitionsDir || !strings.HasSuffix(parts[2], ".json") {
		return "", "", false
	}
	layer, err := url.PathUnescape(parts[1])
	if err != nil || layer == "" || layer == "." || layer == ".." {
		return "", "", false
	}
	name, err = url.PathUnescape(strings.TrimSuffix(parts[2], ".json"))
	if err != nil || name == "" {
		return "", "", false
	}
	return layer, name, true
}

// Export writes every definition of the catalogue (or of one layer) into a
// zip at destZipPath and returns how many were written.
func Export(ctx context.Context, c *storage.Catalog, layer, destZipPath string) (int, error) {
	l := applog.WithOperation(applog.WithComponent("defpack"), "export").With(slog.String("zip", destZipPath))
	if c == nil {
		return 0, errors.New("catalog is required")
	}
	if strings.TrimSpace(destZipPath) == "" {
		return 0, errors.New("destZipPath is required")
	}
	entries, err := c.ListDefinitions(ctx, layer)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(destZipPath), 0o755); err != nil {
		return 0, fmt.Errorf("ensure zip dir: %w", err)
	}
	// On Windows, remove destination if present before create
	_ = os.Remove(destZipPath)

	zf, err := os.Create(destZipPath)
	if err != nil {
		return 0, fmt.Errorf("create zip: %w", err)
	}
	zw := zip.NewWriter(zf)

	written, werr := writeEntries(ctx, zw, c, entries)
	if cerr := zw.Close(); werr == nil {
		werr = cerr
	}
	if cerr := zf.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		l.Error("zip build failed", slog.Any("err", werr))
		return written, fmt.Errorf("build zip: %w", werr)
	}
	l.Info("definition pack exported", slog.Int("definitions", written))
	return written, nil
}

func writeEntries(ctx context.Context, zw *zip.Writer, c *storage.Catalog, entries []storage.Entry) (int, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "svirweights definition pack\nCreated: %s\nVersion: %s\n\n", time.Now().Format(time.RFC3339), version.String())
	for _, e := range entries {
		sel := ""
		if e.Selected {
			sel = " (selected)"
		}
		fmt.Fprintf(&b, "%s/%s: %s%s\n", e.Layer, e.Name, e.Title, sel)
	}
	w, err := zw.Create(ManifestName)
	if err != nil {
		return 0, fmt.Errorf("add manifest: %w", err)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return 0, fmt.Errorf("write manifest: %w", err)
	}

	written := 0
	for _, e := range entries {
		doc, err := c.GetDefinition(ctx, e.Layer, e.Name)
		if err != nil {
			return written, err
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return written, err
		}
		fw, err := zw.Create(entryName(e.Layer, e.Name))
		if err != nil {
			return written, err
		}
		if _, err := fw.Write(data); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// Install reads a pack into the catalogue. Definitions that already exist
// under the same layer and name are skipped, as are entries that are not
// definitions. Every document is schema-checked before it is stored.
// Returns the count of definitions installed.
func Install(ctx context.Context, c *storage.Catalog, packZipPath string) (int, error) {
	l := applog.WithOperation(applog.WithComponent("defpack"), "install").With(slog.String("zip", packZipPath))
	if c == nil {
		return 0, errors.New("catalog is required")
	}
	if strings.TrimSpace(packZipPath) == "" {
		return 0, errors.New("packZipPath is required")
	}
	r, err := zip.OpenReader(packZipPath)
	if err != nil {
		return 0, fmt.Errorf("open pack: %w", err)
	}
	defer func() { _ = r.Close() }()

	installed := 0
	for _, f := range r.File {
		if f.FileInfo().IsDir() || f.Name == ManifestName {
			continue
		}
		layer, name, ok := parseEntryName(f.Name)
		if !ok {
			l.Warn("skip foreign entry", slog.String("entry", f.Name))
			continue
		}
		if _, err := c.GetDefinition(ctx, layer, name); err == nil {
			l.Warn("skip existing definition", slog.String("layer", layer), slog.String("name", name))
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return installed, err
		}
		data, err := readEntry(f)
		if err != nil {
			return installed, err
		}
		doc, err := storage.ParseDocument(data)
		if err != nil {
			return installed, fmt.Errorf("%s: %w", f.Name, err)
		}
		if _, err := c.SaveDefinition(ctx, layer, name, doc); err != nil {
			return installed, err
		}
		installed++
	}
	l.Info("definition pack installed", slog.Int("definitions", installed))
	return installed, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(io.LimitReader(rc, 8<<20))
}
