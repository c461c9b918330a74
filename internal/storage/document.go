/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"svirweights/internal/domain"
	"svirweights/internal/weighttree"
)

const BackupsDirName = "backups"

// Handle is a project definition document loaded from or saved to one file.
type Handle struct {
	Path string
	Doc  domain.ProjectDefinition
}

// Create writes a new document at path. An existing file is not overwritten.
func Create(path string, doc domain.ProjectDefinition) (*Handle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("create %s: %w", path, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	h := &Handle{Path: path, Doc: doc}
	if err := Save(h); err != nil {
		return nil, err
	}
	return h, nil
}

// NewDocument wraps a tree into a document.
func NewDocument(title string, tree domain.Node) (domain.ProjectDefinition, error) {
	raw, err := json.Marshal(tree)
	if err != nil {
		return domain.ProjectDefinition{}, err
	}
	return domain.ProjectDefinition{Title: title, Tree: raw}, nil
}

// Open loads a document. Files holding a bare tree (as older plugin versions
// wrote them) are wrapped into a document. If the file cannot be read or does
// not validate, the latest backup is tried.
func Open(path string) (*Handle, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		doc, berr := openFromLatestBackup(path)
		if berr != nil {
			return nil, fmt.Errorf("open definition: %w; backup attempt: %v", err, berr)
		}
		return &Handle{Path: path, Doc: *doc}, nil
	}
	doc, perr := ParseDocument(b)
	if perr != nil {
		bdoc, berr := openFromLatestBackup(path)
		if berr != nil {
			return nil, fmt.Errorf("parse definition: %w; backup attempt: %v", perr, berr)
		}
		return &Handle{Path: path, Doc: *bdoc}, nil
	}
	return &Handle{Path: path, Doc: doc}, nil
}

// ParseDocument decodes and schema-validates a document or a bare tree.
func ParseDocument(data []byte) (domain.ProjectDefinition, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return domain.ProjectDefinition{}, fmt.Errorf("%w: %v", weighttree.ErrMalformedTree, err)
	}
	if _, isDoc := probe["tree"]; !isDoc {
		if err := ValidateTree(data); err != nil {
			return domain.ProjectDefinition{}, err
		}
		return domain.ProjectDefinition{Tree: bytes.TrimSpace(data)}, nil
	}
	if err := ValidateDocument(data); err != nil {
		return domain.ProjectDefinition{}, err
	}
	var doc domain.ProjectDefinition
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.ProjectDefinition{}, fmt.Errorf("%w: %v", weighttree.ErrMalformedTree, err)
	}
	return doc, nil
}

// Tree loads the document's tree for editing.
func (h *Handle) Tree(opts weighttree.Options) (*weighttree.Tree, error) {
	return weighttree.Load(h.Doc.Tree, opts)
}

// SetTree replaces the document's tree.
func (h *Handle) SetTree(tree domain.Node) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	h.Doc.Tree = raw
	return nil
}

// Save writes the document with transactional semantics and a timestamped
// backup of the previous file (if present).
func Save(h *Handle) error {
	if h == nil {
		return errors.New("nil Handle")
	}
	if h.Path == "" {
		return errors.New("invalid Handle: missing path")
	}
	data, err := json.MarshalIndent(h.Doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(h.Path)
	base := filepath.Base(h.Path)
	if _, statErr := os.Stat(h.Path); statErr == nil {
		bdir := filepath.Join(dir, BackupsDirName)
		if err := os.MkdirAll(bdir, 0o755); err != nil {
			return fmt.Errorf("ensure backups dir: %w", err)
		}
		stamp := time.Now().Format("20060102-150405.000")
		bpath := filepath.Join(bdir, fmt.Sprintf("%s.%s.bak", base, stamp))
		if cerr := copyFile(h.Path, bpath); cerr != nil {
			return fmt.Errorf("backup current definition: %w", cerr)
		}
	}

	// write to a temp file in the same directory, then rename over the target
	temp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", base, os.Getpid(), rand.Int()))
	if werr := writeFileSync(temp, data); werr != nil {
		return fmt.Errorf("write temp definition: %w", werr)
	}
	// Windows cannot rename over an existing file
	if _, err := os.Stat(h.Path); err == nil {
		_ = os.Remove(h.Path)
	}
	if rerr := os.Rename(temp, h.Path); rerr != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("replace definition: %w", rerr)
	}
	return nil
}

// Backups lists the backup files of path, oldest first.
func Backups(path string) ([]string, error) {
	bdir := filepath.Join(filepath.Dir(path), BackupsDirName)
	ents, err := os.ReadDir(bdir)
	if err != nil {
		return nil, fmt.Errorf("read backups dir: %w", err)
	}
	prefix := filepath.Base(path) + "."
	var out []string
	for _, e := range ents {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".bak") {
			out = append(out, filepath.Join(bdir, name))
		}
	}
	sort.Strings(out) // timestamp in name yields lexicographic order
	return out, nil
}

// PruneBackups keeps the newest keep backups of path and removes the rest.
func PruneBackups(path string, keep int) (int, error) {
	all, err := Backups(path)
	if err != nil || keep < 0 || len(all) <= keep {
		return 0, err
	}
	removed := 0
	for _, p := range all[:len(all)-keep] {
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func writeFileSync(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func copyFile(src, dst string) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sf.Close(); err == nil {
			err = cerr
		}
	}()
	df, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := df.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(df, sf); err != nil {
		return err
	}
	return df.Sync()
}

func openFromLatestBackup(path string) (*domain.ProjectDefinition, error) {
	candidates, err := Backups(path)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.New("no backups found")
	}
	latest := candidates[len(candidates)-1]
	b, err := os.ReadFile(latest)
	if err != nil {
		return nil, fmt.Errorf("read latest backup: %w", err)
	}
	doc, err := ParseDocument(b)
	if err != nil {
		return nil, fmt.Errorf("parse latest backup: %w", err)
	}
	return &doc, nil
}

// AutosaveCrash writes tree into the backups directory next to path, without
// touching the definition itself, and returns the written file.
func AutosaveCrash(path string, title string, tree domain.Node) (string, error) {
	doc, err := NewDocument(title, tree)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal autosave: %w", err)
	}
	bdir := filepath.Join(filepath.Dir(path), BackupsDirName)
	if err := os.MkdirAll(bdir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backups dir: %w", err)
	}
	out := filepath.Join(bdir, fmt.Sprintf("%s.crash-%s.json", filepath.Base(path), time.Now().Format("20060102-150405")))
	if err := writeFileSync(out, data); err != nil {
		return "", fmt.Errorf("write autosave: %w", err)
	}
	return out, nil
}
