/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svirweights/internal/backend"
	"svirweights/internal/crash"
	"svirweights/internal/domain"
	"svirweights/internal/storage"
)

const sampleTree = `{
  "id": "iri", "type": "IRI", "name": "IRI", "weight": 1, "operator": "Weighted sum",
  "children": [
    {"id": "ri", "type": "RI", "name": "RI", "weight": 0.5, "operator": "Weighted sum", "children": [
      {"id": "a", "type": "RISK_INDICATOR", "name": "A", "field": "a", "weight": 0.4},
      {"id": "b", "type": "RISK_INDICATOR", "name": "B", "field": "b", "weight": 0.6}
    ]},
    {"id": "svi", "type": "SVI", "name": "SVI", "weight": 0.5, "operator": "Weighted sum", "children": [
      {"id": "t1", "type": "SV_THEME", "name": "T1", "weight": 1, "operator": "Weighted sum", "children": [
        {"id": "c", "type": "SV_INDICATOR", "name": "C", "field": "c", "weight": 1}
      ]}
    ]}
  ]
}`

// isolate points the CLI at a throwaway config and keeps the keyring out of the way.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SVW_CONFIG", filepath.Join(dir, "config.yaml"))
	t.Setenv("SVW_BACKEND_PASSWORD", "unused")
	for _, k := range []string{"SVW_DATA_DIR", "SVW_DEFAULT_OPERATOR", "SVW_FIELDS", "SVW_BACKEND_DSN", "SVW_BACKEND_URL", "SVW_TELEMETRY_OPT_IN", "SVW_LOG_FILE"} {
		t.Setenv(k, "")
	}
	t.Setenv("SVW_LOG_LEVEL", "error")
	return dir
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &out, &errOut, &crash.Target{})
	return code, out.String(), errOut.String()
}

func writeSample(t *testing.T, dir, tree string) string {
	t.Helper()
	p := filepath.Join(dir, "flood.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"title":"Flood","tree":`+tree+`}`), 0o644))
	return p
}

func TestVersionAndUsage(t *testing.T) {
	isolate(t)
	code, out, _ := runCLI(t, "", "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "svirweights")

	code, _, errOut := runCLI(t, "", "bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown command")

	code, _, _ = runCLI(t, "", "show")
	assert.Equal(t, 2, code)
}

func TestInitShowValidate(t *testing.T) {
	dir := isolate(t)
	p := filepath.Join(dir, "defs", "district.json")

	code, out, errOut := runCLI(t, "", "init", p, "District")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Created definition")

	code, _, errOut = runCLI(t, "", "init", p)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")

	code, out, errOut = runCLI(t, "", "show", p)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "District")
	assert.Contains(t, out, "[Integrated Risk Index]")
	assert.Contains(t, out, "not computable")

	code, out, errOut = runCLI(t, "", "validate", p)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "OK: 3 nodes")
}

func TestValidateAndNormalize(t *testing.T) {
	dir := isolate(t)
	p := writeSample(t, dir, strings.Replace(sampleTree, `"weight": 0.6`, `"weight": 0.4`, 1))

	code, out, _ := runCLI(t, "", "validate", p)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "unbalanced: RI")

	code, _, errOut := runCLI(t, "", "normalize", p)
	require.Equal(t, 0, code, errOut)

	code, out, errOut = runCLI(t, "", "validate", p)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "OK: 7 nodes")

	backups, err := storage.Backups(p)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestValidateRejectsMalformed(t *testing.T) {
	dir := isolate(t)
	p := writeSample(t, dir, `{"type":"IRI","weight":-1}`)
	code, _, errOut := runCLI(t, "", "validate", p)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")
}

func TestFieldsAndCalc(t *testing.T) {
	dir := isolate(t)
	p := writeSample(t, dir, sampleTree)

	code, out, errOut := runCLI(t, "", "fields", p, "a,x,c,y")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "x\ny\n", out)

	code, out, errOut = runCLI(t, "", "calc", p, "a=1,b=2,c=3")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "IRI = 2.3\n")
	assert.Contains(t, out, "  RI = 1.6\n")

	code, out, _ = runCLI(t, "", "calc", p, "a=1,b=NaN,c=3")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "IRI: Missing value")

	code, _, _ = runCLI(t, "", "calc", p, "a")
	assert.Equal(t, 2, code)
}

func TestCalcRecordsFile(t *testing.T) {
	dir := isolate(t)
	p := writeSample(t, dir, sampleTree)
	recs := filepath.Join(dir, "records.txt")
	require.NoError(t, os.WriteFile(recs, []byte("# base\nd1: a=1, b=2, c=3\nd2: a=1, c=3\n"), 0o644))

	code, out, errOut := runCLI(t, "", "calc", p, "@"+recs)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "base/d1\t2.3\nbase/d2\tMissing value\n", out)

	require.NoError(t, os.WriteFile(recs, []byte("d1: a=x\n"), 0o644))
	code, _, errOut = runCLI(t, "", "calc", p, "@"+recs)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "line 1, col 5")
}

func TestExportPDF(t *testing.T) {
	dir := isolate(t)
	p := writeSample(t, dir, sampleTree)
	out := filepath.Join(dir, "report.pdf")

	code, _, errOut := runCLI(t, "", "export-pdf", p, out, "a=1,b=2,c=3")
	require.Equal(t, 0, code, errOut)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, []byte("%PDF-")))
}

func TestCatalogCommands(t *testing.T) {
	dir := isolate(t)
	p := writeSample(t, dir, sampleTree)
	project := filepath.Join(dir, "project")

	code, out, errOut := runCLI(t, "", "catalog", "save", project, "districts", "flood", p)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Saved districts/flood")

	code, out, errOut = runCLI(t, "", "catalog", "list", project)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "* districts/flood\tFlood")

	code, out, errOut = runCLI(t, "", "catalog", "get", project, "districts", "flood")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"title": "Flood"`)

	code, _, errOut = runCLI(t, "", "catalog", "select", project, "districts", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not found")

	code, _, _ = runCLI(t, "", "catalog", "frobnicate", project)
	assert.Equal(t, 2, code)

	pack := filepath.Join(dir, "pack.zip")
	code, out, errOut = runCLI(t, "", "catalog", "export", project, pack)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Exported 1 definition(s)")

	other := filepath.Join(dir, "other")
	code, out, errOut = runCLI(t, "", "catalog", "import", other, pack)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Imported 1 definition(s)")

	code, out, errOut = runCLI(t, "", "catalog", "history", project, "districts", "flood")
	require.Equal(t, 0, code, errOut)
	assert.Empty(t, out)
}

func TestBridgeSavesOnClose(t *testing.T) {
	dir := isolate(t)
	p := filepath.Join(dir, "bridge.json")
	code, _, errOut := runCLI(t, "", "init", p, "Bridge")
	require.Equal(t, 0, code, errOut)

	in := strings.Join([]string{
		`{"id":1,"op":"rename","node":"2","name":"Hazard"}`,
		`{"id":2,"op":"close"}`,
	}, "\n")
	code, out, errOut := runCLI(t, in, "bridge", p, "pga,pop")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"event":"treeUpdated"`)
	assert.Contains(t, out, `"ok":true`)

	h, err := storage.Open(p)
	require.NoError(t, err)
	assert.Contains(t, string(h.Doc.Tree), `"Hazard"`)
	assert.Equal(t, "Bridge", h.Doc.Title)
}

// syncStore keeps pushed revisions in memory.
type syncStore struct {
	mu   sync.Mutex
	revs map[string][]backend.Revision
}

func (s *syncStore) Ping(context.Context) error { return nil }

func (s *syncStore) Push(_ context.Context, layer, name, by string, doc domain.ProjectDefinition) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := layer + "/" + name
	v := int64(len(s.revs[k]) + 1)
	s.revs[k] = append(s.revs[k], backend.Revision{Layer: layer, Name: name, Version: v, Title: doc.Title, PushedBy: by, CreatedAt: time.Now(), Doc: doc})
	return v, nil
}

func (s *syncStore) Latest(_ context.Context, layer, name string) (backend.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.revs[layer+"/"+name]
	if len(rs) == 0 {
		return backend.Revision{}, fmt.Errorf("%w: %s/%s", backend.ErrNotFound, layer, name)
	}
	return rs[len(rs)-1], nil
}

func (s *syncStore) Get(ctx context.Context, layer, name string, _ int64) (backend.Revision, error) {
	return s.Latest(ctx, layer, name)
}

func (s *syncStore) List(context.Context, string) ([]backend.Summary, error) { return nil, nil }

func TestPushPull(t *testing.T) {
	dir := isolate(t)
	srv := httptest.NewServer(backend.NewHandler(&syncStore{revs: map[string][]backend.Revision{}}, "test-secret", nil))
	t.Cleanup(srv.Close)
	t.Setenv("SVW_BACKEND_URL", srv.URL)

	p := writeSample(t, dir, sampleTree)
	code, out, errOut := runCLI(t, "", "push", "districts", "flood", p)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "version 1")

	pulled := filepath.Join(dir, "pulled.json")
	code, out, errOut = runCLI(t, "", "pull", "districts", "flood", pulled)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "version 1")

	h, err := storage.Open(pulled)
	require.NoError(t, err)
	assert.Equal(t, "Flood", h.Doc.Title)

	code, _, errOut = runCLI(t, "", "pull", "districts", "nope", pulled)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not found")
}

func TestServeNeedsDSN(t *testing.T) {
	isolate(t)
	code, _, errOut := runCLI(t, "", "serve")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "backend.dsn")
}
