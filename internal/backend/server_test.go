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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"svirweights/internal/domain"
	"svirweights/internal/storage"
)

// memStore is an in-memory definitionStore.
type memStore struct {
	mu   sync.Mutex
	revs map[string][]Revision
}

func newMemStore() *memStore { return &memStore{revs: map[string][]Revision{}} }

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) Push(_ context.Context, layer, name, by string, doc domain.ProjectDefinition) (int64, error) {
	if err := storage.ValidateTree(doc.Tree); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := layer + "/" + name
	v := int64(len(m.revs[k]) + 1)
	m.revs[k] = append(m.revs[k], Revision{Layer: layer, Name: name, Version: v, Title: doc.Title, PushedBy: by, CreatedAt: time.Now(), Doc: doc})
	return v, nil
}

func (m *memStore) Latest(_ context.Context, layer, name string) (Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.revs[layer+"/"+name]
	if len(rs) == 0 {
		return Revision{}, fmt.Errorf("%w: %s/%s", ErrNotFound, layer, name)
	}
	return rs[len(rs)-1], nil
}

func (m *memStore) Get(_ context.Context, layer, name string, v int64) (Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.revs[layer+"/"+name]
	if v < 1 || v > int64(len(rs)) {
		return Revision{}, fmt.Errorf("%w: %s/%s@%d", ErrNotFound, layer, name, v)
	}
	return rs[v-1], nil
}

func (m *memStore) List(_ context.Context, layer string) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Summary
	for _, rs := range m.revs {
		r := rs[len(rs)-1]
		if layer == "" || r.Layer == layer {
			out = append(out, Summary{Layer: r.Layer, Name: r.Name, Version: r.Version, Title: r.Title, CreatedAt: r.CreatedAt})
		}
	}
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	srv, c, _ := newMeteredServer(t)
	return srv, c
}

func newMeteredServer(t *testing.T) (*httptest.Server, *Client, *Metrics) {
	t.Helper()
	m := NewMetrics()
	srv := httptest.NewServer(NewHandler(newMemStore(), "test-secret", m))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL+"/", "")
	if err := c.Login(context.Background(), "alice"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return srv, c, m
}

func testDoc(t *testing.T, title string) domain.ProjectDefinition {
	t.Helper()
	doc, err := storage.NewDocument(title, domain.NewProjectTemplate(""))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestClientPushPullList(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	for i, title := range []string{"v1", "v2"} {
		v, err := c.Push(ctx, "districts", "flood", testDoc(t, title))
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		if v != int64(i+1) {
			t.Fatalf("version = %d, want %d", v, i+1)
		}
	}
	rev, err := c.Pull(ctx, "districts", "flood")
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if rev.Version != 2 || rev.Doc.Title != "v2" || rev.PushedBy != "alice" {
		t.Fatalf("unexpected revision %+v", rev)
	}
	list, err := c.ListDefinitions(ctx, "districts")
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(list) != 1 || list[0].Version != 2 {
		t.Fatalf("unexpected list %+v", list)
	}
	if _, err := c.Pull(ctx, "districts", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPushRejectsMalformedTree(t *testing.T) {
	_, c := newTestServer(t)
	doc := domain.ProjectDefinition{Title: "bad", Tree: []byte(`{"type":"IRI","weight":-1}`)}
	if _, err := c.Push(context.Background(), "l", "n", doc); err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/definitions")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	c := NewClient(srv.URL, "garbage.token")
	if _, err := c.ListDefinitions(context.Background(), ""); err == nil {
		t.Fatalf("expected auth failure")
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, p := range []string{"/healthz", "/readyz", "/version"} {
		resp, err := http.Get(srv.URL + p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", p, resp.StatusCode)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok, err := signToken("s", "bob", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if sub, err := verifyToken("s", tok); err != nil || sub != "bob" {
		t.Fatalf("verify = %q, %v", sub, err)
	}
	if _, err := verifyToken("s", "garbage.token"); err == nil {
		t.Fatalf("expected malformed token to fail")
	}
	if _, err := verifyToken("other", tok); err == nil {
		t.Fatalf("expected bad signature")
	}
	expired, _ := signToken("s", "bob", time.Now().Add(-time.Minute))
	if _, err := verifyToken("s", expired); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestDSNWithPassword(t *testing.T) {
	got, err := DSNWithPassword("postgres://svw@localhost:5432/svw?sslmode=disable", "p@ss")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "svw:p%40ss@localhost") {
		t.Fatalf("unexpected dsn %s", got)
	}
	same, _ := DSNWithPassword("postgres://x@h/db", "")
	if same != "postgres://x@h/db" {
		t.Fatalf("empty password must keep dsn, got %s", same)
	}
}

func TestParseVersion(t *testing.T) {
	if v, err := parseVersion("migrations/0002_definitions_latest_idx.sql"); err != nil || v != 2 {
		t.Fatalf("parseVersion = %d, %v", v, err)
	}
	if _, err := parseVersion("nounderscore.sql"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMetricsRecorded(t *testing.T) {
	srv, c, _ := newMeteredServer(t)
	ctx := context.Background()
	if _, err := c.Push(ctx, "districts", "flood", testDoc(t, "v1")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp.StatusCode)
	}
	for _, want := range []string{
		`svw_definition_pushes_total{layer="districts"} 1`,
		`svw_http_requests_total{method="PUT",path="PUT /api/definitions/{layer}/{name}",status="201"} 1`,
		`svw_http_requests_in_flight 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("/metrics missing %q", want)
		}
	}
}
