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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"svirweights/internal/domain"
	applog "svirweights/internal/log"
	"svirweights/internal/version"
)

// definitionStore is what the HTTP API needs from Store.
type definitionStore interface {
	Ping(ctx context.Context) error
	Push(ctx context.Context, layer, name, pushedBy string, doc domain.ProjectDefinition) (int64, error)
	Latest(ctx context.Context, layer, name string) (Revision, error)
	Get(ctx context.Context, layer, name string, version int64) (Revision, error)
	List(ctx context.Context, layer string) ([]Summary, error)
}

// ServerConfig holds the sync server settings.
type ServerConfig struct {
	Addr   string // http bind address, e.g. ":8080"
	Secret string // HS256 secret for bearer tokens
}

// NewHandler returns the HTTP API over store. Request metrics are recorded
// into m and exposed on /metrics; a nil m gets a fresh registry.
func NewHandler(store definitionStore, secret string, m *Metrics) http.Handler {
	if m == nil {
		m = NewMetrics()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(version.String()))
	})

	// POST /api/auth/token → { token, expires_at }
	mux.HandleFunc("POST /api/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Subject    string `json:"subject"`
			TTLSeconds int64  `json:"ttl_seconds"`
		}
		b, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		_ = r.Body.Close()
		_ = json.Unmarshal(b, &req)
		if req.Subject == "" {
			req.Subject = "dev"
		}
		if req.TTLSeconds <= 0 || req.TTLSeconds > 24*3600 {
			req.TTLSeconds = 3600
		}
		exp := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		tok, err := signToken(secret, req.Subject, exp)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      tok,
			"expires_at": exp.UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("GET /api/definitions", withAuth(secret, func(w http.ResponseWriter, r *http.Request, _ string) {
		list, err := store.List(r.Context(), r.URL.Query().Get("layer"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if list == nil {
			list = []Summary{}
		}
		writeJSON(w, http.StatusOK, list)
	}))

	mux.HandleFunc("GET /api/definitions/{layer}/{name}", withAuth(secret, func(w http.ResponseWriter, r *http.Request, _ string) {
		layer, name := r.PathValue("layer"), r.PathValue("name")
		var (
			rev Revision
			err error
		)
		if v := r.URL.Query().Get("version"); v != "" {
			n, perr := strconv.ParseInt(v, 10, 64)
			if perr != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid version"))
				return
			}
			rev, err = store.Get(r.Context(), layer, name, n)
		} else {
			rev, err = store.Latest(r.Context(), layer, name)
		}
		switch {
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, http.StatusOK, rev)
		}
	}))

	mux.HandleFunc("PUT /api/definitions/{layer}/{name}", withAuth(secret, func(w http.ResponseWriter, r *http.Request, sub string) {
		var doc domain.ProjectDefinition
		dec := json.NewDecoder(io.LimitReader(r.Body, 8<<20))
		if err := dec.Decode(&doc); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode definition: %w", err))
			return
		}
		v, err := store.Push(r.Context(), r.PathValue("layer"), r.PathValue("name"), sub, doc)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		m.PushesTotal.WithLabelValues(r.PathValue("layer")).Inc()
		writeJSON(w, http.StatusCreated, map[string]any{"version": v})
	}))
	return m.instrument(mux)
}

// Serve runs the sync server until ctx is cancelled.
func Serve(ctx context.Context, store definitionStore, cfg ServerConfig) error {
	l := applog.WithComponent("backend")
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Secret == "" {
		cfg.Secret = "dev-secret-change-me"
		l.Warn("no auth secret configured; using insecure dev secret")
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: NewHandler(store, cfg.Secret, nil), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	l.Info("sync server listening", slog.String("addr", cfg.Addr))
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// --- Helpers: auth and JSON ---

func signToken(secret, subject string, exp time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func verifyToken(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("bad claims: %w", err)
	}
	if sub == "" {
		sub = "dev"
	}
	return sub, nil
}

func withAuth(secret string, next func(w http.ResponseWriter, r *http.Request, subject string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "bearer "
		if !strings.HasPrefix(strings.ToLower(auth), prefix) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("missing bearer token"))
			return
		}
		sub, err := verifyToken(secret, strings.TrimSpace(auth[len(prefix):]))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("invalid token"))
			return
		}
		next(w, r, sub)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
