/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package log

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestWithEnvOverlaysOnlySetVariables(t *testing.T) {
	base := Options{Level: "warn", Format: "json", File: "from-config.log", AddSource: true}

	t.Setenv("SVW_LOG_LEVEL", "")
	t.Setenv("SVW_LOG_FORMAT", "")
	t.Setenv("SVW_LOG_SOURCE", "")
	t.Setenv("SVW_LOG_FILE", "")
	if got := base.WithEnv(); got != base {
		t.Fatalf("empty env changed options: %+v", got)
	}

	t.Setenv("SVW_LOG_LEVEL", "debug")
	t.Setenv("SVW_LOG_SOURCE", "false")
	got := base.WithEnv()
	if got.Level != "debug" || got.AddSource {
		t.Fatalf("env not applied: %+v", got)
	}
	if got.Format != "json" || got.File != "from-config.log" {
		t.Fatalf("unset variables must keep config values: %+v", got)
	}
	if base.Level != "warn" {
		t.Fatalf("WithEnv mutated the receiver")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("SVW_LOG_LEVEL", "")
	t.Setenv("SVW_LOG_FORMAT", "")
	t.Setenv("SVW_LOG_SOURCE", "TRUE")
	t.Setenv("SVW_LOG_FILE", "")
	o := FromEnv()
	if o.Level != "info" || o.Format != "console" || !o.AddSource || o.File != "" {
		t.Fatalf("unexpected options: %+v", o)
	}
}

func TestConsoleJSONOverride(t *testing.T) {
	resetLogger(t)
	var buf strings.Builder
	Init(Options{Level: "warn", Format: " JSON ", Console: &buf})

	ctx := WithDefinition(context.Background(), "drought.svw")
	L().InfoContext(ctx, "dropped")
	L().WarnContext(ctx, "unbalanced group", slog.String("node", "7"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record above the level, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("console output is not JSON: %v", err)
	}
	if rec["msg"] != "unbalanced group" || rec["node"] != "7" || rec["definition"] != "drought.svw" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["session"]; ok {
		t.Fatalf("session attr without a session in context: %v", rec)
	}
}

func TestConsoleTextEnrichment(t *testing.T) {
	resetLogger(t)
	var buf strings.Builder
	Init(Options{Level: "debug", Console: &buf})

	ctx := WithSession(context.Background(), "s-1")
	WithComponent("bridge").DebugContext(ctx, "request", slog.Bool("ok", true), slog.Float64("weight", 0.25))
	WithComponent("bridge").WithGroup("req").ErrorContext(ctx, "failed", slog.String("kind", "Provisional"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	for _, want := range []string{" DBG request", "component=bridge", "ok=true", "weight=0.25", "session=s-1", "app=svirweights"} {
		if !strings.Contains(lines[0], want) {
			t.Fatalf("%q missing from %q", want, lines[0])
		}
	}
	if strings.Contains(lines[0], "definition=") {
		t.Fatalf("definition attr without a definition in context: %q", lines[0])
	}
	for _, want := range []string{" ERR failed", "req.kind=Provisional", "req.session=s-1"} {
		if !strings.Contains(lines[1], want) {
			t.Fatalf("%q missing from %q", want, lines[1])
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" DEBUG ": slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in).Level(); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
