/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package crash turns a panic in the CLI into a crash report plus an autosave
// of the tree that was being edited.
package crash

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"svirweights/internal/domain"
	applog "svirweights/internal/log"
	"svirweights/internal/storage"
	"svirweights/internal/telemetry"
	"svirweights/internal/version"
)

// exitFn is swapped in tests so Recover does not end the test process.
var exitFn = os.Exit

// Target describes the definition a command works on. Snapshot returns the
// live tree; it may be nil when nothing is loaded yet.
type Target struct {
	Path     string
	Title    string
	Snapshot func() (domain.Node, bool)
}

// Recover captures a panic, logs it with its stack, writes a crash report and
// autosaves the live tree next to the definition, then exits with code 2.
//
// Usage: defer crash.Recover(target)
func Recover(target *Target) {
	r := recover()
	if r == nil {
		return
	}
	l := applog.WithComponent("crash")
	stack := debug.Stack()
	l.Error("panic recovered", slog.Any("panic", r), slog.String("stack", string(stack)))

	reportPath, err := writeReport(target, r, stack)
	if err != nil {
		l.Error("write crash report failed", slog.Any("err", err))
	}
	if path, ok := autosave(target); ok {
		l.Info("autosave written", slog.String("path", path))
	}
	_, _ = fmt.Fprintf(os.Stderr, "A fatal error occurred. A crash report was saved to: %s\n", reportPath)
	_, _ = fmt.Fprintf(os.Stderr, "Version: %s\nOS/Arch: %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH)
	exitFn(2)
}

func autosave(target *Target) (string, bool) {
	if target == nil || target.Path == "" || target.Snapshot == nil {
		return "", false
	}
	tree, ok := safeSnapshot(target.Snapshot)
	if !ok {
		return "", false
	}
	path, err := storage.AutosaveCrash(target.Path, target.Title, tree)
	if err != nil {
		applog.WithComponent("crash").Error("autosave failed", slog.Any("err", err))
		return "", false
	}
	return path, true
}

// safeSnapshot guards against the snapshot itself panicking on a broken tree.
func safeSnapshot(fn func() (domain.Node, bool)) (n domain.Node, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return fn()
}

func reportDir(target *Target) string {
	if target != nil && target.Path != "" {
		dir := filepath.Join(filepath.Dir(target.Path), storage.BackupsDirName)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			return dir
		}
	}
	return os.TempDir()
}

func writeReport(target *Target, panicVal any, stack []byte) (string, error) {
	path := filepath.Join(reportDir(target), fmt.Sprintf("crash-%s.log", time.Now().Format("20060102-150405")))

	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "svirweights crash report\n")
	_, _ = fmt.Fprintf(&buf, "Timestamp: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(&buf, "Version: %s\n", version.String())
	_, _ = fmt.Fprintf(&buf, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if target != nil && target.Path != "" {
		_, _ = fmt.Fprintf(&buf, "Definition: %s\n", target.Path)
	}
	_, _ = fmt.Fprintf(&buf, "\nPanic: %v\n\n", panicVal)
	_, _ = fmt.Fprintf(&buf, "Stack:\n%s\n", stack)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return path, err
	}
	// the upload only happens when the user opted in
	telemetry.UploadCrash(buf.Bytes())
	return path, nil
}
