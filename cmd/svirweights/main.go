/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"svirweights/internal/config"
	"svirweights/internal/crash"
	applog "svirweights/internal/log"
	"svirweights/internal/telemetry"
	"svirweights/internal/version"
)

// errUsage marks bad invocations; they exit with code 2.
var errUsage = errors.New("usage")

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "svirweights: SVI/RI/IRI weight definition tool")
	_, _ = fmt.Fprintf(w, "Version: %s\n", version.String())
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  svirweights version                               Show version")
	_, _ = fmt.Fprintln(w, "  svirweights init <file> [title]                   Write the default IRI/RI/SVI template")
	_, _ = fmt.Fprintln(w, "  svirweights show <file>                           Print tree, weights and computability")
	_, _ = fmt.Fprintln(w, "  svirweights validate <file>                       Schema and weight balance check")
	_, _ = fmt.Fprintln(w, "  svirweights normalize <file>                      Renormalize every group and save")
	_, _ = fmt.Fprintln(w, "  svirweights fields <file> <f1,f2,...>             List fields not yet bound")
	_, _ = fmt.Fprintln(w, "  svirweights calc <file> <k=v,...>                 Compute composite values for one record")
	_, _ = fmt.Fprintln(w, "  svirweights calc <file> @<records.txt>            Compute the index for every row of a records file")
	_, _ = fmt.Fprintln(w, "  svirweights export-pdf <file> <out.pdf> [k=v,...] Write the weights report")
	_, _ = fmt.Fprintln(w, "  svirweights catalog save <dir> <layer> <name> <file>")
	_, _ = fmt.Fprintln(w, "  svirweights catalog list <dir> [layer]")
	_, _ = fmt.Fprintln(w, "  svirweights catalog get <dir> <layer> <name> [out]")
	_, _ = fmt.Fprintln(w, "  svirweights catalog select <dir> <layer> <name>")
	_, _ = fmt.Fprintln(w, "  svirweights catalog history <dir> <layer> <name>")
	_, _ = fmt.Fprintln(w, "  svirweights catalog export <dir> <out.zip> [layer]")
	_, _ = fmt.Fprintln(w, "  svirweights catalog import <dir> <pack.zip>")
	_, _ = fmt.Fprintln(w, "  svirweights bridge <file> [f1,f2,...]             Serve the line protocol on stdin/stdout")
	_, _ = fmt.Fprintln(w, "  svirweights serve                                 Run the definition sync server")
	_, _ = fmt.Fprintln(w, "  svirweights push <layer> <name> <file>            Upload a definition to the sync server")
	_, _ = fmt.Fprintln(w, "  svirweights pull <layer> <name> <file>            Download the latest shared definition")
}

func main() {
	target := &crash.Target{}
	defer crash.Recover(target)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, target)
	stop()
	if code != 0 {
		os.Exit(code)
	}
}

// env is what every command gets to work with.
type env struct {
	cfg    config.AppConfig
	pw     string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	target *crash.Target
	tele   *telemetry.Client
	logger *slog.Logger
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, target *crash.Target) int {
	cfg, pw, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	applog.Init(cfg.LogOptions().WithEnv())
	defer func() { _ = applog.Close() }()
	l := applog.WithComponent("cli")

	tele := telemetry.SetDefault(telemetry.FromEnv().WithOptIn(cfg.General.TelemetryOptIn))
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		tele.Flush(flushCtx)
		tele.Close()
	}()

	if target == nil {
		target = &crash.Target{}
	}
	e := &env{cfg: cfg, pw: pw, stdin: stdin, stdout: stdout, stderr: stderr, target: target, tele: tele, logger: l}

	if len(args) == 0 {
		usage(stdout)
		return 0
	}
	cmd, rest := args[0], args[1:]
	l.Debug("start", slog.String("cmd", cmd), slog.Int("args", len(rest)))

	start := time.Now()
	err = dispatch(ctx, e, cmd, rest)
	tele.Command(cmd, time.Since(start), err)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		_, _ = fmt.Fprintln(stderr, err)
		usage(stderr)
		return 2
	default:
		l.Error("command failed", slog.String("cmd", cmd), slog.Any("err", err))
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
}

func dispatch(ctx context.Context, e *env, cmd string, args []string) error {
	switch cmd {
	case "version", "--version", "-v":
		_, _ = fmt.Fprintln(e.stdout, "svirweights")
		_, _ = fmt.Fprintln(e.stdout, version.String())
		return nil
	case "help", "--help", "-h":
		usage(e.stdout)
		return nil
	case "init":
		return cmdInit(e, args)
	case "show":
		return cmdShow(e, args)
	case "validate":
		return cmdValidate(e, args)
	case "normalize":
		return cmdNormalize(e, args)
	case "fields":
		return cmdFields(e, args)
	case "calc":
		return cmdCalc(e, args)
	case "export-pdf":
		return cmdExportPDF(e, args)
	case "catalog":
		return cmdCatalog(ctx, e, args)
	case "bridge":
		return cmdBridge(ctx, e, args)
	case "serve":
		return cmdServe(ctx, e, args)
	case "push":
		return cmdPush(ctx, e, args)
	case "pull":
		return cmdPull(ctx, e, args)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func needArgs(args []string, n int, what string) error {
	if len(args) < n {
		return fmt.Errorf("%w: %s", errUsage, what)
	}
	return nil
}
