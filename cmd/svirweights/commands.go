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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"svirweights/internal/backend"
	"svirweights/internal/bridge"
	"svirweights/internal/calc"
	"svirweights/internal/config"
	"svirweights/internal/defpack"
	"svirweights/internal/domain"
	"svirweights/internal/export"
	"svirweights/internal/records"
	"svirweights/internal/session"
	"svirweights/internal/storage"
	"svirweights/internal/undo"
	"svirweights/internal/weighttree"
)

func (e *env) treeOptions(fields []string) weighttree.Options {
	if fields == nil {
		fields = e.cfg.Editor.Fields
	}
	return weighttree.Options{
		DefaultOperator: e.cfg.Editor.DefaultOperator,
		Operators:       e.cfg.OperatorSet(),
		Fields:          fields,
	}
}

// open loads a definition file and its tree, and points the crash target at it.
func (e *env) open(path string, fields []string) (*storage.Handle, *weighttree.Tree, error) {
	abs, _ := filepath.Abs(path)
	h, err := storage.Open(abs)
	if err != nil {
		return nil, nil, err
	}
	t, err := h.Tree(e.treeOptions(fields))
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", abs, err)
	}
	e.target.Path = abs
	e.target.Title = h.Doc.Title
	e.target.Snapshot = func() (domain.Node, bool) { return t.Serialize(), true }
	return h, t, nil
}

func cmdInit(e *env, args []string) error {
	if err := needArgs(args, 1, "init requires <file>"); err != nil {
		return err
	}
	abs, _ := filepath.Abs(args[0])
	title := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	if len(args) > 1 {
		title = args[1]
	}
	doc, err := storage.NewDocument(title, domain.NewProjectTemplate(e.cfg.Editor.DefaultOperator))
	if err != nil {
		return err
	}
	e.logger.Info("init definition", slog.String("path", abs), slog.String("title", title))
	if _, err := storage.Create(abs, doc); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(e.stdout, "Created definition at", abs)
	return nil
}

func cmdShow(e *env, args []string) error {
	if err := needArgs(args, 1, "show requires <file>"); err != nil {
		return err
	}
	h, t, err := e.open(args[0], nil)
	if err != nil {
		return err
	}
	r := lipgloss.NewRenderer(e.stdout)
	title := r.NewStyle().Bold(true)
	muted := r.NewStyle().Faint(true)
	warn := r.NewStyle().Foreground(lipgloss.Color("#D7875F"))

	heading := h.Doc.Title
	if heading == "" {
		heading = filepath.Base(h.Path)
	}
	_, _ = fmt.Fprintln(e.stdout, title.Render(heading))
	if h.Doc.Description != "" {
		_, _ = fmt.Fprintln(e.stdout, muted.Render(h.Doc.Description))
	}
	if err := printTree(e, t, t.Root(), 0, muted); err != nil {
		return err
	}
	for _, id := range t.Unbalanced(e.cfg.Editor.BalanceTolerance) {
		n, _ := t.Node(id)
		_, _ = fmt.Fprintln(e.stdout, warn.Render(fmt.Sprintf("weights of %q do not sum to 1", n.Name)))
	}
	return nil
}

func printTree(e *env, t *weighttree.Tree, id weighttree.ID, depth int, muted lipgloss.Style) error {
	n, err := t.Node(id)
	if err != nil {
		return err
	}
	w, err := t.DisplayWeight(id)
	if err != nil {
		return err
	}
	ok, err := t.IsComputable(id)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(&b, "%s [%s] w=%.4g", n.Name, n.Type.DisplayName(), w)
	if n.IsInverted {
		b.WriteString(" inverted")
	}
	if n.Field != "" {
		fmt.Fprintf(&b, " field=%s", n.Field)
	}
	if len(n.Children) > 0 {
		op, err := t.EffectiveOperator(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, " op=%q", op.Name)
	}
	line := b.String()
	if !ok {
		line += " " + muted.Render("(not computable)")
	}
	_, _ = fmt.Fprintln(e.stdout, line)
	for _, c := range n.Children {
		if err := printTree(e, t, c, depth+1, muted); err != nil {
			return err
		}
	}
	return nil
}

// errUnbalanced is returned by validate when some group's weights do not sum to 1.
var errUnbalanced = errors.New("unbalanced weights")

func cmdValidate(e *env, args []string) error {
	if err := needArgs(args, 1, "validate requires <file>"); err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	doc, err := storage.ParseDocument(data)
	if err != nil {
		return err
	}
	t, err := weighttree.Load(doc.Tree, e.treeOptions(nil))
	if err != nil {
		return err
	}
	bad := t.Unbalanced(e.cfg.Editor.BalanceTolerance)
	for _, id := range bad {
		n, _ := t.Node(id)
		_, _ = fmt.Fprintf(e.stdout, "unbalanced: %s (%s)\n", n.Name, id)
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: %d group(s)", errUnbalanced, len(bad))
	}
	_, _ = fmt.Fprintf(e.stdout, "OK: %d nodes\n", t.Len())
	return nil
}

func cmdNormalize(e *env, args []string) error {
	if err := needArgs(args, 1, "normalize requires <file>"); err != nil {
		return err
	}
	h, t, err := e.open(args[0], nil)
	if err != nil {
		return err
	}
	if err := t.RenormalizeAll(); err != nil {
		return err
	}
	if err := h.SetTree(t.Serialize()); err != nil {
		return err
	}
	if err := storage.Save(h); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(e.stdout, "Normalized and saved", h.Path)
	return nil
}

func cmdFields(e *env, args []string) error {
	if err := needArgs(args, 2, "fields requires <file> and <f1,f2,...>"); err != nil {
		return err
	}
	_, t, err := e.open(args[0], config.SplitList(args[1]))
	if err != nil {
		return err
	}
	for _, f := range t.AvailableFields() {
		_, _ = fmt.Fprintln(e.stdout, f)
	}
	return nil
}

// parseRecord reads "k=v,k=v". A value of NaN or an empty value is left missing.
func parseRecord(s string) (calc.Record, error) {
	rec := calc.Record{}
	for _, kv := range config.SplitList(s) {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: bad field value %q, want name=value", errUsage, kv)
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", errUsage, k, err)
		}
		if math.IsNaN(f) {
			continue
		}
		rec[k] = f
	}
	return rec, nil
}

func cmdCalc(e *env, args []string) error {
	if err := needArgs(args, 2, "calc requires <file> and <k=v,...> or @records.txt"); err != nil {
		return err
	}
	if path, ok := strings.CutPrefix(args[1], "@"); ok {
		return calcRecordsFile(e, args[0], path)
	}
	rec, err := parseRecord(args[1])
	if err != nil {
		return err
	}
	_, t, err := e.open(args[0], nil)
	if err != nil {
		return err
	}
	res, err := calc.Compute(t, rec)
	if err != nil {
		return err
	}
	return printValues(e, t, t.Root(), 0, res)
}

// calcRecordsFile evaluates every row of a records file and prints the root value per row.
func calcRecordsFile(e *env, defPath, recordsPath string) error {
	data, err := os.ReadFile(recordsPath)
	if err != nil {
		return err
	}
	f, perrs := records.Parse(string(data))
	for _, pe := range perrs {
		_, _ = fmt.Fprintf(e.stderr, "%s: %v\n", recordsPath, pe)
	}
	if len(perrs) > 0 {
		return fmt.Errorf("%s: %d parse error(s)", recordsPath, len(perrs))
	}
	_, t, err := e.open(defPath, nil)
	if err != nil {
		return err
	}
	results, err := calc.ComputeAll(t, f.Records())
	if err != nil {
		return err
	}
	root := t.Root()
	for i, row := range f.Rows {
		label := row.Label
		if row.Group != "" {
			label = row.Group + "/" + label
		}
		if v, ok := results[i].Value(root); ok {
			_, _ = fmt.Fprintf(e.stdout, "%s\t%.6g\n", label, v)
		} else {
			_, _ = fmt.Fprintf(e.stdout, "%s\t%s\n", label, results[i].Missing[root])
		}
	}
	return nil
}

func printValues(e *env, t *weighttree.Tree, id weighttree.ID, depth int, res calc.Result) error {
	n, err := t.Node(id)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", depth)
	if v, ok := res.Value(id); ok {
		_, _ = fmt.Fprintf(e.stdout, "%s%s = %.6g\n", indent, n.Name, v)
	} else {
		_, _ = fmt.Fprintf(e.stdout, "%s%s: %s\n", indent, n.Name, res.Missing[id])
	}
	for _, c := range n.Children {
		if err := printValues(e, t, c, depth+1, res); err != nil {
			return err
		}
	}
	return nil
}

func cmdExportPDF(e *env, args []string) error {
	if err := needArgs(args, 2, "export-pdf requires <file> and <out.pdf>"); err != nil {
		return err
	}
	h, t, err := e.open(args[0], nil)
	if err != nil {
		return err
	}
	opt := export.PDFOptions{Title: h.Doc.Title}
	if len(args) > 2 {
		rec, err := parseRecord(args[2])
		if err != nil {
			return err
		}
		res, err := calc.Compute(t, rec)
		if err != nil {
			return err
		}
		opt.Values = &res
	}
	if err := export.ExportTreePDF(t, args[1], opt); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(e.stdout, "Wrote", args[1])
	return nil
}

func cmdCatalog(ctx context.Context, e *env, args []string) error {
	if err := needArgs(args, 2, "catalog requires a subcommand and <dir>"); err != nil {
		return err
	}
	sub, dir, rest := args[0], args[1], args[2:]
	c, err := storage.OpenCatalog(dir)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	switch sub {
	case "save":
		if err := needArgs(rest, 3, "catalog save requires <layer> <name> <file>"); err != nil {
			return err
		}
		h, err := storage.Open(rest[2])
		if err != nil {
			return err
		}
		id, err := c.SaveDefinition(ctx, rest[0], rest[1], h.Doc)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(e.stdout, "Saved %s/%s (id %d)\n", rest[0], rest[1], id)
	case "list":
		layer := ""
		if len(rest) > 0 {
			layer = rest[0]
		}
		list, err := c.ListDefinitions(ctx, layer)
		if err != nil {
			return err
		}
		for _, en := range list {
			mark := " "
			if en.Selected {
				mark = "*"
			}
			_, _ = fmt.Fprintf(e.stdout, "%s %s/%s\t%s\t%s\n", mark, en.Layer, en.Name, en.Title, en.UpdatedAt.Format("2006-01-02 15:04"))
		}
	case "get":
		if err := needArgs(rest, 2, "catalog get requires <layer> <name>"); err != nil {
			return err
		}
		doc, err := c.GetDefinition(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		if len(rest) > 2 {
			abs, _ := filepath.Abs(rest[2])
			h := &storage.Handle{Path: abs, Doc: doc}
			if err := storage.Save(h); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(e.stdout, "Wrote", abs)
			return nil
		}
		enc := json.NewEncoder(e.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "select":
		if err := needArgs(rest, 2, "catalog select requires <layer> <name>"); err != nil {
			return err
		}
		if err := c.SelectDefinition(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(e.stdout, "Selected %s/%s\n", rest[0], rest[1])
	case "history":
		if err := needArgs(rest, 2, "catalog history requires <layer> <name>"); err != nil {
			return err
		}
		hist, err := c.History(ctx, rest[0], rest[1], 20)
		if err != nil {
			return err
		}
		for _, h := range hist {
			_, _ = fmt.Fprintf(e.stdout, "%s\t%s\t%d bytes\n", h.TS.Format("2006-01-02 15:04:05"), h.Label, len(h.Blob))
		}
	case "export":
		if err := needArgs(rest, 1, "catalog export requires <out.zip> [layer]"); err != nil {
			return err
		}
		layer := ""
		if len(rest) > 1 {
			layer = rest[1]
		}
		n, err := defpack.Export(ctx, c, layer, rest[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(e.stdout, "Exported %d definition(s) to %s\n", n, rest[0])
	case "import":
		if err := needArgs(rest, 1, "catalog import requires <pack.zip>"); err != nil {
			return err
		}
		n, err := defpack.Install(ctx, c, rest[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(e.stdout, "Imported %d definition(s)\n", n)
	default:
		return fmt.Errorf("%w: unknown catalog subcommand %q", errUsage, sub)
	}
	return nil
}

// cmdBridge edits one definition file through the line protocol. The file is
// loaded before the first request and the final tree is saved when the host
// closes the session or stdin ends.
func cmdBridge(ctx context.Context, e *env, args []string) error {
	if err := needArgs(args, 1, "bridge requires <file>"); err != nil {
		return err
	}
	fields := e.cfg.Editor.Fields
	if len(args) > 1 {
		fields = config.SplitList(args[1])
	}
	abs, _ := filepath.Abs(args[0])
	h, err := storage.Open(abs)
	if err != nil {
		return err
	}
	host := session.Host{
		DefaultOperator: e.cfg.Editor.DefaultOperator,
		Operators:       e.cfg.Editor.Operators,
		Fields:          fields,
	}
	srv, err := bridge.NewServer(e.stdout, host,
		session.WithKey(abs),
		session.WithHistory(undo.NewManager(e.cfg.UndoOptions())),
		session.WithTelemetry(e.tele),
	)
	if err != nil {
		return err
	}
	sess := srv.Session()
	e.target.Path = abs
	e.target.Title = h.Doc.Title
	e.target.Snapshot = func() (domain.Node, bool) {
		n, err := sess.Snapshot()
		return n, err == nil
	}
	if err := sess.Load(ctx, h.Doc.Tree); err != nil {
		return err
	}
	if err := srv.Serve(ctx, e.stdin); err != nil {
		return err
	}

	final, ok := srv.Final()
	if !ok {
		final, err = sess.Close(ctx)
		if err != nil {
			if errors.Is(err, session.ErrClosed) {
				return nil
			}
			return err
		}
	}
	if err := h.SetTree(final); err != nil {
		return err
	}
	if err := storage.Save(h); err != nil {
		return err
	}
	e.logger.Info("bridge session saved", slog.String("path", abs))
	return nil
}

func cmdServe(ctx context.Context, e *env, _ []string) error {
	if strings.TrimSpace(e.cfg.Backend.DSN) == "" {
		return fmt.Errorf("backend.dsn is not configured (set %s)", config.EnvBackendDSN)
	}
	dsn, err := backend.DSNWithPassword(e.cfg.Backend.DSN, e.pw)
	if err != nil {
		return err
	}
	openCtx, cancel := context.WithTimeout(ctx, e.cfg.Backend.Timeout())
	store, err := backend.Open(openCtx, dsn)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	err = backend.Serve(ctx, store, backend.ServerConfig{
		Addr:   e.cfg.Backend.Addr,
		Secret: os.Getenv(config.EnvAuthSecret),
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *env) client(ctx context.Context) (*backend.Client, error) {
	if strings.TrimSpace(e.cfg.Backend.URL) == "" {
		return nil, fmt.Errorf("backend.url is not configured (set %s)", config.EnvBackendURL)
	}
	c := backend.NewClient(e.cfg.Backend.URL, "")
	subject := os.Getenv("USER")
	if subject == "" {
		subject = "svirweights"
	}
	if err := c.Login(ctx, subject); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return c, nil
}

func cmdPush(ctx context.Context, e *env, args []string) error {
	if err := needArgs(args, 3, "push requires <layer> <name> <file>"); err != nil {
		return err
	}
	h, err := storage.Open(args[2])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Backend.Timeout())
	defer cancel()
	c, err := e.client(ctx)
	if err != nil {
		return err
	}
	v, err := c.Push(ctx, args[0], args[1], h.Doc)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.stdout, "Pushed %s/%s version %d\n", args[0], args[1], v)
	return nil
}

func cmdPull(ctx context.Context, e *env, args []string) error {
	if err := needArgs(args, 3, "pull requires <layer> <name> <file>"); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Backend.Timeout())
	defer cancel()
	c, err := e.client(ctx)
	if err != nil {
		return err
	}
	rev, err := c.Pull(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	abs, _ := filepath.Abs(args[2])
	if err := storage.Save(&storage.Handle{Path: abs, Doc: rev.Doc}); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.stdout, "Pulled %s/%s version %d into %s\n", args[0], args[1], rev.Version, abs)
	return nil
}
