/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package session runs one editing session over a project definition tree.
// It binds the host-provided settings to the tree, tells the host about every
// committed change and keeps the undo history.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"svirweights/internal/domain"
	"svirweights/internal/log"
	"svirweights/internal/telemetry"
	"svirweights/internal/undo"
	"svirweights/internal/weighttree"
)

// Host holds the values the host application provides for a session.
type Host struct {
	DefaultOperator string            `json:"defaultOperator" validate:"required"`
	Operators       []domain.Operator `json:"operators" validate:"dive"`
	// Fields are the numeric fields of the active layer.
	Fields []string `json:"fields" validate:"dive,required"`
}

// Sink receives the serialized tree after every committed change.
// It runs with the session locked and must not call back into it.
type Sink func(ctx context.Context, tree domain.Node)

// ErrNotLoaded is returned by operations that need a tree before Load was called.
var ErrNotLoaded = errors.New("no definition loaded")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("session closed")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Session owns one tree. Methods are safe to call from several goroutines but
// are serialized; the tree itself is never shared.
type Session struct {
	mu      sync.Mutex
	id      string
	key     string
	host    Host
	tree    *weighttree.Tree
	sink    Sink
	history *undo.Manager
	newID   func() weighttree.ID
	logger  *slog.Logger
	closed  bool

	telemetry *telemetry.Client
	started   time.Time
	ops       map[string]int

	// pre-add state of a pending leaf, recorded as one undo step on commit
	beforeAdd []byte
}

// Option customizes a Session.
type Option func(*Session)

// WithSink registers the change notification callback.
func WithSink(fn Sink) Option { return func(s *Session) { s.sink = fn } }

// WithHistory shares an undo manager, e.g. one configured from the app config.
func WithHistory(m *undo.Manager) Option { return func(s *Session) { s.history = m } }

// WithKey names the definition being edited; it keys the undo history and log records.
func WithKey(key string) Option { return func(s *Session) { s.key = key } }

// WithTelemetry reports per-operation edit counts when the session closes.
func WithTelemetry(c *telemetry.Client) Option { return func(s *Session) { s.telemetry = c } }

// WithIDs overrides node id generation.
func WithIDs(fn func() weighttree.ID) Option { return func(s *Session) { s.newID = fn } }

// New validates host and creates an empty session. Call Load before editing.
func New(host Host, opts ...Option) (*Session, error) {
	if err := validate.Struct(host); err != nil {
		return nil, fmt.Errorf("invalid host settings: %w", err)
	}
	s := &Session{id: uuid.NewString(), host: host, started: time.Now(), ops: map[string]int{}}
	for _, o := range opts {
		o(s)
	}
	if s.key == "" {
		s.key = s.id
	}
	if s.history == nil {
		s.history = undo.NewManager(undo.Config{MaxPerKey: 100})
	}
	s.logger = log.WithComponent("session").With(slog.String("session", s.id))
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Key returns the definition key.
func (s *Session) Key() string { return s.key }

func (s *Session) treeOptions() weighttree.Options {
	return weighttree.Options{
		DefaultOperator: s.host.DefaultOperator,
		Operators:       domain.NewOperatorSet(s.host.Operators),
		Fields:          s.host.Fields,
		NewID:           s.newID,
	}
}

func (s *Session) ctx(ctx context.Context) context.Context {
	return log.WithDefinition(log.WithSession(ctx, s.id), s.key)
}

// Load replaces the edited tree and drops the undo history. The host is notified.
func (s *Session) Load(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	t, err := weighttree.Load(data, s.treeOptions())
	if err != nil {
		s.logger.InfoContext(s.ctx(ctx), "load rejected", slog.String("kind", weighttree.Kind(err)), slog.Any("err", err))
		return err
	}
	s.tree = t
	s.beforeAdd = nil
	s.history.Clear(s.key)
	s.logger.DebugContext(s.ctx(ctx), "definition loaded", slog.Int("nodes", t.Len()))
	s.notify(ctx)
	return nil
}

// LoadNode is Load for an already decoded tree.
func (s *Session) LoadNode(ctx context.Context, root domain.Node) error {
	data, err := json.Marshal(root)
	if err != nil {
		return err
	}
	return s.Load(ctx, data)
}

// SetFields changes the candidate fields, e.g. when the active layer changes.
func (s *Session) SetFields(fields []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host.Fields = append([]string(nil), fields...)
	if s.tree != nil {
		s.tree.SetFields(fields)
	}
}

// ready must be called with mu held.
func (s *Session) ready() error {
	if s.closed {
		return ErrClosed
	}
	if s.tree == nil {
		return ErrNotLoaded
	}
	return nil
}

// edit runs fn against the tree. On success the pre-change state is recorded
// for undo (when record is set) and the host is notified.
func (s *Session) edit(ctx context.Context, op string, record bool, fn func(t *weighttree.Tree) error) error {
	if err := s.ready(); err != nil {
		return err
	}
	before, err := json.Marshal(s.tree)
	if err != nil {
		return err
	}
	l := log.WithOperation(s.logger, op)
	if err := fn(s.tree); err != nil {
		l.InfoContext(s.ctx(ctx), "edit rejected", slog.String("kind", weighttree.Kind(err)), slog.Any("err", err))
		return err
	}
	if record {
		s.history.PushSnapshot(undo.Snapshot{Key: s.key, Label: op, Blob: before, TS: time.Now()})
	}
	l.DebugContext(s.ctx(ctx), "edit applied")
	s.ops[op]++
	s.notify(ctx)
	return nil
}

func (s *Session) notify(ctx context.Context) {
	if s.sink == nil || s.tree == nil {
		return
	}
	s.sink(ctx, s.tree.Serialize())
}

// AddChild adds a node under parent. A leaf stays provisional and the host is
// only notified once it is committed; other types notify immediately.
func (s *Session) AddChild(ctx context.Context, parent weighttree.ID, typ domain.NodeType) (weighttree.NodeView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return weighttree.NodeView{}, err
	}
	var view weighttree.NodeView
	if typ.IsLeaf() {
		before, err := json.Marshal(s.tree)
		if err != nil {
			return view, err
		}
		view, err = s.tree.AddChild(parent, typ)
		if err != nil {
			s.logger.InfoContext(s.ctx(ctx), "add rejected", slog.String("kind", weighttree.Kind(err)), slog.Any("err", err))
			return view, err
		}
		s.beforeAdd = before
		s.logger.DebugContext(s.ctx(ctx), "leaf pending", slog.String("node", string(view.ID)))
		return view, nil
	}
	err := s.edit(ctx, "add child", true, func(t *weighttree.Tree) error {
		var err error
		view, err = t.AddChild(parent, typ)
		return err
	})
	return view, err
}

// CommitLeaf finishes a pending leaf. Add and commit form one undo step.
func (s *Session) CommitLeaf(ctx context.Context, id weighttree.ID, field, name string) (weighttree.NodeView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var view weighttree.NodeView
	err := s.edit(ctx, "commit leaf", false, func(t *weighttree.Tree) error {
		var err error
		view, err = t.CommitLeaf(id, field, name)
		return err
	})
	if err == nil && s.beforeAdd != nil {
		s.history.PushSnapshot(undo.Snapshot{Key: s.key, Label: "add leaf", Blob: s.beforeAdd, TS: time.Now()})
		s.beforeAdd = nil
	}
	return view, err
}

// CancelAdd drops a pending leaf and restores the tree as it was before AddChild.
func (s *Session) CancelAdd(ctx context.Context, id weighttree.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.edit(ctx, "cancel add", false, func(t *weighttree.Tree) error { return t.CancelAdd(id) })
	if err == nil {
		s.beforeAdd = nil
	}
	return err
}

// DeleteNode removes an indicator or theme.
func (s *Session) DeleteNode(ctx context.Context, id weighttree.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edit(ctx, "delete", true, func(t *weighttree.Tree) error { return t.DeleteNode(id) })
}

// ClearSubtree truncates an IRI, RI or SVI node.
func (s *Session) ClearSubtree(ctx context.Context, id weighttree.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edit(ctx, "clear", true, func(t *weighttree.Tree) error { return t.ClearSubtree(id) })
}

// SetWeights applies a weight edit for one sibling group.
func (s *Session) SetWeights(ctx context.Context, edit weighttree.PendingEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edit(ctx, "set weights", true, func(t *weighttree.Tree) error { return t.SetWeights(edit) })
}

// SetOperator changes the aggregation operator of an interior node.
func (s *Session) SetOperator(ctx context.Context, id weighttree.ID, operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edit(ctx, "set operator", true, func(t *weighttree.Tree) error { return t.SetOperator(id, operator) })
}

// Rename changes a node's name.
func (s *Session) Rename(ctx context.Context, id weighttree.ID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edit(ctx, "rename", true, func(t *weighttree.Tree) error { return t.Rename(id, name) })
}

// Renormalize rescales every sibling group so it sums to 1.
func (s *Session) Renormalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edit(ctx, "renormalize", true, func(t *weighttree.Tree) error { return t.RenormalizeAll() })
}

// Undo reverts the last committed change. It reports false when there is nothing to undo.
func (s *Session) Undo(ctx context.Context) (bool, error) {
	return s.step(ctx, "undo", s.history.Undo)
}

// Redo reapplies the last undone change.
func (s *Session) Redo(ctx context.Context) (bool, error) {
	return s.step(ctx, "redo", s.history.Redo)
}

func (s *Session) step(ctx context.Context, op string, swap func(undo.Snapshot) (undo.Snapshot, bool)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return false, err
	}
	if id, pending := s.tree.Pending(); pending {
		return false, fmt.Errorf("%s: %w (node %s)", op, weighttree.ErrProvisional, id)
	}
	current, err := json.Marshal(s.tree)
	if err != nil {
		return false, err
	}
	snap, ok := swap(undo.Snapshot{Key: s.key, Label: op, Blob: current, TS: time.Now()})
	if !ok {
		return false, nil
	}
	t, err := weighttree.Load(snap.Blob, s.treeOptions())
	if err != nil {
		return false, fmt.Errorf("%s: restore snapshot: %w", op, err)
	}
	s.tree = t
	log.WithOperation(s.logger, op).DebugContext(s.ctx(ctx), "history step", slog.String("label", snap.Label))
	s.notify(ctx)
	return true, nil
}

// Snapshot returns the committed tree. A pending leaf is not part of it.
func (s *Session) Snapshot() (domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return domain.Node{}, err
	}
	return s.tree.SerializeCommitted(), nil
}

// Node returns one node of the current tree.
func (s *Session) Node(id weighttree.ID) (weighttree.NodeView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return weighttree.NodeView{}, err
	}
	return s.tree.Node(id)
}

// IsComputable reports whether a composite value can be derived for id.
func (s *Session) IsComputable(id weighttree.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return false, err
	}
	return s.tree.IsComputable(id)
}

// AvailableFields lists the layer fields not yet bound to a node.
func (s *Session) AvailableFields() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.tree.AvailableFields(), nil
}

// DisplayWeight returns the weight a renderer should show for id.
func (s *Session) DisplayWeight(id weighttree.ID) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.tree.DisplayWeight(id)
}

// BeginEdit stages a weight edit of parent's children.
func (s *Session) BeginEdit(parent weighttree.ID) (weighttree.PendingEdit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return weighttree.PendingEdit{}, err
	}
	return s.tree.BeginEdit(parent)
}

// CanUndo and CanRedo report whether history steps are available.
func (s *Session) CanUndo() bool { return s.history.CanUndo(s.key) }

func (s *Session) CanRedo() bool { return s.history.CanRedo(s.key) }

// Close ends the session and returns the final tree. A pending leaf is
// cancelled first so the returned tree only holds committed nodes.
func (s *Session) Close(ctx context.Context) (domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return domain.Node{}, err
	}
	if id, pending := s.tree.Pending(); pending {
		if err := s.tree.CancelAdd(id); err != nil {
			return domain.Node{}, err
		}
	}
	out := s.tree.Serialize()
	s.history.Clear(s.key)
	s.closed = true
	s.telemetry.SessionClosed(s.ops, time.Since(s.started))
	s.logger.DebugContext(s.ctx(ctx), "session closed")
	return out, nil
}
