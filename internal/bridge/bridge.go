/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package bridge serves an editing session to a host process over a pair of
// streams. Each input line is one JSON request; each request gets exactly one
// JSON reply line. Committed changes additionally produce treeUpdated event
// lines, written before the reply of the request that caused them.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"svirweights/internal/domain"
	"svirweights/internal/log"
	"svirweights/internal/session"
	"svirweights/internal/weighttree"
)

// Request is one command from the host.
type Request struct {
	ID       json.RawMessage          `json:"id"`
	Op       string                   `json:"op" validate:"required,oneof=load addChild commitLeaf cancelAdd delete clear setWeights setOperator rename isComputable serialize availableFields displayWeight setFields renormalize undo redo close"`
	Node     weighttree.ID            `json:"node,omitempty"`
	Type     string                   `json:"type,omitempty"`
	Field    string                   `json:"field,omitempty"`
	Name     string                   `json:"name,omitempty"`
	Operator string                   `json:"operator,omitempty"`
	Weights  []weighttree.WeightInput `json:"weights,omitempty" validate:"omitempty,dive"`
	Fields   []string                 `json:"fields,omitempty" validate:"omitempty,dive,required"`
	Tree     json.RawMessage          `json:"tree,omitempty"`
}

// Reply answers one Request. Kind is the stable error class when OK is false.
type Reply struct {
	ID     json.RawMessage `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   string          `json:"kind,omitempty"`
}

// Event is an unsolicited notification.
type Event struct {
	Event string       `json:"event"`
	Tree  *domain.Node `json:"tree,omitempty"`
}

// EventTreeUpdated is sent after every committed change.
const EventTreeUpdated = "treeUpdated"

// ErrBadRequest marks requests that could not be decoded or miss arguments.
var ErrBadRequest = errors.New("bad request")

var validate = validator.New(validator.WithRequiredStructEnabled())

// MaxLine bounds a single request line.
const MaxLine = 16 << 20

// Server couples one session with an output stream.
type Server struct {
	sess   *session.Session
	mu     sync.Mutex
	enc    *json.Encoder
	logger *slog.Logger
	done   bool
	final  *domain.Node
}

// NewServer creates a session for host whose replies and events go to w.
func NewServer(w io.Writer, host session.Host, opts ...session.Option) (*Server, error) {
	s := &Server{enc: json.NewEncoder(w), logger: log.WithComponent("bridge")}
	opts = append(opts, session.WithSink(s.treeUpdated))
	sess, err := session.New(host, opts...)
	if err != nil {
		return nil, err
	}
	s.sess = sess
	return s, nil
}

// Final returns the tree handed back by a close request, if one was served.
func (s *Server) Final() (domain.Node, bool) {
	if s.final == nil {
		return domain.Node{}, false
	}
	return *s.final, true
}

// Session returns the served session.
func (s *Server) Session() *session.Session { return s.sess }

func (s *Server) treeUpdated(_ context.Context, tree domain.Node) {
	s.write(Event{Event: EventTreeUpdated, Tree: &tree})
}

func (s *Server) write(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		s.logger.Warn("write failed", slog.Any("err", err))
	}
}

// Serve reads requests from r until EOF, a close request or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLine)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.write(s.Handle(ctx, []byte(line)))
		if s.done {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

// Handle decodes and executes one request line.
func (s *Server) Handle(ctx context.Context, line []byte) Reply {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return failure(nil, fmt.Errorf("%w: %v", ErrBadRequest, err))
	}
	if err := validate.Struct(req); err != nil {
		return failure(req.ID, fmt.Errorf("%w: %v", ErrBadRequest, err))
	}
	result, err := s.dispatch(ctx, req)
	if err != nil {
		log.WithOperation(s.logger, req.Op).Debug("request failed", slog.String("kind", kindOf(err)), slog.Any("err", err))
		return failure(req.ID, err)
	}
	return Reply{ID: req.ID, OK: true, Result: result}
}

func failure(id json.RawMessage, err error) Reply {
	return Reply{ID: id, OK: false, Error: err.Error(), Kind: kindOf(err)}
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "BadRequest"
	case errors.Is(err, session.ErrNotLoaded):
		return "NotLoaded"
	case errors.Is(err, session.ErrClosed):
		return "Closed"
	}
	if k := weighttree.Kind(err); k != "" {
		return k
	}
	return "Internal"
}

// need checks a per-op argument.
func need(value any, tag, name string) error {
	if err := validate.Var(value, tag); err != nil {
		return fmt.Errorf("%w: %s is required", ErrBadRequest, name)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	sess := s.sess
	switch req.Op {
	case "load":
		if err := need(string(req.Tree), "required", "tree"); err != nil {
			return nil, err
		}
		return nil, sess.Load(ctx, req.Tree)
	case "addChild":
		if err := errors.Join(need(string(req.Node), "required", "node"), need(req.Type, "required", "type")); err != nil {
			return nil, err
		}
		typ, ok := domain.ParseNodeType(req.Type)
		if !ok {
			// unknown types are illegal under every parent
			typ = domain.NodeType(req.Type)
		}
		return sess.AddChild(ctx, req.Node, typ)
	case "commitLeaf":
		if err := need(string(req.Node), "required", "node"); err != nil {
			return nil, err
		}
		return sess.CommitLeaf(ctx, req.Node, req.Field, req.Name)
	case "cancelAdd":
		if err := need(string(req.Node), "required", "node"); err != nil {
			return nil, err
		}
		return nil, sess.CancelAdd(ctx, req.Node)
	case "delete":
		if err := need(string(req.Node), "required", "node"); err != nil {
			return nil, err
		}
		return nil, sess.DeleteNode(ctx, req.Node)
	case "clear":
		if err := need(string(req.Node), "required", "node"); err != nil {
			return nil, err
		}
		return nil, sess.ClearSubtree(ctx, req.Node)
	case "setWeights":
		return nil, sess.SetWeights(ctx, weighttree.PendingEdit{Inputs: req.Weights, Operator: req.Operator})
	case "setOperator":
		if err := need(string(req.Node), "required", "node"); err != nil {
			return nil, err
		}
		return nil, sess.SetOperator(ctx, req.Node, req.Operator)
	case "rename":
		if err := need(string(req.Node), "required", "node"); err != nil {
			return nil, err
		}
		return nil, sess.Rename(ctx, req.Node, req.Name)
	case "isComputable":
		if err := need(string(req.Node), "required", "node"); err != nil {
			return nil, err
		}
		return sess.IsComputable(req.Node)
	case "displayWeight":
		if err := need(string(req.Node), "required", "node"); err != nil {
			return nil, err
		}
		return sess.DisplayWeight(req.Node)
	case "serialize":
		return sess.Snapshot()
	case "availableFields":
		fields, err := sess.AvailableFields()
		if fields == nil {
			fields = []string{}
		}
		return fields, err
	case "setFields":
		sess.SetFields(req.Fields)
		return nil, nil
	case "renormalize":
		return nil, sess.Renormalize(ctx)
	case "undo":
		return sess.Undo(ctx)
	case "redo":
		return sess.Redo(ctx)
	case "close":
		tree, err := sess.Close(ctx)
		if err == nil {
			s.done = true
			s.final = &tree
		}
		return tree, err
	}
	return nil, fmt.Errorf("%w: unknown op %q", ErrBadRequest, req.Op)
}
