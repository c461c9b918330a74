/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package weighttree holds the editable project definition tree.
//
// Nodes live in an arena keyed by id; parent and children are id references,
// so serialization walks parent to children only and never meets a cycle.
// Sibling weights sum to 1 after every structural edit (or are all 0 when the
// user zeroed a whole group). A Tree is owned by one editing session and is
// not safe for concurrent use.
package weighttree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"svirweights/internal/domain"
)

// ID identifies a node.
type ID = domain.NodeID

// Options carries the host-provided settings a tree needs while editing.
type Options struct {
	// DefaultOperator is given to a parent that gains children without an operator.
	DefaultOperator string
	// Operators restricts SetOperator when non-empty.
	Operators domain.OperatorSet
	// Fields are the candidate data fields for new leaves (the active layer's numeric fields).
	Fields []string
	// NewID generates ids for added nodes; defaults to random UUIDs.
	NewID func() ID
}

type node struct {
	id          ID
	typ         domain.NodeType
	name        string
	field       string
	weight      float64
	inverted    bool
	operator    string
	parent      ID
	children    []ID
	provisional bool
}

// pendingAdd remembers what AddChild changed so CancelAdd can put it back verbatim.
type pendingAdd struct {
	id           ID
	parent       ID
	prevWeights  map[ID]float64
	prevOperator string
}

// Tree is a rooted project definition tree.
type Tree struct {
	nodes   map[ID]*node
	root    ID
	opts    Options
	pending *pendingAdd
	// ids of removed nodes; never handed out again
	retired map[ID]struct{}
}

// NodeView is a read-only copy of one node.
type NodeView struct {
	ID          ID              `json:"id"`
	Type        domain.NodeType `json:"type"`
	Name        string          `json:"name"`
	Field       string          `json:"field,omitempty"`
	Weight      float64         `json:"weight"`
	IsInverted  bool            `json:"isInverted"`
	Operator    string          `json:"operator,omitempty"`
	Parent      ID              `json:"parent,omitempty"`
	Children    []ID            `json:"children,omitempty"`
	Provisional bool            `json:"provisional"`
}

func (o Options) withDefaults() Options {
	if o.DefaultOperator == "" {
		o.DefaultOperator = domain.DefaultOperator
	}
	if o.NewID == nil {
		o.NewID = func() ID { return ID(uuid.NewString()) }
	}
	o.Fields = append([]string(nil), o.Fields...)
	return o
}

// Load parses a serialized tree and validates node types, parent/child
// legality and field uniqueness. Weight sums are not checked: stale sums from
// older definitions are accepted and can be fixed with Renormalize.
func Load(data []byte, opts Options) (*Tree, error) {
	var root domain.Node
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTree, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: unexpected data after the root node", ErrMalformedTree)
	}
	return FromNode(root, opts)
}

// FromNode builds a tree from an already decoded root node.
func FromNode(root domain.Node, opts Options) (*Tree, error) {
	t := &Tree{nodes: make(map[ID]*node), opts: opts.withDefaults(), retired: make(map[ID]struct{})}
	fields := make(map[string]ID)
	id, err := t.add(root, "", fields, "")
	if err != nil {
		return nil, err
	}
	t.root = id
	return t, nil
}

func (t *Tree) add(src domain.Node, parent ID, fields map[string]ID, path string) (ID, error) {
	typ, ok := domain.ParseNodeType(string(src.Type))
	if !ok {
		return "", fmt.Errorf("%w: %s: unknown node type %q", ErrMalformedTree, pathOr(path), src.Type)
	}
	here := path + "/" + src.Name
	if parent != "" {
		pt := t.nodes[parent].typ
		if !pt.CanParent(typ) {
			return "", fmt.Errorf("%w: %w: %s: %s cannot contain %s", ErrMalformedTree, ErrIllegalChildType, here, pt, typ)
		}
	}
	if math.IsNaN(src.Weight) || math.IsInf(src.Weight, 0) || src.Weight < 0 {
		return "", fmt.Errorf("%w: %w: %s: weight %v", ErrMalformedTree, ErrInvalidWeight, here, src.Weight)
	}
	id := ID(strings.TrimSpace(string(src.ID)))
	if id == "" {
		fresh, err := t.freshID()
		if err != nil {
			return "", err
		}
		id = fresh
	}
	if _, dup := t.nodes[id]; dup {
		return "", fmt.Errorf("%w: %s: duplicate id %q", ErrMalformedTree, here, id)
	}
	field := strings.TrimSpace(src.Field)
	if field != "" {
		if other, taken := fields[field]; taken {
			return "", fmt.Errorf("%w: %w: %s: field %q also bound to node %s", ErrMalformedTree, ErrDuplicateField, here, field, other)
		}
		fields[field] = id
	}
	n := &node{
		id:       id,
		typ:      typ,
		name:     src.Name,
		field:    field,
		weight:   src.Weight,
		inverted: src.IsInverted,
		operator: src.Operator,
		parent:   parent,
	}
	t.nodes[id] = n
	for _, c := range src.Children {
		cid, err := t.add(c, id, fields, here)
		if err != nil {
			return "", err
		}
		n.children = append(n.children, cid)
	}
	return id, nil
}

func pathOr(p string) string {
	if p == "" {
		return "root"
	}
	return p
}

func (t *Tree) freshID() (ID, error) {
	for attempt := 0; attempt < 16; attempt++ {
		id := t.opts.NewID()
		_, used := t.nodes[id]
		_, gone := t.retired[id]
		if !used && !gone && id != "" {
			return id, nil
		}
	}
	return "", errInvalidIDProvider
}

// Root returns the id of the root node.
func (t *Tree) Root() ID { return t.root }

// Len returns the number of nodes, provisional ones included.
func (t *Tree) Len() int { return len(t.nodes) }

// Pending returns the provisional node awaiting CommitLeaf or CancelAdd, if any.
func (t *Tree) Pending() (ID, bool) {
	if t.pending == nil {
		return "", false
	}
	return t.pending.id, true
}

// Options returns the tree's effective options.
func (t *Tree) Options() Options { return t.opts }

// SetFields replaces the candidate field list, e.g. when the active layer changes.
func (t *Tree) SetFields(fields []string) { t.opts.Fields = append([]string(nil), fields...) }

// Node returns a copy of the node with the given id.
func (t *Tree) Node(id ID) (NodeView, error) {
	n, err := t.get(id)
	if err != nil {
		return NodeView{}, err
	}
	return n.view(), nil
}

func (n *node) view() NodeView {
	return NodeView{
		ID:          n.id,
		Type:        n.typ,
		Name:        n.name,
		Field:       n.field,
		Weight:      n.weight,
		IsInverted:  n.inverted,
		Operator:    n.operator,
		Parent:      n.parent,
		Children:    append([]ID(nil), n.children...),
		Provisional: n.provisional,
	}
}

func (t *Tree) get(id ID) (*node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return n, nil
}

// BoundFields returns every non-blank field bound in the tree.
func (t *Tree) BoundFields() map[string]ID {
	out := make(map[string]ID)
	for id, n := range t.nodes {
		if n.field != "" {
			out[n.field] = id
		}
	}
	return out
}

// AvailableFields returns the candidate fields not yet bound to any node, in candidate order.
func (t *Tree) AvailableFields() []string {
	bound := t.BoundFields()
	var out []string
	for _, f := range t.opts.Fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, taken := bound[f]; !taken {
			out = append(out, f)
		}
	}
	return out
}

// EffectiveOperator returns the node's operator or the default when unset.
func (t *Tree) EffectiveOperator(id ID) (domain.Operator, error) {
	n, err := t.get(id)
	if err != nil {
		return domain.Operator{}, err
	}
	name := n.operator
	if name == "" {
		name = t.opts.DefaultOperator
	}
	return t.opts.Operators.Resolve(name), nil
}

// DisplayWeight returns the share a renderer should show for the node. When the
// parent's operator ignores weights every child shows an equal 1/N share;
// the stored weight is left alone.
func (t *Tree) DisplayWeight(id ID) (float64, error) {
	n, err := t.get(id)
	if err != nil {
		return 0, err
	}
	if n.parent == "" {
		return n.weight, nil
	}
	op, err := t.EffectiveOperator(n.parent)
	if err != nil {
		return 0, err
	}
	if op.IgnoresWeights {
		return 1.0 / float64(len(t.nodes[n.parent].children)), nil
	}
	return n.weight, nil
}

// IsComputable reports whether a composite value can be derived for the node.
// Committed leaves are computable; an interior node needs at least one child
// and every child computable. The IRI additionally needs both its RI and its
// SVI branch, since the index combines the two.
func (t *Tree) IsComputable(id ID) (bool, error) {
	n, err := t.get(id)
	if err != nil {
		return false, err
	}
	return t.computable(n), nil
}

func (t *Tree) computable(n *node) bool {
	if n.typ.IsLeaf() {
		return !n.provisional
	}
	if len(n.children) == 0 {
		return false
	}
	var hasRI, hasSVI bool
	for _, cid := range n.children {
		c := t.nodes[cid]
		if !t.computable(c) {
			return false
		}
		hasRI = hasRI || c.typ == domain.TypeRI
		hasSVI = hasSVI || c.typ == domain.TypeSVI
	}
	if n.typ == domain.TypeIRI {
		return hasRI && hasSVI
	}
	return true
}

// Serialize returns the tree in its nested form. Parents are implied by nesting.
func (t *Tree) Serialize() domain.Node {
	return t.serialize(t.nodes[t.root], nil)
}

// SerializeCommitted is Serialize without a pending leaf: the provisional node
// is left out and its siblings and parent appear as they were before AddChild.
func (t *Tree) SerializeCommitted() domain.Node {
	return t.serialize(t.nodes[t.root], t.pending)
}

func (t *Tree) serialize(n *node, skip *pendingAdd) domain.Node {
	out := domain.Node{
		ID:         n.id,
		Type:       n.typ,
		Name:       n.name,
		Field:      n.field,
		Weight:     n.weight,
		IsInverted: n.inverted,
		Operator:   n.operator,
	}
	if skip != nil {
		if w, ok := skip.prevWeights[n.id]; ok {
			out.Weight = w
		}
		if n.id == skip.parent {
			out.Operator = skip.prevOperator
		}
	}
	if !n.typ.IsLeaf() {
		out.Children = make([]domain.Node, 0, len(n.children))
		for _, cid := range n.children {
			if skip != nil && cid == skip.id {
				continue
			}
			out.Children = append(out.Children, t.serialize(t.nodes[cid], skip))
		}
	}
	return out
}

// MarshalJSON emits the serialized tree.
func (t *Tree) MarshalJSON() ([]byte, error) { return json.Marshal(t.Serialize()) }

// Unbalanced returns the ids of interior nodes whose children's weights neither
// sum to 1 (within tol) nor are all zero.
func (t *Tree) Unbalanced(tol float64) []ID {
	var out []ID
	t.walk(t.nodes[t.root], func(n *node) {
		if len(n.children) == 0 {
			return
		}
		var sum float64
		allZero := true
		for _, cid := range n.children {
			w := t.nodes[cid].weight
			sum += w
			allZero = allZero && w == 0
		}
		if !allZero && math.Abs(sum-1) > tol {
			out = append(out, n.id)
		}
	})
	return out
}

func (t *Tree) walk(n *node, fn func(*node)) {
	fn(n)
	for _, cid := range n.children {
		t.walk(t.nodes[cid], fn)
	}
}
