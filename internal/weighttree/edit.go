/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package weighttree

import (
	"fmt"
	"strings"

	"svirweights/internal/domain"
)

// guard rejects mutations while an added leaf is waiting for CommitLeaf or CancelAdd.
// Keeping the tree frozen meanwhile is what lets CancelAdd restore its snapshot exactly.
func (t *Tree) guard(op string) error {
	if t.pending != nil {
		return fmt.Errorf("%s: %w (node %s)", op, ErrProvisional, t.pending.id)
	}
	return nil
}

// AddChild inserts a node of type typ under parentID and splits the group's
// weight equally among all siblings. A parent without an operator gets the
// default one. Leaf nodes start provisional and must be finished with
// CommitLeaf or undone with CancelAdd; other types are committed immediately.
func (t *Tree) AddChild(parentID ID, typ domain.NodeType) (NodeView, error) {
	if err := t.guard("add child"); err != nil {
		return NodeView{}, err
	}
	parent, err := t.get(parentID)
	if err != nil {
		return NodeView{}, err
	}
	if !parent.typ.CanParent(typ) {
		return NodeView{}, fmt.Errorf("%w: %s cannot contain %q", ErrIllegalChildType, parent.typ, typ)
	}
	if typ.IsLeaf() && len(t.AvailableFields()) == 0 {
		return NodeView{}, fmt.Errorf("add %s: %w", typ, ErrFieldExhausted)
	}
	id, err := t.freshID()
	if err != nil {
		return NodeView{}, err
	}

	snap := &pendingAdd{id: id, parent: parentID, prevWeights: make(map[ID]float64, len(parent.children)), prevOperator: parent.operator}
	share := 1.0 / float64(len(parent.children)+1)
	for _, cid := range parent.children {
		c := t.nodes[cid]
		snap.prevWeights[cid] = c.weight
		c.weight = share
	}
	if parent.operator == "" {
		parent.operator = t.opts.DefaultOperator
	}
	n := &node{id: id, typ: typ, weight: share, parent: parentID, provisional: typ.IsLeaf()}
	t.nodes[id] = n
	parent.children = append(parent.children, id)
	if n.provisional {
		t.pending = snap
	}
	return n.view(), nil
}

// CommitLeaf binds a provisional leaf to a field and names it. On failure the
// node stays provisional so the caller can retry or cancel.
func (t *Tree) CommitLeaf(id ID, field, name string) (NodeView, error) {
	n, err := t.get(id)
	if err != nil {
		return NodeView{}, err
	}
	if !n.provisional {
		return NodeView{}, fmt.Errorf("commit %s: %w", id, ErrNotProvisional)
	}
	name = strings.TrimSpace(name)
	field = strings.TrimSpace(field)
	if name == "" {
		return NodeView{}, fmt.Errorf("commit %s: %w", id, ErrBlankName)
	}
	if field == "" {
		return NodeView{}, fmt.Errorf("commit %s: %w", id, ErrBlankField)
	}
	if other, taken := t.BoundFields()[field]; taken && other != id {
		return NodeView{}, fmt.Errorf("commit %s: %w: %q is used by node %s", id, ErrDuplicateField, field, other)
	}
	n.name = name
	n.field = field
	n.provisional = false
	t.pending = nil
	return n.view(), nil
}

// CancelAdd removes a provisional node and puts back the sibling weights and
// parent operator exactly as they were before AddChild.
func (t *Tree) CancelAdd(id ID) error {
	n, err := t.get(id)
	if err != nil {
		return err
	}
	if !n.provisional || t.pending == nil || t.pending.id != id {
		return fmt.Errorf("cancel %s: %w", id, ErrNotProvisional)
	}
	parent := t.nodes[n.parent]
	parent.children = without(parent.children, id)
	t.retire(id)
	for cid, w := range t.pending.prevWeights {
		if c, ok := t.nodes[cid]; ok {
			c.weight = w
		}
	}
	parent.operator = t.pending.prevOperator
	t.pending = nil
	return nil
}

// DeleteNode removes an indicator or theme (with its subtree) and resets the
// remaining siblings to equal shares. A parent left without children keeps
// existing with an empty child list.
func (t *Tree) DeleteNode(id ID) error {
	if err := t.guard("delete"); err != nil {
		return err
	}
	n, err := t.get(id)
	if err != nil {
		return err
	}
	if n.parent == "" || !n.typ.Deletable() {
		return fmt.Errorf("delete %s (%s): %w", id, n.typ, ErrNotDeletable)
	}
	parent := t.nodes[n.parent]
	parent.children = without(parent.children, id)
	t.drop(n)
	if len(parent.children) > 0 {
		share := 1.0 / float64(len(parent.children))
		for _, cid := range parent.children {
			t.nodes[cid].weight = share
		}
	}
	return nil
}

// ClearSubtree truncates a structural node. For RI and SVI the children are
// removed; for the IRI its RI/SVI branches stay and only what hangs below them
// is removed.
func (t *Tree) ClearSubtree(id ID) error {
	if err := t.guard("clear"); err != nil {
		return err
	}
	n, err := t.get(id)
	if err != nil {
		return err
	}
	if !n.typ.Clearable() {
		return fmt.Errorf("clear %s (%s): %w", id, n.typ, ErrNotClearable)
	}
	if n.typ == domain.TypeIRI {
		for _, cid := range n.children {
			t.clearChildren(t.nodes[cid])
		}
		return nil
	}
	t.clearChildren(n)
	return nil
}

func (t *Tree) clearChildren(n *node) {
	for _, cid := range n.children {
		t.drop(t.nodes[cid])
	}
	n.children = nil
}

// drop removes n and its descendants from the arena.
func (t *Tree) drop(n *node) {
	for _, cid := range n.children {
		t.drop(t.nodes[cid])
	}
	t.retire(n.id)
}

func (t *Tree) retire(id ID) {
	delete(t.nodes, id)
	t.retired[id] = struct{}{}
}

// SetOperator sets the aggregation operator of an interior node. An empty name
// clears it so the default applies. Weights are not touched.
func (t *Tree) SetOperator(id ID, operator string) error {
	if err := t.guard("set operator"); err != nil {
		return err
	}
	n, err := t.get(id)
	if err != nil {
		return err
	}
	if n.typ.IsLeaf() {
		return fmt.Errorf("set operator on %s: %w", id, ErrNotInterior)
	}
	if err := t.checkOperator(operator); err != nil {
		return err
	}
	n.operator = operator
	return nil
}

func (t *Tree) checkOperator(operator string) error {
	if operator == "" || t.opts.Operators.Len() == 0 {
		return nil
	}
	if _, ok := t.opts.Operators.Lookup(operator); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, operator)
	}
	return nil
}

// Rename changes a node's display name.
func (t *Tree) Rename(id ID, name string) error {
	if err := t.guard("rename"); err != nil {
		return err
	}
	n, err := t.get(id)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("rename %s: %w", id, ErrBlankName)
	}
	n.name = name
	return nil
}

func without(ids []ID, id ID) []ID {
	out := make([]ID, 0, len(ids))
	for _, c := range ids {
		if c != id {
			out = append(out, c)
		}
	}
	return out
}
