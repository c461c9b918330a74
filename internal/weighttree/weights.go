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
	"math"
)

// WeightInput is the raw, not yet normalized value the user entered for one sibling.
type WeightInput struct {
	ID       ID      `json:"id"`
	Raw      float64 `json:"raw"`
	Inverted bool    `json:"isInverted"`
}

// PendingEdit stages a weight edit for one complete sibling group.
// Operator, when non-empty, is applied to the group's parent in the same step.
type PendingEdit struct {
	Inputs   []WeightInput `json:"inputs"`
	Operator string        `json:"operator,omitempty"`
}

// Set changes the staged value of one sibling.
func (e *PendingEdit) Set(id ID, raw float64, inverted bool) error {
	for i := range e.Inputs {
		if e.Inputs[i].ID == id {
			e.Inputs[i].Raw = raw
			e.Inputs[i].Inverted = inverted
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not part of this edit", ErrNodeNotFound, id)
}

// BeginEdit stages an edit of parentID's children prefilled with their current values.
func (t *Tree) BeginEdit(parentID ID) (PendingEdit, error) {
	p, err := t.get(parentID)
	if err != nil {
		return PendingEdit{}, err
	}
	if len(p.children) == 0 {
		return PendingEdit{}, fmt.Errorf("edit %s: %w", parentID, ErrEmptyGroup)
	}
	e := PendingEdit{Inputs: make([]WeightInput, 0, len(p.children))}
	for _, cid := range p.children {
		c := t.nodes[cid]
		e.Inputs = append(e.Inputs, WeightInput{ID: cid, Raw: c.weight, Inverted: c.inverted})
	}
	return e, nil
}

// SetWeights normalizes raw inputs for a whole sibling group so they sum to 1
// and stores the inversion flags. If every raw value is 0 all weights become 0,
// which excludes the whole group. The inputs must name every child of one
// parent exactly once.
func (t *Tree) SetWeights(edit PendingEdit) error {
	if err := t.guard("set weights"); err != nil {
		return err
	}
	if len(edit.Inputs) == 0 {
		return ErrEmptyGroup
	}
	parent, err := t.groupParent(edit.Inputs)
	if err != nil {
		return err
	}
	if edit.Operator != "" {
		if err := t.checkOperator(edit.Operator); err != nil {
			return err
		}
	}

	var peak float64
	for _, in := range edit.Inputs {
		if math.IsNaN(in.Raw) || math.IsInf(in.Raw, 0) || in.Raw < 0 {
			return fmt.Errorf("node %s: %w: %v", in.ID, ErrInvalidWeight, in.Raw)
		}
		peak = math.Max(peak, in.Raw)
	}
	// sum the values scaled by the largest one so huge inputs cannot overflow
	var total float64
	if peak > 0 {
		for _, in := range edit.Inputs {
			total += in.Raw / peak
		}
	}
	for _, in := range edit.Inputs {
		c := t.nodes[in.ID]
		if total == 0 {
			c.weight = 0
		} else {
			c.weight = in.Raw / peak / total
		}
		c.inverted = in.Inverted
	}
	if edit.Operator != "" {
		parent.operator = edit.Operator
	}
	return nil
}

// groupParent checks that inputs cover exactly the children of a single parent.
func (t *Tree) groupParent(inputs []WeightInput) (*node, error) {
	first, err := t.get(inputs[0].ID)
	if err != nil {
		return nil, err
	}
	if first.parent == "" {
		return nil, fmt.Errorf("%w: the root has no siblings", ErrPartialGroup)
	}
	parent := t.nodes[first.parent]
	seen := make(map[ID]bool, len(inputs))
	for _, in := range inputs {
		n, err := t.get(in.ID)
		if err != nil {
			return nil, err
		}
		if n.parent != parent.id || seen[in.ID] {
			return nil, fmt.Errorf("%w: %s", ErrPartialGroup, in.ID)
		}
		seen[in.ID] = true
	}
	if len(seen) != len(parent.children) {
		return nil, fmt.Errorf("%w: got %d of %d siblings", ErrPartialGroup, len(seen), len(parent.children))
	}
	return parent, nil
}

// Renormalize rescales the children of parentID so they sum to 1, keeping
// their proportions. An all-zero group stays at zero.
func (t *Tree) Renormalize(parentID ID) error {
	edit, err := t.BeginEdit(parentID)
	if err != nil {
		return err
	}
	return t.SetWeights(edit)
}

// RenormalizeAll renormalizes every non-empty sibling group in the tree.
func (t *Tree) RenormalizeAll() error {
	if err := t.guard("renormalize"); err != nil {
		return err
	}
	var parents []ID
	t.walk(t.nodes[t.root], func(n *node) {
		if len(n.children) > 0 {
			parents = append(parents, n.id)
		}
	})
	for _, pid := range parents {
		if err := t.Renormalize(pid); err != nil {
			return err
		}
	}
	return nil
}
