/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package calc derives composite indicator values from a committed tree and
// one record of field values.
package calc

import (
	"errors"
	"fmt"
	"math"

	"svirweights/internal/domain"
	"svirweights/internal/weighttree"
)

// ErrNotComputable is returned when the tree cannot yield a value for its root.
var ErrNotComputable = errors.New("tree is not computable")

// Record maps field names to values. Absent keys and NaN are missing values.
type Record map[string]float64

// Reasons a node value is missing.
const (
	ReasonMissing = "Missing value"
	ReasonInvalid = "Invalid value"
)

// Result holds the value of every node that could be computed and the reason
// for each node that could not.
type Result struct {
	Values  map[weighttree.ID]float64 `json:"values"`
	Missing map[weighttree.ID]string  `json:"missing,omitempty"`
}

// Value returns the node's value and whether it is present.
func (r Result) Value(id weighttree.ID) (float64, bool) {
	v, ok := r.Values[id]
	return v, ok
}

// Compute evaluates every node of t against rec, bottom-up.
//
// Sum-based operators start from 0 and product-based ones from 1. Each child
// contributes its value, negated when the child is inverted and multiplied by
// its weight unless the operator ignores weights. Average divides the sum by
// the number of children; geometric mean takes the Nth root of the product.
// A missing child value makes its parent missing.
func Compute(t *weighttree.Tree, rec Record) (Result, error) {
	ok, err := t.IsComputable(t.Root())
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrNotComputable
	}
	res := Result{Values: map[weighttree.ID]float64{}, Missing: map[weighttree.ID]string{}}
	root := t.Serialize()
	if _, err := eval(t, &root, rec, res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// ComputeAll evaluates t for each record.
func ComputeAll(t *weighttree.Tree, recs []Record) ([]Result, error) {
	out := make([]Result, 0, len(recs))
	for i, rec := range recs {
		r, err := Compute(t, rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func eval(t *weighttree.Tree, n *domain.Node, rec Record, res Result) (bool, error) {
	if len(n.Children) == 0 {
		v, ok := rec[n.Field]
		if !ok || math.IsNaN(v) {
			res.Missing[n.ID] = ReasonMissing
			return false, nil
		}
		res.Values[n.ID] = v
		return true, nil
	}
	op, err := t.EffectiveOperator(n.ID)
	if err != nil {
		return false, err
	}
	acc := 0.0
	if !op.SumBased() {
		acc = 1.0
	}
	complete := true
	for i := range n.Children {
		c := &n.Children[i]
		ok, err := eval(t, c, rec, res)
		if err != nil {
			return false, err
		}
		if !ok {
			complete = false
			continue
		}
		v := res.Values[c.ID]
		if c.IsInverted {
			v = -v
		}
		if !op.IgnoresWeights {
			v *= c.Weight
		}
		if op.SumBased() {
			acc += v
		} else {
			acc *= v
		}
	}
	if !complete {
		res.Missing[n.ID] = ReasonMissing
		return false, nil
	}
	k := float64(len(n.Children))
	switch op.Reduction {
	case domain.ReduceAverage:
		acc /= k
	case domain.ReduceGeometricMean:
		if acc < 0 && len(n.Children) != 1 {
			res.Missing[n.ID] = ReasonInvalid
			return false, nil
		}
		acc = math.Pow(acc, 1/k)
	}
	if math.IsNaN(acc) || math.IsInf(acc, 0) {
		res.Missing[n.ID] = ReasonInvalid
		return false, nil
	}
	res.Values[n.ID] = acc
	return true, nil
}
