/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

import "strings"

// Reduction names how an operator folds its children's values together.
type Reduction string

const (
	ReduceSum           Reduction = "sum"
	ReduceAverage       Reduction = "average"
	ReduceProduct       Reduction = "product"
	ReduceGeometricMean Reduction = "geometric_mean"
)

// Operator describes an aggregation applied to an interior node's children.
// IgnoresWeights replaces the "(ignore weights)" suffix older definitions encoded in the name.
type Operator struct {
	Name           string    `json:"name" yaml:"name" validate:"required"`
	Reduction      Reduction `json:"reduction" yaml:"reduction" validate:"required,oneof=sum average product geometric_mean"`
	IgnoresWeights bool      `json:"ignoresWeights" yaml:"ignores_weights"`
}

// SumBased reports whether the reduction starts from 0 and adds.
func (o Operator) SumBased() bool { return o.Reduction == ReduceSum || o.Reduction == ReduceAverage }

// Label returns the name without a trailing "(ignore weights)" note, for compact display.
func (o Operator) Label() string {
	if i := strings.Index(strings.ToLower(o.Name), "(ignore weights)"); i >= 0 {
		return strings.TrimSpace(o.Name[:i])
	}
	return o.Name
}

const (
	OpSimpleSum      = "Simple sum (ignore weights)"
	OpWeightedSum    = "Weighted sum"
	OpAverage        = "Average (ignore weights)"
	OpSimpleMul      = "Simple multiplication (ignore weights)"
	OpWeightedMul    = "Weighted multiplication"
	OpGeometricMean  = "Geometric mean (ignore weights)"
	DefaultOperator  = OpWeightedSum
	ignoreWeightsTag = "ignore weights"
)

// DefaultOperators returns the operator list offered by the host plugin, in menu order.
func DefaultOperators() []Operator {
	return []Operator{
		{Name: OpSimpleSum, Reduction: ReduceSum, IgnoresWeights: true},
		{Name: OpWeightedSum, Reduction: ReduceSum},
		{Name: OpAverage, Reduction: ReduceAverage, IgnoresWeights: true},
		{Name: OpSimpleMul, Reduction: ReduceProduct, IgnoresWeights: true},
		{Name: OpWeightedMul, Reduction: ReduceProduct},
		{Name: OpGeometricMean, Reduction: ReduceGeometricMean, IgnoresWeights: true},
	}
}

// OperatorSet is an ordered collection of operators with lookup by name.
type OperatorSet struct {
	ops []Operator
}

// NewOperatorSet builds a set; later duplicates of a name are ignored.
func NewOperatorSet(ops []Operator) OperatorSet {
	seen := make(map[string]bool, len(ops))
	out := make([]Operator, 0, len(ops))
	for _, o := range ops {
		if o.Name == "" || seen[o.Name] {
			continue
		}
		seen[o.Name] = true
		out = append(out, o)
	}
	return OperatorSet{ops: out}
}

// Len returns the number of operators in the set.
func (s OperatorSet) Len() int { return len(s.ops) }

// Names returns operator names in order.
func (s OperatorSet) Names() []string {
	out := make([]string, len(s.ops))
	for i, o := range s.ops {
		out[i] = o.Name
	}
	return out
}

// Lookup finds an operator by exact name.
func (s OperatorSet) Lookup(name string) (Operator, bool) {
	for _, o := range s.ops {
		if o.Name == name {
			return o, true
		}
	}
	return Operator{}, false
}

// Resolve returns the operator for name. Names missing from the set fall back to the
// legacy convention: a name mentioning "ignore weights" ignores weights, and the
// reduction is guessed from the name. It never fails so stale definitions stay loadable.
func (s OperatorSet) Resolve(name string) Operator {
	if o, ok := s.Lookup(name); ok {
		return o
	}
	for _, o := range DefaultOperators() {
		if o.Name == name {
			return o
		}
	}
	lower := strings.ToLower(name)
	op := Operator{Name: name, Reduction: ReduceSum, IgnoresWeights: strings.Contains(lower, ignoreWeightsTag)}
	switch {
	case strings.Contains(lower, "geometric"):
		op.Reduction = ReduceGeometricMean
	case strings.Contains(lower, "mul"), strings.Contains(lower, "product"):
		op.Reduction = ReduceProduct
	case strings.Contains(lower, "average"), strings.Contains(lower, "mean"):
		op.Reduction = ReduceAverage
	}
	return op
}
