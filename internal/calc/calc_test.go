/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package calc

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"svirweights/internal/domain"
	"svirweights/internal/weighttree"
)

const indexTree = `{
  "id": "iri", "type": "IRI", "name": "IRI", "weight": 1, "operator": "Weighted sum",
  "children": [
    {"id": "ri", "type": "RI", "name": "RI", "weight": 0.5, "operator": "Weighted sum", "children": [
      {"id": "a", "type": "RISK_INDICATOR", "name": "A", "field": "a", "weight": 0.4},
      {"id": "b", "type": "RISK_INDICATOR", "name": "B", "field": "b", "weight": 0.6}
    ]},
    {"id": "svi", "type": "SVI", "name": "SVI", "weight": 0.5, "operator": "Average (ignore weights)", "children": [
      {"id": "t1", "type": "SV_THEME", "name": "T1", "weight": 0.5, "operator": "Weighted multiplication", "children": [
        {"id": "c", "type": "SV_INDICATOR", "name": "C", "field": "c", "weight": 0.5},
        {"id": "d", "type": "SV_INDICATOR", "name": "D", "field": "d", "weight": 0.5, "isInverted": true}
      ]},
      {"id": "t2", "type": "SV_THEME", "name": "T2", "weight": 0.5, "operator": "Geometric mean (ignore weights)", "children": [
        {"id": "e", "type": "SV_INDICATOR", "name": "E", "field": "e", "weight": 0.5},
        {"id": "f", "type": "SV_INDICATOR", "name": "F", "field": "f", "weight": 0.5}
      ]}
    ]}
  ]
}`

func loadIndexTree(t *testing.T) *weighttree.Tree {
	t.Helper()
	tr, err := weighttree.Load([]byte(indexTree), weighttree.Options{Operators: domain.NewOperatorSet(domain.DefaultOperators())})
	require.NoError(t, err)
	return tr
}

func fullRecord() Record {
	return Record{"a": 1, "b": 2, "c": 2, "d": 3, "e": 4, "f": 9}
}

func TestComputeAllOperators(t *testing.T) {
	res, err := Compute(loadIndexTree(t), fullRecord())
	require.NoError(t, err)
	assert.Empty(t, res.Missing)

	want := map[weighttree.ID]float64{
		"ri":  0.4*1 + 0.6*2,
		"t1":  (0.5 * 2) * (0.5 * -3),
		"t2":  6,
		"svi": (-1.5 + 6) / 2,
		"iri": 0.5*1.6 + 0.5*2.25,
	}
	for id, w := range want {
		got, ok := res.Value(id)
		require.True(t, ok, "value for %s", id)
		assert.InDelta(t, w, got, 1e-9, "node %s", id)
	}
}

func TestComputeMissingValuePropagates(t *testing.T) {
	rec := fullRecord()
	delete(rec, "b")
	res, err := Compute(loadIndexTree(t), rec)
	require.NoError(t, err)

	assert.Equal(t, ReasonMissing, res.Missing["b"])
	assert.Equal(t, ReasonMissing, res.Missing["ri"])
	assert.Equal(t, ReasonMissing, res.Missing["iri"])
	_, ok := res.Value("svi")
	assert.True(t, ok, "sibling branch is still computed")

	rec = fullRecord()
	rec["c"] = math.NaN()
	res, err = Compute(loadIndexTree(t), rec)
	require.NoError(t, err)
	assert.Equal(t, ReasonMissing, res.Missing["c"])
	assert.Contains(t, res.Missing, weighttree.ID("t1"))
}

func TestGeometricMeanOfNegativeProduct(t *testing.T) {
	rec := fullRecord()
	rec["e"] = -4
	res, err := Compute(loadIndexTree(t), rec)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalid, res.Missing["t2"])
	assert.Equal(t, ReasonMissing, res.Missing["svi"])
}

func TestComputeRejectsIncompleteTree(t *testing.T) {
	tr, err := weighttree.FromNode(domain.NewProjectTemplate(""), weighttree.Options{})
	require.NoError(t, err)
	_, err = Compute(tr, Record{})
	assert.True(t, errors.Is(err, ErrNotComputable), "got %v", err)
}

func TestComputeAll(t *testing.T) {
	tr := loadIndexTree(t)
	second := fullRecord()
	second["a"] = 3
	out, err := ComputeAll(tr, []Record{fullRecord(), second})
	require.NoError(t, err)
	require.Len(t, out, 2)
	r0, _ := out[0].Value("ri")
	r1, _ := out[1].Value("ri")
	assert.InDelta(t, 0.8, r1-r0, 1e-9)
}
