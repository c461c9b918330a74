/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svirweights/internal/domain"
	"svirweights/internal/session"
	"svirweights/internal/weighttree"
)

type line struct {
	ID     json.RawMessage `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Kind   string          `json:"kind"`
	Event  string          `json:"event"`
	Tree   *domain.Node    `json:"tree"`
}

func run(t *testing.T, requests ...string) []line {
	t.Helper()
	var out bytes.Buffer
	n := 0
	srv, err := NewServer(&out, session.Host{
		DefaultOperator: domain.DefaultOperator,
		Operators:       domain.DefaultOperators(),
		Fields:          []string{"pga", "pop"},
	}, session.WithIDs(func() weighttree.ID {
		n++
		return weighttree.ID(fmt.Sprintf("n%d", n))
	}))
	require.NoError(t, err)
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(strings.Join(requests, "\n"))))

	var lines []line
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var l line
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l), sc.Text())
		lines = append(lines, l)
	}
	return lines
}

func replies(lines []line) []line {
	var out []line
	for _, l := range lines {
		if l.Event == "" {
			out = append(out, l)
		}
	}
	return out
}

func events(lines []line) []line {
	var out []line
	for _, l := range lines {
		if l.Event != "" {
			out = append(out, l)
		}
	}
	return out
}

func loadRequest(t *testing.T) string {
	t.Helper()
	tree, err := json.Marshal(domain.NewProjectTemplate(""))
	require.NoError(t, err)
	return fmt.Sprintf(`{"id":1,"op":"load","tree":%s}`, tree)
}

func TestAddCommitFlow(t *testing.T) {
	lines := run(t,
		loadRequest(t),
		`{"id":2,"op":"addChild","node":"2","type":"RISK_INDICATOR"}`,
		`{"id":3,"op":"commitLeaf","node":"n1","field":"pga","name":"PGA"}`,
		`{"id":4,"op":"isComputable","node":"2"}`,
		`{"id":5,"op":"availableFields"}`,
	)
	rs := replies(lines)
	require.Len(t, rs, 5)
	for _, r := range rs {
		assert.True(t, r.OK, "request %s failed: %s", r.ID, r.Error)
	}
	var view weighttree.NodeView
	require.NoError(t, json.Unmarshal(rs[1].Result, &view))
	assert.True(t, view.Provisional)
	assert.Equal(t, weighttree.ID("n1"), view.ID)
	assert.JSONEq(t, `true`, string(rs[3].Result))
	assert.JSONEq(t, `["pop"]`, string(rs[4].Result))

	// load and commit notify, the provisional add does not
	ev := events(lines)
	require.Len(t, ev, 2)
	assert.Equal(t, EventTreeUpdated, ev[1].Event)
	assert.Equal(t, "pga", ev[1].Tree.Children[0].Children[0].Field)
}

func TestEventPrecedesReply(t *testing.T) {
	lines := run(t, loadRequest(t), `{"id":2,"op":"rename","node":"2","name":"Hazard"}`)
	require.Len(t, lines, 4)
	assert.Equal(t, EventTreeUpdated, lines[2].Event)
	assert.JSONEq(t, `2`, string(lines[3].ID))
}

func TestErrorKinds(t *testing.T) {
	lines := run(t,
		`{"id":1,"op":"delete","node":"2"}`,
		loadRequest(t),
		`{"id":3,"op":"addChild","node":"2","type":"SV_THEME"}`,
		`{"id":4,"op":"delete","node":"2"}`,
		`{"id":5,"op":"clear","node":"missing"}`,
		`{"id":6,"op":"explode"}`,
		`not json`,
		`{"id":8,"op":"rename"}`,
		`{"id":9,"op":"setWeights","weights":[{"id":"2","raw":1}]}`,
		`{"id":10,"op":"addChild","node":"2","type":"Bogus"}`,
	)
	rs := replies(lines)
	require.Len(t, rs, 10)
	want := []string{"NotLoaded", "", "IllegalChildType", "NotDeletable", "NodeNotFound", "BadRequest", "BadRequest", "BadRequest", "PartialGroup", "IllegalChildType"}
	for i, k := range want {
		assert.Equal(t, k, rs[i].Kind, "reply %d: %s", i, rs[i].Error)
		assert.Equal(t, k == "", rs[i].OK)
	}
}

func TestSetWeightsAndUndo(t *testing.T) {
	lines := run(t,
		loadRequest(t),
		`{"id":2,"op":"setWeights","weights":[{"id":"2","raw":3},{"id":"3","raw":1,"isInverted":true}]}`,
		`{"id":3,"op":"serialize"}`,
		`{"id":4,"op":"undo"}`,
		`{"id":5,"op":"serialize"}`,
		`{"id":6,"op":"undo"}`,
	)
	rs := replies(lines)
	require.Len(t, rs, 6)
	var after, undone domain.Node
	require.NoError(t, json.Unmarshal(rs[2].Result, &after))
	require.NoError(t, json.Unmarshal(rs[4].Result, &undone))
	assert.Equal(t, 0.75, after.Children[0].Weight)
	assert.True(t, after.Children[1].IsInverted)
	assert.Equal(t, 0.5, undone.Children[0].Weight)
	assert.False(t, undone.Children[1].IsInverted)
	assert.JSONEq(t, `true`, string(rs[3].Result))
	assert.JSONEq(t, `false`, string(rs[5].Result))
}

func TestSerializeOmitsPendingLeaf(t *testing.T) {
	lines := run(t,
		loadRequest(t),
		`{"id":2,"op":"addChild","node":"2","type":"RISK_INDICATOR"}`,
		`{"id":3,"op":"serialize"}`,
		`{"id":4,"op":"commitLeaf","node":"n1","field":"pop","name":"Population"}`,
		`{"id":5,"op":"serialize"}`,
	)
	rs := replies(lines)
	require.Len(t, rs, 5)
	var pending, committed domain.Node
	require.NoError(t, json.Unmarshal(rs[2].Result, &pending))
	require.NoError(t, json.Unmarshal(rs[4].Result, &committed))
	assert.Empty(t, pending.Children[0].Children)
	require.Len(t, committed.Children[0].Children, 1)
	assert.Equal(t, "pop", committed.Children[0].Children[0].Field)
}

func TestCloseStopsServing(t *testing.T) {
	lines := run(t,
		loadRequest(t),
		`{"id":2,"op":"addChild","node":"2","type":"RISK_INDICATOR"}`,
		`{"id":3,"op":"close"}`,
		`{"id":4,"op":"serialize"}`,
	)
	rs := replies(lines)
	require.Len(t, rs, 3, "requests after close are not read")
	var final domain.Node
	require.NoError(t, json.Unmarshal(rs[2].Result, &final))
	assert.Empty(t, final.Children[0].Children)
}

func TestServeHonoursContext(t *testing.T) {
	var out bytes.Buffer
	srv, err := NewServer(&out, session.Host{DefaultOperator: domain.DefaultOperator})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = srv.Serve(ctx, strings.NewReader(`{"id":1,"op":"serialize"}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, out.Len())
}

func TestFinalAfterClose(t *testing.T) {
	var out bytes.Buffer
	srv, err := NewServer(&out, session.Host{DefaultOperator: domain.DefaultOperator})
	require.NoError(t, err)
	_, ok := srv.Final()
	assert.False(t, ok)

	in := loadRequest(t) + "\n" + `{"id":2,"op":"rename","node":"1","name":"Index"}` + "\n" + `{"id":3,"op":"close"}`
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(in)))
	final, ok := srv.Final()
	require.True(t, ok)
	assert.Equal(t, "Index", final.Name)
}
