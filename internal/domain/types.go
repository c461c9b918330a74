/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

import (
	"encoding/json"
	"strings"
)

// This file defines the serialized shape of a project definition tree.
// The in-memory, editable form lives in package weighttree; these types are
// what crosses the host bridge, the storage layer and the exporters.

// NodeType is the closed set of roles a node can play in a project definition.
type NodeType string

const (
	TypeIRI           NodeType = "IRI"
	TypeRI            NodeType = "RI"
	TypeSVI           NodeType = "SVI"
	TypeSVTheme       NodeType = "SV_THEME"
	TypeSVIndicator   NodeType = "SV_INDICATOR"
	TypeRiskIndicator NodeType = "RISK_INDICATOR"
)

var allNodeTypes = []NodeType{TypeIRI, TypeRI, TypeSVI, TypeSVTheme, TypeSVIndicator, TypeRiskIndicator}

// display names used by older project definitions written by the host plugin
var displayNames = map[NodeType]string{
	TypeIRI:           "Integrated Risk Index",
	TypeRI:            "Risk Index",
	TypeSVI:           "Social Vulnerability Index",
	TypeSVTheme:       "Social Vulnerability Theme",
	TypeSVIndicator:   "Social Vulnerability Indicator",
	TypeRiskIndicator: "Risk Indicator",
}

var legalChildren = map[NodeType][]NodeType{
	TypeIRI:     {TypeRI, TypeSVI},
	TypeRI:      {TypeRiskIndicator},
	TypeSVI:     {TypeSVTheme},
	TypeSVTheme: {TypeSVIndicator},
}

// AllNodeTypes returns every node type in a stable order.
func AllNodeTypes() []NodeType { return append([]NodeType(nil), allNodeTypes...) }

// ParseNodeType accepts either the enum key ("SV_THEME") or the legacy
// display name ("Social Vulnerability Theme"), case-insensitively.
func ParseNodeType(s string) (NodeType, bool) {
	s = strings.TrimSpace(s)
	for _, t := range allNodeTypes {
		if strings.EqualFold(s, string(t)) || strings.EqualFold(s, displayNames[t]) {
			return t, true
		}
	}
	return "", false
}

// Valid reports whether t is one of the six known node types.
func (t NodeType) Valid() bool {
	_, ok := displayNames[t]
	return ok
}

// IsLeaf reports whether nodes of this type are bound to a data field and never have children.
func (t NodeType) IsLeaf() bool { return t == TypeSVIndicator || t == TypeRiskIndicator }

// LegalChildren lists the types a node of type t may parent.
func (t NodeType) LegalChildren() []NodeType { return append([]NodeType(nil), legalChildren[t]...) }

// CanParent reports whether a node of type t may have a child of type c.
func (t NodeType) CanParent(c NodeType) bool {
	for _, lc := range legalChildren[t] {
		if lc == c {
			return true
		}
	}
	return false
}

// Deletable reports whether the user may remove a node of this type directly.
func (t NodeType) Deletable() bool {
	return t == TypeRiskIndicator || t == TypeSVIndicator || t == TypeSVTheme
}

// Clearable reports whether the subtree below a node of this type may be truncated.
func (t NodeType) Clearable() bool { return t == TypeIRI || t == TypeRI || t == TypeSVI }

// DisplayName returns the human readable label of the type.
func (t NodeType) DisplayName() string { return displayNames[t] }

// NodeID identifies a node for its whole lifetime.
// On input both JSON strings and numbers are accepted; numbers keep their literal text.
type NodeID string

func (id *NodeID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*id = NodeID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = NodeID(n.String())
	return nil
}

// Node is the serialized form of one tree position. There is no parent field:
// the parent is implied by nesting.
type Node struct {
	ID         NodeID   `json:"id"`
	Type       NodeType `json:"type"`
	Name       string   `json:"name"`
	Field      string   `json:"field,omitempty"`
	Weight     float64  `json:"weight"`
	IsInverted bool     `json:"isInverted"`
	Operator   string   `json:"operator,omitempty"`
	Children   []Node   `json:"children,omitempty"`
}

// Walk visits n and all of its descendants depth-first, parents before children.
// Returning false from fn stops the descent below that node.
func (n *Node) Walk(fn func(n *Node, depth int) bool) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(n *Node, depth int) bool, depth int) {
	if !fn(n, depth) {
		return
	}
	for i := range n.Children {
		n.Children[i].walk(fn, depth+1)
	}
}

// Fields returns all non-blank fields bound anywhere in the subtree, in walk order.
func (n *Node) Fields() []string {
	var out []string
	n.Walk(func(c *Node, _ int) bool {
		if f := strings.TrimSpace(c.Field); f != "" {
			out = append(out, f)
		}
		return true
	})
	return out
}

// ProjectDefinition is the document persisted per layer: descriptive metadata plus the tree.
// Tree is kept raw so the storage layer stays independent from tree validation.
type ProjectDefinition struct {
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	StyleByField string          `json:"style_by_field,omitempty"`
	Tree         json.RawMessage `json:"tree"`
}
