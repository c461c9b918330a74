package domain

import (
	"encoding/json"
	"testing"
)

func TestNodeJSONRoundTrip(t *testing.T) {
	n := NewProjectTemplate("")
	n.Children[0].Children = []Node{{ID: "4", Type: TypeRiskIndicator, Name: "PGA", Field: "pga", Weight: 1}}

	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Node
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != n.Name || got.Operator != DefaultOperator {
		t.Fatalf("root mismatch: %+v", got)
	}
	if len(got.Children) != 2 || len(got.Children[0].Children) != 1 {
		t.Fatalf("unexpected structure: %+v", got)
	}
	if f := got.Fields(); len(f) != 1 || f[0] != "pga" {
		t.Fatalf("fields = %v, want [pga]", f)
	}
}

func TestNodeIDAcceptsNumbers(t *testing.T) {
	var n Node
	if err := json.Unmarshal([]byte(`{"id": 42, "type": "RI", "name": "x"}`), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.ID != "42" {
		t.Fatalf("id = %q, want 42", n.ID)
	}
	if err := json.Unmarshal([]byte(`{"id": "a-b", "type": "RI"}`), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.ID != "a-b" {
		t.Fatalf("id = %q, want a-b", n.ID)
	}
}

func TestParseNodeTypeLegacyNames(t *testing.T) {
	cases := map[string]NodeType{
		"IRI":                            TypeIRI,
		"sv_theme":                       TypeSVTheme,
		"Integrated Risk Index":          TypeIRI,
		"Social Vulnerability Indicator": TypeSVIndicator,
		"Risk Indicator":                 TypeRiskIndicator,
	}
	for in, want := range cases {
		got, ok := ParseNodeType(in)
		if !ok || got != want {
			t.Fatalf("ParseNodeType(%q) = %q,%v want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseNodeType("Theme"); ok {
		t.Fatalf("expected unknown type to fail")
	}
}

func TestLegalChildren(t *testing.T) {
	if !TypeIRI.CanParent(TypeSVI) || TypeIRI.CanParent(TypeSVTheme) {
		t.Fatalf("IRI children rules wrong")
	}
	for _, leaf := range []NodeType{TypeSVIndicator, TypeRiskIndicator} {
		if !leaf.IsLeaf() || len(leaf.LegalChildren()) != 0 {
			t.Fatalf("%s must be a leaf without children", leaf)
		}
	}
	if TypeRI.Deletable() || !TypeSVTheme.Deletable() || !TypeSVI.Clearable() || TypeSVTheme.Clearable() {
		t.Fatalf("deletable/clearable rules wrong")
	}
}

func TestOperatorResolve(t *testing.T) {
	set := NewOperatorSet(DefaultOperators())
	if set.Len() != 6 {
		t.Fatalf("expected 6 operators, got %d", set.Len())
	}
	op := set.Resolve(OpAverage)
	if !op.IgnoresWeights || op.Reduction != ReduceAverage {
		t.Fatalf("unexpected average operator: %+v", op)
	}
	legacy := NewOperatorSet(nil).Resolve("Custom product (ignore weights)")
	if !legacy.IgnoresWeights || legacy.Reduction != ReduceProduct {
		t.Fatalf("legacy fallback wrong: %+v", legacy)
	}
	if got := op.Label(); got != "Average" {
		t.Fatalf("Label() = %q", got)
	}
}
