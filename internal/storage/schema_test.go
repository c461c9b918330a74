/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"encoding/json"
	"errors"
	"testing"

	gojsonschema "github.com/xeipuuv/gojsonschema"
	"svirweights/internal/domain"
	"svirweights/internal/weighttree"
)

func TestTemplateConformsToSchema(t *testing.T) {
	doc, err := NewDocument("Template", domain.NewProjectTemplate(""))
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(SchemaJSON()), gojsonschema.NewBytesLoader(data))
	if err != nil {
		t.Fatalf("schema validate error: %v", err)
	}
	if !result.Valid() {
		for _, e := range result.Errors() {
			t.Logf("schema error: %s", e)
		}
		t.Fatalf("template does not conform to schema")
	}
}

func TestSchemaRejectsMalformedTrees(t *testing.T) {
	cases := map[string]string{
		"negative weight": `{"tree":{"type":"IRI","weight":-0.5}}`,
		"missing type":    `{"tree":{"name":"x"}}`,
		"empty type":      `{"tree":{"type":""}}`,
		"children object": `{"tree":{"type":"IRI","children":{}}}`,
		"no tree":         `{"title":"x"}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if err := ValidateDocument([]byte(doc)); !errors.Is(err, weighttree.ErrMalformedTree) {
				t.Fatalf("expected ErrMalformedTree, got %v", err)
			}
		})
	}
}

func TestValidateTree(t *testing.T) {
	if err := ValidateTree([]byte(`{"type":"RI","children":[{"type":"RISK_INDICATOR","field":"pop","weight":1}]}`)); err != nil {
		t.Fatalf("valid tree rejected: %v", err)
	}
	if err := ValidateTree([]byte(`{"type":`)); !errors.Is(err, weighttree.ErrMalformedTree) {
		t.Fatalf("expected ErrMalformedTree for invalid JSON, got %v", err)
	}
}
