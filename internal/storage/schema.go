/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	gojsonschema "github.com/xeipuuv/gojsonschema"

	"svirweights/internal/weighttree"
)

//go:embed schema/definition.schema.json
var definitionSchema []byte

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func schema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(definitionSchema))
	})
	return compiledSchema, schemaErr
}

// SchemaJSON returns the embedded project definition schema.
func SchemaJSON() []byte { return append([]byte(nil), definitionSchema...) }

// ValidateDocument checks a project definition document against the embedded schema.
// Violations are reported as weighttree.ErrMalformedTree.
func ValidateDocument(data []byte) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	res, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", weighttree.ErrMalformedTree, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", weighttree.ErrMalformedTree, strings.Join(msgs, "; "))
}

// ValidateTree checks a bare serialized tree against the node schema.
func ValidateTree(tree []byte) error {
	if !json.Valid(tree) {
		return fmt.Errorf("%w: invalid JSON", weighttree.ErrMalformedTree)
	}
	doc, err := json.Marshal(struct {
		Tree json.RawMessage `json:"tree"`
	}{Tree: tree})
	if err != nil {
		return err
	}
	return ValidateDocument(doc)
}
