/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

// NewProjectTemplate returns the starting tree for a new project definition:
// an IRI combining an empty RI and an empty SVI branch with equal weights.
func NewProjectTemplate(defaultOperator string) Node {
	if defaultOperator == "" {
		defaultOperator = DefaultOperator
	}
	return Node{
		ID:       "1",
		Type:     TypeIRI,
		Name:     "IRI",
		Weight:   1.0,
		Operator: defaultOperator,
		Children: []Node{
			{ID: "2", Type: TypeRI, Name: "RI", Weight: 0.5, Children: []Node{}},
			{ID: "3", Type: TypeSVI, Name: "SVI", Weight: 0.5, Children: []Node{}},
		},
	}
}
