/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package records

import (
	"fmt"

	"svirweights/internal/calc"
)

// File is a parsed records file: named rows of field values, optionally
// grouped under "# heading" lines (e.g. one group per scenario).
type File struct {
	Rows []Row
}

// Row is one record with its label and source position.
type Row struct {
	Group  string
	Label  string
	Values calc.Record
	LineNo int // 1-based line of the label
}

// Error represents a parse error with position context.
type Error struct {
	Line    int
	Column  int
	Message string
}

func (e Error) Error() string { return fmt.Sprintf("line %d, col %d: %s", e.Line, e.Column, e.Message) }

// Records returns the values of every row in file order.
func (f File) Records() []calc.Record {
	out := make([]calc.Record, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r.Values
	}
	return out
}
