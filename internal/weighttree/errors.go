/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package weighttree

import "errors"

// Every operation returns one of these (possibly wrapped with context).
// Callers match with errors.Is; a failed operation never leaves a partial edit behind.
var (
	ErrMalformedTree     = errors.New("malformed tree")
	ErrIllegalChildType  = errors.New("illegal child type")
	ErrFieldExhausted    = errors.New("no unbound fields left")
	ErrBlankName         = errors.New("name is blank")
	ErrBlankField        = errors.New("field is blank")
	ErrDuplicateField    = errors.New("field already bound to another node")
	ErrNotDeletable      = errors.New("node type cannot be deleted")
	ErrNotClearable      = errors.New("node type cannot be cleared")
	ErrNodeNotFound      = errors.New("node not found")
	ErrEmptyGroup        = errors.New("empty sibling group")
	ErrPartialGroup      = errors.New("weights must cover the whole sibling group")
	ErrInvalidWeight     = errors.New("weight must be a finite non-negative number")
	ErrProvisional       = errors.New("an added node is waiting to be committed or cancelled")
	ErrNotProvisional    = errors.New("node is not provisional")
	ErrNotInterior       = errors.New("node has no children to aggregate")
	ErrUnknownOperator   = errors.New("unknown operator")
	errInvalidIDProvider = errors.New("id generator returned a used id")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrDuplicateField, "DuplicateField"},
	{ErrIllegalChildType, "IllegalChildType"},
	{ErrFieldExhausted, "FieldExhausted"},
	{ErrBlankName, "BlankName"},
	{ErrBlankField, "BlankField"},
	{ErrNotDeletable, "NotDeletable"},
	{ErrNotClearable, "NotClearable"},
	{ErrNodeNotFound, "NodeNotFound"},
	{ErrEmptyGroup, "EmptyGroup"},
	{ErrPartialGroup, "PartialGroup"},
	{ErrInvalidWeight, "InvalidWeight"},
	{ErrProvisional, "Provisional"},
	{ErrNotProvisional, "NotProvisional"},
	{ErrNotInterior, "NotInterior"},
	{ErrUnknownOperator, "UnknownOperator"},
	{ErrMalformedTree, "MalformedTree"},
}

// Kind returns a short stable name for the error class of err, or "" for foreign
// errors. MalformedTree is matched last, so a duplicate field found while
// loading reports DuplicateField.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}
