/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package records

import (
	"bufio"
	"math"
	"regexp"
	"strconv"
	"strings"

	"svirweights/internal/calc"
)

var (
	reGroup = regexp.MustCompile(`^(#+)\s*(.*)$`)
	reRow   = regexp.MustCompile(`^([^:=;#]{1,128}?)\s*:\s*(.*)$`)
)

// Parse reads records in the form
//
//	# group heading
//	label: field=value, field=value
//	  field=value            (indented continuation of the previous row)
//	; note
//
// An empty value, NaN or NA leaves the field missing for that row. Lines that
// cannot be parsed are reported and skipped; parsing continues.
func Parse(input string) (File, []Error) {
	f := File{Rows: []Row{}}
	var errs []Error

	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	lineNo := 0
	group := ""
	var last *Row

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")

		if strings.HasPrefix(line, "  ") && last != nil {
			cont := strings.TrimSpace(line)
			if cont != "" && !strings.HasPrefix(cont, ";") {
				errs = append(errs, parsePairs(cont, lineNo, len(line)-len(cont)+1, last.Values)...)
			}
			continue
		}

		trim := strings.TrimSpace(line)
		if trim == "" {
			last = nil
			continue
		}
		if strings.HasPrefix(trim, ";") {
			continue
		}
		if m := reGroup.FindStringSubmatch(trim); m != nil {
			group = strings.TrimSpace(m[2])
			last = nil
			continue
		}
		m := reRow.FindStringSubmatchIndex(trim)
		if m == nil {
			errs = append(errs, Error{Line: lineNo, Column: 1, Message: "expected \"label: field=value, ...\""})
			last = nil
			continue
		}
		row := Row{Group: group, Label: strings.TrimSpace(trim[m[2]:m[3]]), Values: calc.Record{}, LineNo: lineNo}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		errs = append(errs, parsePairs(trim[m[4]:m[5]], lineNo, indent+m[4]+1, row.Values)...)
		f.Rows = append(f.Rows, row)
		last = &f.Rows[len(f.Rows)-1]
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, Error{Line: lineNo, Column: 1, Message: err.Error()})
	}
	return f, errs
}

// parsePairs reads "k=v, k=v" into rec. col is the 1-based column of s in its line.
func parsePairs(s string, lineNo, col int, rec calc.Record) []Error {
	var errs []Error
	off := 0
	for _, part := range strings.Split(s, ",") {
		at := col + off + len(part) - len(strings.TrimLeft(part, " \t"))
		off += len(part) + 1
		kv := strings.TrimSpace(part)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" {
			errs = append(errs, Error{Line: lineNo, Column: at, Message: "expected field=value, got " + strconv.Quote(kv)})
			continue
		}
		if v == "" || strings.EqualFold(v, "NA") {
			delete(rec, k)
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, Error{Line: lineNo, Column: at, Message: "field " + k + ": not a number: " + strconv.Quote(v)})
			continue
		}
		if math.IsNaN(x) {
			delete(rec, k)
			continue
		}
		rec[k] = x
	}
	return errs
}
