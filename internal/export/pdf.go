/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jung-kurt/gofpdf"
	"svirweights/internal/calc"
	"svirweights/internal/domain"
	"svirweights/internal/weighttree"
)

// PageSize names a supported report page format.
type PageSize string

const (
	PageA4     PageSize = "A4"
	PageLetter PageSize = "Letter"
)

// RGB is a report color.
type RGB struct{ R, G, B int }

// PDFOptions controls the weights report.
// Units are points.
type PDFOptions struct {
	Title    string
	PageSize PageSize
	// BarColor fills the share bars; zero means a dark teal.
	BarColor RGB
	// Values adds a value column when set, e.g. from calc.Compute for one record.
	Values *calc.Result
}

const (
	margin     = 36.0
	rowHeight  = 16.0
	indentStep = 14.0
	barWidth   = 90.0
)

type reportRow struct {
	depth      int
	node       domain.Node
	share      float64
	operator   string
	computable bool
}

// WriteTreePDF renders a report of every node with its type, bound field,
// stored weight, displayed share and operator to w.
func WriteTreePDF(t *weighttree.Tree, w io.Writer, opt PDFOptions) error {
	if t == nil {
		return errors.New("tree is nil")
	}
	rows, err := reportRows(t)
	if err != nil {
		return err
	}
	size := opt.PageSize
	if size == "" {
		size = PageA4
	}
	bar := opt.BarColor
	if bar == (RGB{}) {
		bar = RGB{R: 0, G: 110, B: 120}
	}
	title := opt.Title
	if strings.TrimSpace(title) == "" {
		title = "Project definition weights"
	}

	pdf := gofpdf.New("L", "pt", string(size), "")
	pdf.SetTitle(title, true)
	pdf.SetCreator("svirweights", false)
	pdf.SetMargins(margin, margin, margin)
	// rows break pages themselves so a row never straddles two pages
	pdf.SetAutoPageBreak(false, margin)
	_, pageH := pdf.GetPageSize()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	header := func() {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.SetFillColor(230, 230, 230)
		cols := columns(opt.Values != nil)
		for _, c := range cols {
			pdf.CellFormat(c.width, rowHeight, c.label, "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
	}
	pdf.SetHeaderFunc(func() {
		if pdf.PageNo() > 1 {
			header()
		}
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(-margin + 8)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AliasNbPages("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 24, tr(title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	root := rows[0]
	status := "not computable"
	if root.computable {
		status = "computable"
	}
	pdf.CellFormat(0, 14, fmt.Sprintf("%d nodes, root %s", len(rows), status), "", 1, "L", false, 0, "")
	pdf.Ln(6)
	header()

	cols := columns(opt.Values != nil)
	pdf.SetFont("Helvetica", "", 9)
	for _, r := range rows {
		name := r.node.Name
		if r.node.IsInverted {
			name += " (inv.)"
		}
		if _, y := pdf.GetXY(); y+rowHeight > pageH-margin {
			pdf.AddPage()
			pdf.SetFont("Helvetica", "", 9)
		}
		x0, y0 := pdf.GetXY()
		pdf.SetX(x0 + float64(r.depth)*indentStep)
		pdf.CellFormat(cols[0].width-float64(r.depth)*indentStep, rowHeight, tr(name), "TB", 0, "L", false, 0, "")
		pdf.CellFormat(cols[1].width, rowHeight, string(r.node.Type), "1", 0, "L", false, 0, "")
		pdf.CellFormat(cols[2].width, rowHeight, tr(r.node.Field), "1", 0, "L", false, 0, "")
		pdf.CellFormat(cols[3].width, rowHeight, fmt.Sprintf("%.4f", r.node.Weight), "1", 0, "R", false, 0, "")

		// share bar
		bx, by := pdf.GetXY()
		pdf.CellFormat(cols[4].width, rowHeight, "", "1", 0, "L", false, 0, "")
		if r.depth > 0 {
			pdf.SetFillColor(bar.R, bar.G, bar.B)
			pdf.Rect(bx+3, by+4, barWidth*clamp01(r.share), rowHeight-8, "F")
			pdf.Text(bx+barWidth+8, by+rowHeight-4, fmt.Sprintf("%.1f%%", 100*r.share))
		}
		pdf.SetXY(bx+cols[4].width, by)
		pdf.CellFormat(cols[5].width, rowHeight, tr(r.operator), "1", 0, "L", false, 0, "")
		if opt.Values != nil {
			cell := "n/a"
			if v, ok := opt.Values.Value(r.node.ID); ok {
				cell = fmt.Sprintf("%.4f", v)
			} else if reason, ok := opt.Values.Missing[r.node.ID]; ok {
				cell = reason
			}
			pdf.CellFormat(cols[6].width, rowHeight, cell, "1", 0, "R", false, 0, "")
		}
		pdf.SetXY(x0, y0+rowHeight)
	}
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	return pdf.Output(w)
}

// ExportTreePDF writes the report to outPath, creating its directory.
func ExportTreePDF(t *weighttree.Tree, outPath string, opt PDFOptions) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure out dir: %w", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create pdf: %w", err)
	}
	if err := WriteTreePDF(t, f, opt); err != nil {
		_ = f.Close()
		_ = os.Remove(outPath)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

type column struct {
	label string
	width float64
}

func columns(withValues bool) []column {
	cols := []column{
		{"Node", 200}, {"Type", 100}, {"Field", 90}, {"Weight", 55}, {"Share", 140}, {"Operator", 150},
	}
	if withValues {
		cols = append(cols, column{"Value", 70})
		cols[5].width = 110
		cols[0].width = 170
	}
	return cols
}

func reportRows(t *weighttree.Tree) ([]reportRow, error) {
	root := t.Serialize()
	var rows []reportRow
	var firstErr error
	root.Walk(func(n *domain.Node, depth int) bool {
		if firstErr != nil {
			return false
		}
		share, err := t.DisplayWeight(n.ID)
		if err != nil {
			firstErr = err
			return false
		}
		ok, err := t.IsComputable(n.ID)
		if err != nil {
			firstErr = err
			return false
		}
		row := reportRow{depth: depth, node: *n, share: share, computable: ok}
		if len(n.Children) > 0 {
			op, err := t.EffectiveOperator(n.ID)
			if err != nil {
				firstErr = err
				return false
			}
			row.operator = op.Name
		}
		rows = append(rows, row)
		return true
	})
	return rows, firstErr
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
