package main

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/jung-kurt/gofpdf"
	"github.com/tealeg/xlsx"

	"arka/models"
)

// displayDateFormat is the date layout used in reports and exports.
const displayDateFormat = "02-01-2006 15:04"

var reportHeader = []string{
	"Date", "Description", "Currency", "Amount",
	"Type", "Document Name", "Document Size (MB)",
}

// docSizeMB formats a document size for display; empty when there is no
// document.
func docSizeMB(size int64) string {
	if size <= 0 {
		return ""
	}
	return fmt.Sprintf("%.2f", float64(size)/1024/1024)
}

func typeLabel(t models.TransactionType) string {
	if t == models.TypeIncome {
		return "Income"
	}
	return "Expense"
}

func reportCells(r ReportRow) []string {
	return []string{
		r.RegistrationDate.Format(displayDateFormat),
		r.Description,
		r.Currency,
		r.Amount.StringFixed(2),
		typeLabel(r.TransactionType),
		r.DocumentName,
		docSizeMB(r.DocumentSize),
	}
}

// splitByType partitions rows so exports list income before expense, matching
// the report layout.
func splitByType(rows []ReportRow) (income, expense []ReportRow) {
	for _, r := range rows {
		if r.TransactionType == models.TypeIncome {
			income = append(income, r)
		} else {
			expense = append(expense, r)
		}
	}
	return income, expense
}

// writeCSV writes one row per transaction: income rows first, then expense
// rows, in the same file.
func writeCSV(w io.Writer, rows []ReportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return err
	}
	income, expense := splitByType(rows)
	for _, r := range append(income, expense...) {
		if err := cw.Write(reportCells(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeXLSX writes the report as a single-sheet workbook.
func writeXLSX(w io.Writer, rows []ReportRow) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Transactions")
	if err != nil {
		return err
	}
	row := sheet.AddRow()
	for _, h := range reportHeader {
		row.AddCell().SetValue(h)
	}
	income, expense := splitByType(rows)
	for _, r := range append(income, expense...) {
		row = sheet.AddRow()
		for _, cell := range reportCells(r) {
			row.AddCell().SetValue(cell)
		}
	}
	return file.Write(w)
}

// writePDF writes the report as a simple A4 table.
func writePDF(w io.Writer, rows []ReportRow) error {
	widths := []float64{30, 60, 18, 25, 20, 45, 20}

	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 14)
	pdf.Cell(40, 10, "Transactions Report")
	pdf.Ln(12)

	pdf.SetFont("Arial", "B", 9)
	for i, h := range reportHeader {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "", false, 0, "")
	}
	pdf.Ln(7)

	pdf.SetFont("Arial", "", 9)
	income, expense := splitByType(rows)
	for _, r := range append(income, expense...) {
		for i, cell := range reportCells(r) {
			pdf.CellFormat(widths[i], 7, cell, "1", 0, "", false, 0, "")
		}
		pdf.Ln(7)
	}
	return pdf.Output(w)
}
