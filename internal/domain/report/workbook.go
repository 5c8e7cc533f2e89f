package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	SheetMedications = "Medications"
	SheetPurchases   = "Purchases"
	SheetMonthly     = "Monthly"
)

// WorkbookContentType is the MIME type of an .xlsx file.
const WorkbookContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// WriteWorkbook renders x as an .xlsx workbook with one sheet per section.
func WriteWorkbook(w io.Writer, x *Export) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), SheetMedications); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetPurchases, SheetMonthly} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("add sheet %s: %w", name, err)
		}
	}

	money, err := f.NewStyle(&excelize.Style{NumFmt: 2})
	if err != nil {
		return fmt.Errorf("money style: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	costHeader := "Cost (" + x.Currency + ")"
	meds := [][]interface{}{{
		"Name", "Dosage", "Form", "Active", "Frequency", "Current quantity",
		"Days of supply", "Repeats remaining", "Remaining dispensings",
		costHeader, "Yearly total (" + x.Currency + ")", "Expiry date",
	}}
	for _, m := range x.Medications {
		var days interface{} = ""
		if m.DaysOfSupply != nil {
			days = *m.DaysOfSupply
		}
		meds = append(meds, []interface{}{
			m.Name, m.Dosage, m.Form, m.Active, m.Frequency, m.CurrentQuantity,
			days, m.RepeatsRemaining, m.RemainingDispensings,
			m.Cost.InexactFloat64(), m.YearlyTotal.InexactFloat64(), m.ExpiryDate,
		})
	}
	if err := writeRows(f, SheetMedications, meds); err != nil {
		return err
	}

	purchases := [][]interface{}{{"Date", "Medication", "Amount (" + x.Currency + ")"}}
	for _, p := range x.Purchases {
		purchases = append(purchases, []interface{}{p.Date, p.Medication, p.Amount.InexactFloat64()})
	}
	if err := writeRows(f, SheetPurchases, purchases); err != nil {
		return err
	}

	monthly := [][]interface{}{{"Month", "Purchases", "Total (" + x.Currency + ")"}}
	for _, m := range x.Monthly {
		monthly = append(monthly, []interface{}{m.Month, m.Purchases, m.Total.InexactFloat64()})
	}
	if err := writeRows(f, SheetMonthly, monthly); err != nil {
		return err
	}

	styles := []struct {
		sheet, cols string
	}{
		{SheetMedications, "J:K"},
		{SheetPurchases, "C:C"},
		{SheetMonthly, "C:C"},
	}
	for _, s := range styles {
		if err := f.SetColStyle(s.sheet, s.cols, money); err != nil {
			return fmt.Errorf("style %s: %w", s.sheet, err)
		}
		if err := f.SetRowStyle(s.sheet, 1, 1, bold); err != nil {
			return fmt.Errorf("style %s header: %w", s.sheet, err)
		}
	}

	_, err = f.WriteTo(w)
	return err
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
