package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"dentalsync/internal/dental"
)

const (
	StudentsSheet = "Students"
	ExamsSheet    = "Exams"
)

type column[T any] struct {
	header string
	width  float64
	value  func(T) any
}

var studentColumns = []column[dental.Student]{
	{"ID", 8, func(s dental.Student) any { return s.ID }},
	{"Complete Name", 28, func(s dental.Student) any { return s.Name }},
	{"Date of Birth", 14, func(s dental.Student) any { return s.DOB }},
	{"School", 28, func(s dental.Student) any { return s.School }},
	{"Sex", 6, func(s dental.Student) any { return s.Sex }},
	{"Age", 6, func(s dental.Student) any { return s.Age }},
	{"Address", 30, func(s dental.Student) any { return s.Address }},
	{"Parent/Guardian", 24, func(s dental.Student) any { return s.ParentName }},
	{"Contact No.", 16, func(s dental.Student) any { return s.ContactNumber }},
	{"Systemic Conditions", 24, func(s dental.Student) any { return s.SystemicConditions }},
	{"Food Allergies", 18, func(s dental.Student) any { return s.AllergiesFood }},
	{"Medicine Allergies", 18, func(s dental.Student) any { return s.AllergiesMedicines }},
}

type examRow struct {
	exam    dental.Exam
	student string
	loc     *time.Location
}

var examColumns = []column[examRow]{
	{"ID", 8, func(r examRow) any { return r.exam.ID }},
	{"UUID", 38, func(r examRow) any { return r.exam.UUID }},
	{"Student", 28, func(r examRow) any { return r.student }},
	{"Date", 12, func(r examRow) any { return r.exam.Date }},
	{"Time", 10, func(r examRow) any { return r.exam.VisitedAt.In(r.loc).Format("15:04") }},
	{"Extraction", 16, func(r examRow) any { return r.exam.Extraction }},
	{"Filling", 16, func(r examRow) any { return r.exam.Filling }},
	{"Decayed", 16, func(r examRow) any { return r.exam.Decayed }},
	{"Missing", 16, func(r examRow) any { return r.exam.Missing }},
	{"Tooth Cleaning", 14, func(r examRow) any { return r.exam.ToothCleaning }},
	{"Fluoride", 10, func(r examRow) any { return r.exam.Fluoride }},
	{"Dental Consult", 14, func(r examRow) any { return r.exam.DentalConsult }},
	{"Severe Cavities", 14, func(r examRow) any { return r.exam.SevereCavities }},
	{"Oral Notes", 30, func(r examRow) any { return r.exam.OralNotes }},
	{"Cleaning Notes", 30, func(r examRow) any { return r.exam.CleaningNotes }},
	{"Remarks", 30, func(r examRow) any { return r.exam.Remarks }},
	{"Synced", 8, func(r examRow) any {
		if r.exam.Synced {
			return "Yes"
		}
		return "No"
	}},
}

// Workbook renders the local students and exams as an xlsx file, one sheet
// each. Visit times are shown in loc.
func Workbook(students []dental.Student, exams []dental.Exam, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.Local
	}
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	names := make(map[int64]string, len(students))
	for _, s := range students {
		names[s.ID] = s.Name
	}
	rows := make([]examRow, len(exams))
	for i, e := range exams {
		rows[i] = examRow{exam: e, student: names[e.StudentID], loc: loc}
	}

	if err := f.SetSheetName("Sheet1", StudentsSheet); err != nil {
		return nil, err
	}
	if err := writeSheet(f, StudentsSheet, header, studentColumns, students); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(ExamsSheet); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := writeSheet(f, ExamsSheet, header, examColumns, rows); err != nil {
		return nil, err
	}
	f.SetActiveSheet(0)

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet[T any](f *excelize.File, sheet string, style int, cols []column[T], items []T) error {
	for i, c := range cols {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, c.header); err != nil {
			return fmt.Errorf("set header %s!%s: %w", sheet, cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, name, name, c.width); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}
	for r, item := range items {
		for i, c := range cols {
			v := c.value(item)
			if v == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(i+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
			}
		}
	}
	return nil
}
