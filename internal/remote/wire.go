package remote

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"dentalsync/internal/dental"
)

// Record is one backend row keyed by its wire field names.
type Record map[string]any

// Canonical field names. Wire headers are matched to these once, on the way
// in, so nothing past this package sees sheet column names.
const (
	fieldName               = "name"
	fieldDOB                = "dob"
	fieldSchool             = "school"
	fieldSex                = "sex"
	fieldAge                = "age"
	fieldAddress            = "address"
	fieldParentName         = "parentName"
	fieldContactNumber      = "contactNumber"
	fieldSystemicConditions = "systemicConditions"
	fieldAllergiesFood      = "allergiesFood"
	fieldAllergiesMedicines = "allergiesMedicines"
	fieldTimestamp          = "timestamp"
	fieldUUID               = "uuid"
	fieldType               = "type"
	fieldOralNotes          = "oralNotes"
	fieldCleaningNotes      = "cleaningNotes"
	fieldRemarks            = "remarks"
	fieldToothCleaning      = "toothCleaning"
	fieldFluoride           = "fluoride"
	fieldDentalConsult      = "dentalConsult"
	fieldSevereCavities     = "severeCavities"
	fieldExtraction         = "toothExtraction"
	fieldFilling            = "toothFilling"
	fieldDecayed            = "toothDecayed"
	fieldMissing            = "toothMissing"
	fieldToothData          = "toothData"
)

// aliases maps a folded header (lowercase, letters and digits only) to its
// canonical field.
var aliases = map[string]string{
	"completename": fieldName, "name": fieldName, "studentname": fieldName, "fullname": fieldName,
	"dob": fieldDOB, "dateofbirth": fieldDOB, "birthdate": fieldDOB, "birthday": fieldDOB,
	"school": fieldSchool, "schoolname": fieldSchool,
	"sex": fieldSex, "gender": fieldSex,
	"age":     fieldAge,
	"address": fieldAddress,
	"parentname": fieldParentName, "parentguardian": fieldParentName, "parentguardianname": fieldParentName, "guardian": fieldParentName,
	"contactnumber": fieldContactNumber, "contact": fieldContactNumber, "contactno": fieldContactNumber, "phone": fieldContactNumber,
	"systemicconditions": fieldSystemicConditions, "systemiccondition": fieldSystemicConditions,
	"allergiesfood": fieldAllergiesFood, "foodallergies": fieldAllergiesFood, "foodallergy": fieldAllergiesFood,
	"allergiesmedicines": fieldAllergiesMedicines, "medicineallergies": fieldAllergiesMedicines, "medicineallergy": fieldAllergiesMedicines,
	"timestamp": fieldTimestamp, "visitedat": fieldTimestamp, "visitdate": fieldTimestamp, "updatedat": fieldTimestamp,
	"uuid": fieldUUID, "clientid": fieldUUID,
	"type": fieldType, "kind": fieldType,
	"oralnotes": fieldOralNotes, "oralexamnotes": fieldOralNotes,
	"cleaningnotes":  fieldCleaningNotes,
	"remarks":        fieldRemarks,
	"toothcleaning":  fieldToothCleaning,
	"fluoride":       fieldFluoride,
	"dentalconsult":  fieldDentalConsult,
	"severecavities": fieldSevereCavities,
	"toothextraction": fieldExtraction, "extraction": fieldExtraction,
	"toothfilling": fieldFilling, "filling": fieldFilling,
	"toothdecayed": fieldDecayed, "decayed": fieldDecayed,
	"toothmissing": fieldMissing, "missing": fieldMissing,
	"toothdata": fieldToothData, "toothstatus": fieldToothData,
}

var examFields = []string{
	fieldOralNotes, fieldCleaningNotes, fieldRemarks, fieldToothCleaning, fieldFluoride,
	fieldDentalConsult, fieldSevereCavities, fieldExtraction, fieldFilling, fieldDecayed,
	fieldMissing, fieldToothData,
}

func foldHeader(h string) string {
	var b strings.Builder
	for _, r := range h {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

type row map[string]any

// canonicalize re-keys rec by canonical field. Unknown headers are dropped.
// When two headers map to one field the first non-empty value wins.
func canonicalize(rec Record) row {
	out := make(row, len(rec))
	for k, v := range rec {
		field, ok := aliases[foldHeader(k)]
		if !ok {
			continue
		}
		if prev, seen := out[field]; seen && !isBlank(prev) {
			continue
		}
		out[field] = v
	}
	return out
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func (r row) text(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Inbound is a decoded backend row.
type Inbound struct {
	Student dental.Student
	// Exam is nil for rows that carry only student details.
	Exam *dental.Exam
	// At is the row's timestamp; zero when the row has none.
	At time.Time
}

// Decode maps a backend row to domain values. Dates of birth come out in
// DD/MM/YYYY and timestamps are read in loc.
func Decode(rec Record, loc *time.Location) (Inbound, error) {
	if loc == nil {
		loc = time.Local
	}
	r := canonicalize(rec)
	in := Inbound{
		Student: dental.Student{
			Name:               r.text(fieldName),
			School:             r.text(fieldSchool),
			Sex:                r.text(fieldSex),
			Age:                r.text(fieldAge),
			Address:            r.text(fieldAddress),
			ParentName:         r.text(fieldParentName),
			ContactNumber:      r.text(fieldContactNumber),
			SystemicConditions: r.text(fieldSystemicConditions),
			AllergiesFood:      r.text(fieldAllergiesFood),
			AllergiesMedicines: r.text(fieldAllergiesMedicines),
		},
		At: parseTime(r[fieldTimestamp], loc),
	}
	if in.Student.Name == "" || in.Student.School == "" {
		return Inbound{}, fmt.Errorf("%w: row without name or school", ErrMalformedResponse)
	}
	dob, err := dental.NormalizeDOB(r[fieldDOB], loc)
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	in.Student.DOB = dob
	in.Student.UpdatedAt = in.At

	if !r.hasExam() {
		return in, nil
	}
	exam := dental.Exam{
		UUID:           r.text(fieldUUID),
		VisitedAt:      in.At,
		OralNotes:      r.text(fieldOralNotes),
		CleaningNotes:  r.text(fieldCleaningNotes),
		Remarks:        r.text(fieldRemarks),
		ToothCleaning:  r.text(fieldToothCleaning),
		Fluoride:       r.text(fieldFluoride),
		DentalConsult:  r.text(fieldDentalConsult),
		SevereCavities: r.text(fieldSevereCavities),
	}
	chart, ok := parseChart(r[fieldToothData])
	if !ok {
		chart = dental.ChartFromLists(r.text(fieldExtraction), r.text(fieldFilling), r.text(fieldDecayed), r.text(fieldMissing))
	}
	exam.Chart = chart
	exam.Derive()
	if exam.Date == "" {
		exam.Date = r.text(fieldTimestamp)
	}
	in.Exam = &exam
	return in, nil
}

func (r row) hasExam() bool {
	switch strings.ToLower(r.text(fieldType)) {
	case "exam":
		return true
	case "student":
		return false
	}
	for _, f := range examFields {
		if v, ok := r[f]; ok && !isBlank(v) {
			return true
		}
	}
	return false
}

func parseChart(v any) (dental.Chart, bool) {
	var raw []byte
	switch x := v.(type) {
	case nil:
		return dental.Chart{}, false
	case string:
		if strings.TrimSpace(x) == "" {
			return dental.Chart{}, false
		}
		raw = []byte(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return dental.Chart{}, false
		}
		raw = b
	}
	var c dental.Chart
	if err := json.Unmarshal(raw, &c); err != nil {
		return dental.Chart{}, false
	}
	return c, true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
}

var localTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05",
	"2/1/2006 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

var sheetEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// parseTime reads a row timestamp: ISO strings, local date-time text or a
// spreadsheet serial (days since 1899-12-30, fraction is time of day).
func parseTime(v any, loc *time.Location) time.Time {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return serialTime(f, loc)
		}
	case float64:
		return serialTime(x, loc)
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		for _, layout := range localTimeLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func serialTime(f float64, loc *time.Location) time.Time {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}
	}
	days := math.Floor(f)
	day := sheetEpoch.AddDate(0, 0, int(days))
	secs := math.Round((f - days) * 86400)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, int(secs), 0, loc)
}

// StudentRecord builds the outbound row for a student save.
func StudentRecord(s dental.Student, clientID string, at time.Time) Record {
	rec := studentFields(s)
	rec[fieldType] = "student"
	rec[fieldUUID] = clientID
	rec[fieldTimestamp] = at.Format(time.RFC3339)
	return rec
}

// ExamRecord builds the outbound row for an exam save. It repeats the
// student details so one sheet row describes the whole visit.
func ExamRecord(s dental.Student, e dental.Exam) Record {
	rec := studentFields(s)
	rec["studentName"] = s.Name
	rec[fieldType] = "exam"
	rec[fieldUUID] = e.UUID
	rec[fieldTimestamp] = e.VisitedAt.Format(time.RFC3339)
	rec["date"] = e.Date
	rec[fieldOralNotes] = e.OralNotes
	rec[fieldCleaningNotes] = e.CleaningNotes
	rec[fieldRemarks] = e.Remarks
	rec[fieldToothCleaning] = e.ToothCleaning
	rec[fieldFluoride] = e.Fluoride
	rec[fieldDentalConsult] = e.DentalConsult
	rec[fieldSevereCavities] = e.SevereCavities
	rec[fieldExtraction] = e.Extraction
	rec[fieldFilling] = e.Filling
	rec[fieldDecayed] = e.Decayed
	rec[fieldMissing] = e.Missing
	rec[fieldToothData] = e.Chart
	return rec
}

func studentFields(s dental.Student) Record {
	return Record{
		"completeName":          s.Name,
		fieldDOB:                s.DOB,
		fieldSchool:             s.School,
		fieldSex:                s.Sex,
		fieldAge:                s.Age,
		fieldAddress:            s.Address,
		fieldParentName:         s.ParentName,
		fieldContactNumber:      s.ContactNumber,
		fieldSystemicConditions: s.SystemicConditions,
		fieldAllergiesFood:      s.AllergiesFood,
		fieldAllergiesMedicines: s.AllergiesMedicines,
	}
}
