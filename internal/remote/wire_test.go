package remote

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dentalsync/internal/dental"
)

var manila = time.FixedZone("PHT", 8*60*60)

func TestDecode_HeaderAliases(t *testing.T) {
	rec := Record{
		"Complete Name":         "Juan Dela Cruz",
		"Date of Birth":         json.Number("42009"),
		"SCHOOL":                "Rizal ES",
		"Parent/Guardian":       "Rosa",
		"Contact No.":           "0917",
		"Allergies (Medicines)": "penicillin",
		"Timestamp":             "2024-06-10T00:30:15.000Z",
		"Unrelated Column":      "ignored",
	}
	in, err := Decode(rec, manila)
	require.NoError(t, err)
	assert.Equal(t, "Juan Dela Cruz", in.Student.Name)
	assert.Equal(t, "05/01/2015", in.Student.DOB)
	assert.Equal(t, "Rizal ES", in.Student.School)
	assert.Equal(t, "Rosa", in.Student.ParentName)
	assert.Equal(t, "0917", in.Student.ContactNumber)
	assert.Equal(t, "penicillin", in.Student.AllergiesMedicines)
	assert.True(t, in.At.Equal(time.Date(2024, 6, 10, 8, 30, 15, 0, manila)))
	assert.Nil(t, in.Exam)
}

func TestDecode_ExamFromChartOrLists(t *testing.T) {
	withChart := Record{
		"completeName": "Ana", "dob": "12/11/2014", "school": "Mabini ES",
		"toothData": map[string]any{"18": "X", "55": "m"},
		"remarks":   "ok",
		"timestamp": "2024-06-10T08:30:15+08:00",
	}
	in, err := Decode(withChart, manila)
	require.NoError(t, err)
	require.NotNil(t, in.Exam)
	assert.Equal(t, "18", in.Exam.Extraction)
	assert.Equal(t, "55", in.Exam.Missing)
	assert.Equal(t, "ok", in.Exam.Remarks)
	assert.Equal(t, "10/06/2024", in.Exam.Date)

	withLists := Record{
		"completeName": "Ana", "dob": "12/11/2014", "school": "Mabini ES",
		"Tooth Extraction": "18, 17",
		"Tooth Filling":    "36",
	}
	in, err = Decode(withLists, manila)
	require.NoError(t, err)
	require.NotNil(t, in.Exam)
	assert.Equal(t, dental.StatusExtraction, in.Exam.Chart.Get(17))
	assert.Equal(t, "17, 18", in.Exam.Extraction)
	assert.Equal(t, "36", in.Exam.Filling)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode(Record{"dob": "05/01/2015", "school": "Rizal ES"}, manila)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = Decode(Record{"completeName": "A", "dob": "someday", "school": "Rizal ES"}, manila)
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.ErrorIs(t, err, dental.ErrInvalidDOB)
}

func TestExamRecord_RoundTrip(t *testing.T) {
	s := dental.Student{Name: "Juan Dela Cruz", DOB: "05/01/2015", School: "Rizal ES", Sex: "M"}
	var chart dental.Chart
	require.NoError(t, chart.Set(46, dental.StatusFilled))
	e := dental.Exam{
		UUID:      "9b2f",
		VisitedAt: time.Date(2024, 6, 10, 8, 30, 15, 987654321, manila),
		Chart:     chart,
		Fluoride:  "yes",
	}
	e.Derive()

	payload, err := json.Marshal(ExamRecord(s, e))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(payload), `"studentName":"Juan Dela Cruz"`))

	var rec Record
	require.NoError(t, decode(payload, &rec))
	in, err := Decode(rec, manila)
	require.NoError(t, err)
	require.NotNil(t, in.Exam)
	assert.Equal(t, "9b2f", in.Exam.UUID)
	assert.True(t, in.Exam.SameVisit(e))
	assert.True(t, in.Exam.Chart.Equal(e.Chart))
	assert.Equal(t, "46", in.Exam.Filling)
	assert.Equal(t, "yes", in.Exam.Fluoride)
	assert.Equal(t, "M", in.Student.Sex)
}

func TestStudentRecord_DecodesAsStudentOnly(t *testing.T) {
	s := dental.Student{Name: "Ana", DOB: "12/11/2014", School: "Mabini ES"}
	payload, err := json.Marshal(StudentRecord(s, "id-1", time.Now()))
	require.NoError(t, err)
	var rec Record
	require.NoError(t, decode(payload, &rec))
	in, err := Decode(rec, manila)
	require.NoError(t, err)
	assert.Nil(t, in.Exam)
	assert.Equal(t, "12/11/2014", in.Student.DOB)
}

func TestParseTime_SheetSerial(t *testing.T) {
	got := parseTime(json.Number("45453.5"), manila)
	assert.True(t, got.Equal(time.Date(2024, 6, 10, 12, 0, 0, 0, manila)), got.String())
	assert.True(t, parseTime("garbage", manila).IsZero())
}
