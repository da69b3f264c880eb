package dental

import (
	"time"
)

// Exam is one dental visit for a student.
type Exam struct {
	ID             int64     `json:"id"`
	UUID           string    `json:"uuid"`
	StudentID      int64     `json:"studentId"`
	VisitedAt      time.Time `json:"visitedAt"`
	Date           string    `json:"date"`
	OralNotes      string    `json:"oralNotes,omitempty"`
	CleaningNotes  string    `json:"cleaningNotes,omitempty"`
	Remarks        string    `json:"remarks,omitempty"`
	ToothCleaning  string    `json:"toothCleaning,omitempty"`
	Fluoride       string    `json:"fluoride,omitempty"`
	DentalConsult  string    `json:"dentalConsult,omitempty"`
	SevereCavities string    `json:"severeCavities,omitempty"`
	Extraction     string    `json:"toothExtraction"`
	Filling        string    `json:"toothFilling"`
	Decayed        string    `json:"toothDecayed"`
	Missing        string    `json:"toothMissing"`
	Chart          Chart     `json:"toothData"`
	Synced         bool      `json:"synced"`
}

// DocID returns the local surrogate id.
func (e *Exam) DocID() int64 { return e.ID }

// SetDocID sets the local surrogate id.
func (e *Exam) SetDocID(id int64) { e.ID = id }

// Derive recomputes the projection lists and the visit date from the chart
// and visit time. Call it after any chart change.
func (e *Exam) Derive() {
	p := e.Chart.Projections()
	e.Extraction = JoinTeeth(p.Extraction)
	e.Filling = JoinTeeth(p.Filling)
	e.Decayed = JoinTeeth(p.Decayed)
	e.Missing = JoinTeeth(p.Missing)
	if !e.VisitedAt.IsZero() {
		e.Date = e.VisitedAt.Format(DOBLayout)
	}
}

// SameVisit reports whether both exams describe one visit: the same client
// UUID when both carry one, otherwise the same visit time to the second
// (the sheet does not keep sub-second precision). Undated exams match only
// when their recorded content is identical.
func (e Exam) SameVisit(o Exam) bool {
	if e.UUID != "" && o.UUID != "" {
		return e.UUID == o.UUID
	}
	if e.VisitedAt.IsZero() && o.VisitedAt.IsZero() {
		return e.sameContent(o)
	}
	return e.VisitedAt.Truncate(time.Second).Equal(o.VisitedAt.Truncate(time.Second))
}

func (e Exam) sameContent(o Exam) bool {
	return e.Date == o.Date &&
		e.OralNotes == o.OralNotes &&
		e.CleaningNotes == o.CleaningNotes &&
		e.Remarks == o.Remarks &&
		e.ToothCleaning == o.ToothCleaning &&
		e.Fluoride == o.Fluoride &&
		e.DentalConsult == o.DentalConsult &&
		e.SevereCavities == o.SevereCavities &&
		e.Chart.Equal(o.Chart)
}
