package dental

import (
	"strings"
	"time"
)

// Student is a patient record. Name, DOB and School form its identity; the
// remote sheet has no id shared with the local store.
type Student struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name" validate:"required,max=200"`
	DOB                string    `json:"dob" validate:"required"`
	School             string    `json:"school" validate:"required,max=200"`
	Sex                string    `json:"sex,omitempty"`
	Age                string    `json:"age,omitempty"`
	Address            string    `json:"address,omitempty"`
	ParentName         string    `json:"parentName,omitempty"`
	ContactNumber      string    `json:"contactNumber,omitempty"`
	SystemicConditions string    `json:"systemicConditions,omitempty"`
	AllergiesFood      string    `json:"allergiesFood,omitempty"`
	AllergiesMedicines string    `json:"allergiesMedicines,omitempty"`
	NaturalKey         string    `json:"naturalKey"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// DocID returns the local surrogate id.
func (s *Student) DocID() int64 { return s.ID }

// SetDocID sets the local surrogate id.
func (s *Student) SetDocID(id int64) { s.ID = id }

// Key returns the student's composite identity. DOB must already be
// canonical.
func (s Student) Key() Key {
	return Key{Name: s.Name, DOB: s.DOB, School: s.School}
}

// SameDetails reports whether every non-identity attribute matches.
func (s Student) SameDetails(o Student) bool {
	return s.Sex == o.Sex &&
		s.Age == o.Age &&
		s.Address == o.Address &&
		s.ParentName == o.ParentName &&
		s.ContactNumber == o.ContactNumber &&
		s.SystemicConditions == o.SystemicConditions &&
		s.AllergiesFood == o.AllergiesFood &&
		s.AllergiesMedicines == o.AllergiesMedicines
}

// Key is the natural (name, date of birth, school) identity.
type Key struct {
	Name   string
	DOB    string
	School string
}

// String is the normalized form stored in the natural-key index:
// lowercased name and school with collapsed whitespace, canonical DOB.
func (k Key) String() string {
	return foldText(k.Name) + "|" + k.DOB + "|" + foldText(k.School)
}

// NewKey builds a key, normalizing the date of birth.
func NewKey(name string, dob any, school string, loc *time.Location) (Key, error) {
	d, err := NormalizeDOB(dob, loc)
	if err != nil {
		return Key{}, err
	}
	return Key{Name: strings.TrimSpace(name), DOB: d, School: strings.TrimSpace(school)}, nil
}

func foldText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
