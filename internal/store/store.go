package store

import (
	"errors"
)

var (
	// ErrStorageUnavailable means the engine could not be opened. Every
	// operation fails until Open is retried.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrTransactionFailed wraps a failed read or write.
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrNotFound is returned by Get for an absent id.
	ErrNotFound = errors.New("record not found")
	// ErrUnknownIndex is returned for lookups on an undeclared index.
	ErrUnknownIndex = errors.New("unknown index")
)

// Document is a record stored in a collection. The store owns the id: zero
// means "not yet inserted".
type Document interface {
	DocID() int64
	SetDocID(id int64)
}

// Index is a secondary lookup derived from a key path of the JSON document.
type Index struct {
	Name    string
	KeyPath string
	Numeric bool
	Unique  bool
}

// Collection describes one named collection.
type Collection struct {
	Name    string
	Indexes []Index
	// UnsyncedPath names a boolean key path; documents where it is false are
	// carried across a schema rebuild.
	UnsyncedPath string
	// OwnerPath/Owner name the parent document that must survive with a
	// carried document.
	OwnerPath string
	Owner     string
}

func (c Collection) index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Collections of the field store.
var (
	Students = Collection{
		Name: "students",
		Indexes: []Index{
			{Name: "name", KeyPath: "name"},
			{Name: "dob", KeyPath: "dob"},
			{Name: "school", KeyPath: "school"},
			{Name: "natural_key", KeyPath: "naturalKey", Unique: true},
		},
	}
	Exams = Collection{
		Name: "exams",
		Indexes: []Index{
			{Name: "student_id", KeyPath: "studentId", Numeric: true},
			{Name: "date", KeyPath: "date"},
			{Name: "synced", KeyPath: "synced", Numeric: true},
		},
		UnsyncedPath: "synced",
		OwnerPath:    "studentId",
		Owner:        "students",
	}
	Pending = Collection{
		Name: "pending",
		Indexes: []Index{
			{Name: "synced", KeyPath: "synced", Numeric: true},
			{Name: "timestamp", KeyPath: "timestamp"},
			{Name: "exam_id", KeyPath: "examId", Numeric: true},
		},
		UnsyncedPath: "synced",
		OwnerPath:    "studentId",
		Owner:        "students",
	}
)

// Schema is the default collection set, owners first.
var Schema = []Collection{Students, Exams, Pending}
