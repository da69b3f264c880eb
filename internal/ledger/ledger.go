package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dentalsync/internal/dental"
	"dentalsync/internal/store"
)

// ErrUnknownStudent is returned when an exam names a student that is not in
// the local store.
var ErrUnknownStudent = errors.New("unknown student")

// Ledger records dental visits per student.
type Ledger struct {
	store *store.Handle
	log   *zap.Logger
	now   func() time.Time
}

// New wires a ledger over the local store.
func New(h *store.Handle, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: h, log: log, now: time.Now}
}

// Append stores a new unsynced exam for studentID and returns its id.
func (l *Ledger) Append(ctx context.Context, studentID int64, exam dental.Exam) (int64, error) {
	var id int64
	err := l.store.Update(ctx, func(tx *store.Tx) error {
		saved, err := l.AppendTx(ctx, tx, studentID, exam)
		id = saved.ID
		return err
	})
	return id, err
}

// AppendTx is Append inside a caller transaction. The returned exam carries
// the assigned id, UUID and derived lists.
func (l *Ledger) AppendTx(ctx context.Context, tx *store.Tx, studentID int64, exam dental.Exam) (dental.Exam, error) {
	if err := requireStudent(ctx, tx, studentID); err != nil {
		return dental.Exam{}, err
	}
	exam.ID = 0
	exam.StudentID = studentID
	exam.Synced = false
	if exam.UUID == "" {
		exam.UUID = uuid.NewString()
	}
	if exam.VisitedAt.IsZero() {
		exam.VisitedAt = l.now()
	}
	exam.Derive()
	if _, err := tx.Put(ctx, store.Exams, &exam); err != nil {
		return dental.Exam{}, err
	}
	l.log.Debug("exam appended",
		zap.Int64("student_id", studentID),
		zap.Int64("exam_id", exam.ID),
		zap.String("uuid", exam.UUID),
	)
	return exam, nil
}

// ListForStudent returns the student's exams, latest visit first. Visits at
// the same instant are ordered by id, newest first.
func (l *Ledger) ListForStudent(ctx context.Context, studentID int64) ([]dental.Exam, error) {
	var out []dental.Exam
	err := l.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = ListForStudentTx(ctx, tx, studentID)
		return err
	})
	return out, err
}

// ListForStudentTx is ListForStudent inside a caller transaction.
func ListForStudentTx(ctx context.Context, tx *store.Tx, studentID int64) ([]dental.Exam, error) {
	exams, err := store.GetAllByIndex[dental.Exam](ctx, tx, store.Exams, "student_id", studentID)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(exams, func(a, b dental.Exam) int {
		if c := b.VisitedAt.Compare(a.VisitedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return exams, nil
}

// MarkSynced flips the exam's synced flag. Nothing else changes.
func (l *Ledger) MarkSynced(ctx context.Context, examID int64) error {
	return l.store.Update(ctx, func(tx *store.Tx) error {
		return MarkSyncedTx(ctx, tx, examID)
	})
}

// MarkSyncedTx is MarkSynced inside a caller transaction.
func MarkSyncedTx(ctx context.Context, tx *store.Tx, examID int64) error {
	var exam dental.Exam
	if err := tx.Get(ctx, store.Exams, examID, &exam); err != nil {
		return err
	}
	if exam.Synced {
		return nil
	}
	exam.Synced = true
	_, err := tx.Put(ctx, store.Exams, &exam)
	return err
}

// ImportRemote stores an exam pulled from the backend as synced. It reports
// false, and writes nothing, when the student already has the same visit.
func (l *Ledger) ImportRemote(ctx context.Context, studentID int64, exam dental.Exam) (bool, error) {
	var imported bool
	err := l.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		imported, err = ImportRemoteTx(ctx, tx, studentID, exam)
		return err
	})
	return imported, err
}

// ImportRemoteTx is ImportRemote inside a caller transaction.
func ImportRemoteTx(ctx context.Context, tx *store.Tx, studentID int64, exam dental.Exam) (bool, error) {
	if err := requireStudent(ctx, tx, studentID); err != nil {
		return false, err
	}
	existing, err := store.GetAllByIndex[dental.Exam](ctx, tx, store.Exams, "student_id", studentID)
	if err != nil {
		return false, err
	}
	for _, e := range existing {
		if e.SameVisit(exam) {
			return false, nil
		}
	}
	exam.ID = 0
	exam.StudentID = studentID
	exam.Synced = true
	exam.Derive()
	if _, err := tx.Put(ctx, store.Exams, &exam); err != nil {
		return false, err
	}
	return true, nil
}

func requireStudent(ctx context.Context, tx *store.Tx, studentID int64) error {
	var s dental.Student
	err := tx.Get(ctx, store.Students, studentID, &s)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrUnknownStudent, studentID)
	}
	return err
}
