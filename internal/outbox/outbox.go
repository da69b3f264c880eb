package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dentalsync/internal/dental"
	"dentalsync/internal/ledger"
	"dentalsync/internal/store"
)

// Kind tells the sync engine which payload an entry carries.
type Kind string

const (
	KindStudent Kind = "student"
	KindExam    Kind = "exam"
)

// Entry is one local save waiting for the backend to acknowledge it.
type Entry struct {
	ID        int64          `json:"id"`
	UUID      string         `json:"uuid"`
	Kind      Kind           `json:"kind"`
	StudentID int64          `json:"studentId"`
	ExamID    int64          `json:"examId,omitempty"`
	Student   dental.Student `json:"student"`
	Exam      *dental.Exam   `json:"exam,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Synced    bool           `json:"synced"`
}

// DocID returns the local surrogate id.
func (e *Entry) DocID() int64 { return e.ID }

// SetDocID sets the local surrogate id.
func (e *Entry) SetDocID(id int64) { e.ID = id }

// Outbox is the pending collection.
type Outbox struct {
	store *store.Handle
	log   *zap.Logger
	now   func() time.Time
}

// New wires an outbox over the local store.
func New(h *store.Handle, log *zap.Logger) *Outbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &Outbox{store: h, log: log, now: time.Now}
}

// StudentEntry builds an entry that saves s.
func StudentEntry(s dental.Student) Entry {
	return Entry{Kind: KindStudent, StudentID: s.ID, Student: s}
}

// ExamEntry builds an entry that saves exam together with its student.
func ExamEntry(s dental.Student, exam dental.Exam) Entry {
	return Entry{Kind: KindExam, StudentID: s.ID, ExamID: exam.ID, Student: s, Exam: &exam, UUID: exam.UUID}
}

// Enqueue writes e as unsynced inside the caller's transaction.
func (o *Outbox) Enqueue(ctx context.Context, tx *store.Tx, e Entry) (Entry, error) {
	e.ID = 0
	e.Synced = false
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = o.now()
	}
	if _, err := tx.Put(ctx, store.Pending, &e); err != nil {
		return Entry{}, err
	}
	o.log.Debug("outbox entry queued",
		zap.Int64("entry_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("uuid", e.UUID),
	)
	return e, nil
}

// Unsynced returns the entries still waiting, in submission order.
func (o *Outbox) Unsynced(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := o.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = store.GetAllByIndex[Entry](ctx, tx, store.Pending, "synced", false)
		return err
	})
	return out, err
}

// Ack removes an acknowledged entry and, for exam entries, marks the exam
// synced in the same transaction.
func (o *Outbox) Ack(ctx context.Context, e Entry) error {
	return o.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.Delete(ctx, store.Pending, e.ID); err != nil {
			return err
		}
		if e.Kind != KindExam || e.ExamID == 0 {
			return nil
		}
		err := ledger.MarkSyncedTx(ctx, tx, e.ExamID)
		if errors.Is(err, store.ErrNotFound) {
			o.log.Warn("acknowledged exam no longer stored", zap.Int64("exam_id", e.ExamID))
			return nil
		}
		return err
	})
}

// Count returns how many entries are pending.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	var n int
	err := o.store.View(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.CountByIndex(ctx, store.Pending, "synced", false)
		return err
	})
	return n, err
}
