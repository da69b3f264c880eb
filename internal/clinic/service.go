package clinic

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dentalsync/internal/dental"
	"dentalsync/internal/identity"
	"dentalsync/internal/ledger"
	"dentalsync/internal/outbox"
	"dentalsync/internal/store"
	"dentalsync/internal/syncer"
)

// Syncer is the part of the sync engine the field flows trigger directly.
type Syncer interface {
	Push(ctx context.Context) (syncer.PushResult, error)
	PullIdentity(ctx context.Context, name, dob, school string) (syncer.PullResult, error)
}

// Connectivity reports whether the backend is reachable.
type Connectivity interface {
	Online() bool
}

// Service implements the field workflows: registering students, recording
// visits and looking a student up.
type Service struct {
	store    *store.Handle
	resolver *identity.Resolver
	ledger   *ledger.Ledger
	outbox   *outbox.Outbox
	sync     Syncer
	conn     Connectivity
	log      *zap.Logger
}

// NewService wires the workflows.
func NewService(h *store.Handle, r *identity.Resolver, l *ledger.Ledger, ob *outbox.Outbox, s Syncer, conn Connectivity, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: h, resolver: r, ledger: l, outbox: ob, sync: s, conn: conn, log: log}
}

// Submission is the outcome of recording a visit.
type Submission struct {
	Student dental.Student `json:"student"`
	Exam    dental.Exam    `json:"exam"`
	Created bool           `json:"studentCreated"`
	Synced  bool           `json:"synced"`
	Pending int            `json:"pending"`
}

// StudentRecord is a student with their visits, latest first.
type StudentRecord struct {
	Student dental.Student `json:"student"`
	Exams   []dental.Exam  `json:"exams"`
}

// RegisterStudent saves a student locally and queues the save.
func (s *Service) RegisterStudent(ctx context.Context, st dental.Student) (dental.Student, bool, error) {
	saved, created, err := s.resolver.ResolveOrCreate(ctx, st)
	if err != nil {
		return dental.Student{}, false, err
	}
	s.tryPush(ctx)
	return saved, created, nil
}

// SubmitExam records a visit for the student identified by st, creating the
// student when unknown. The student, the exam and the outbox entry are
// written in one transaction; a push follows when online.
func (s *Service) SubmitExam(ctx context.Context, st dental.Student, exam dental.Exam) (Submission, error) {
	var sub Submission
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		res, err := s.resolver.ResolveOrCreateTx(ctx, tx, st)
		if err != nil {
			return err
		}
		return s.record(ctx, tx, res.Student, exam, res.Created, &sub)
	})
	if err != nil {
		return Submission{}, err
	}
	return s.finish(ctx, sub)
}

// SubmitExamFor records a visit for an already stored student.
func (s *Service) SubmitExamFor(ctx context.Context, studentID int64, exam dental.Exam) (Submission, error) {
	var sub Submission
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		var st dental.Student
		if err := tx.Get(ctx, store.Students, studentID, &st); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %d", ledger.ErrUnknownStudent, studentID)
			}
			return err
		}
		return s.record(ctx, tx, st, exam, false, &sub)
	})
	if err != nil {
		return Submission{}, err
	}
	return s.finish(ctx, sub)
}

func (s *Service) record(ctx context.Context, tx *store.Tx, st dental.Student, exam dental.Exam, created bool, sub *Submission) error {
	saved, err := s.ledger.AppendTx(ctx, tx, st.ID, exam)
	if err != nil {
		return err
	}
	if _, err := s.outbox.Enqueue(ctx, tx, outbox.ExamEntry(st, saved)); err != nil {
		return err
	}
	*sub = Submission{Student: st, Exam: saved, Created: created}
	return nil
}

func (s *Service) finish(ctx context.Context, sub Submission) (Submission, error) {
	s.log.Info("exam recorded",
		zap.Int64("student_id", sub.Student.ID),
		zap.Int64("exam_id", sub.Exam.ID),
		zap.Bool("student_created", sub.Created),
	)
	s.tryPush(ctx)
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var e dental.Exam
		if err := tx.Get(ctx, store.Exams, sub.Exam.ID, &e); err != nil {
			return err
		}
		sub.Exam = e
		sub.Synced = e.Synced
		return nil
	})
	if err != nil {
		s.log.Warn("reload exam failed", zap.Int64("exam_id", sub.Exam.ID), zap.Error(err))
	}
	if n, err := s.outbox.Count(ctx); err == nil {
		sub.Pending = n
	}
	return sub, nil
}

// tryPush submits the outbox when online. Failures stay queued for the next
// sync pass.
func (s *Service) tryPush(ctx context.Context) {
	if s.sync == nil || s.conn == nil || !s.conn.Online() {
		return
	}
	res, err := s.sync.Push(ctx)
	if err != nil {
		s.log.Warn("immediate push failed", zap.Error(err))
		return
	}
	if res.Failed > 0 {
		s.log.Info("immediate push incomplete", zap.String("result", res.String()))
	}
}

// Search looks a student up by identity. When online the backend rows for
// that identity are pulled first. It returns nil, nil when nobody matches.
func (s *Service) Search(ctx context.Context, name string, dob any, school string) (*StudentRecord, error) {
	key, err := s.resolver.Key(name, dob, school)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrInvalidStudent, err)
	}
	if s.sync != nil && s.conn != nil && s.conn.Online() {
		if _, err := s.sync.PullIdentity(ctx, key.Name, key.DOB, key.School); err != nil {
			s.log.Warn("remote search failed, using local data", zap.Error(err))
		}
	}
	st, err := s.resolver.ResolveOrNull(ctx, key.Name, key.DOB, key.School)
	if err != nil || st == nil {
		return nil, err
	}
	exams, err := s.ledger.ListForStudent(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	return &StudentRecord{Student: *st, Exams: exams}, nil
}

// History returns a stored student's visits, latest first.
func (s *Service) History(ctx context.Context, studentID int64) (StudentRecord, error) {
	var rec StudentRecord
	err := s.store.View(ctx, func(tx *store.Tx) error {
		if err := tx.Get(ctx, store.Students, studentID, &rec.Student); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %d", ledger.ErrUnknownStudent, studentID)
			}
			return err
		}
		var err error
		rec.Exams, err = ledger.ListForStudentTx(ctx, tx, studentID)
		return err
	})
	return rec, err
}

// PendingCount returns the number of saves waiting for the backend.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.outbox.Count(ctx)
}

// Snapshot returns every locally stored student and exam.
func (s *Service) Snapshot(ctx context.Context) ([]dental.Student, []dental.Exam, error) {
	var students []dental.Student
	var exams []dental.Exam
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var err error
		if students, err = store.GetAll[dental.Student](ctx, tx, store.Students); err != nil {
			return err
		}
		exams, err = store.GetAll[dental.Exam](ctx, tx, store.Exams)
		return err
	})
	return students, exams, err
}
