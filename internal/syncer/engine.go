package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dentalsync/internal/dental"
	"dentalsync/internal/identity"
	"dentalsync/internal/ledger"
	"dentalsync/internal/metrics"
	"dentalsync/internal/outbox"
	"dentalsync/internal/remote"
	"dentalsync/internal/store"
)

// Backend is the remote tabular store.
type Backend interface {
	Save(ctx context.Context, rec remote.Record) error
	Search(ctx context.Context, name, dob, school string) ([]remote.Record, error)
	GetAll(ctx context.Context) ([]remote.Record, error)
}

// PushResult summarizes one push run.
type PushResult struct {
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   bool     `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

func (r PushResult) String() string {
	if r.Skipped {
		return "push already running"
	}
	return fmt.Sprintf("synced %d, failed %d", r.Succeeded, r.Failed)
}

// PullResult summarizes one pull run.
type PullResult struct {
	Students int  `json:"students"`
	Exams    int  `json:"exams"`
	Rejected int  `json:"rejected"`
	Skipped  bool `json:"skipped"`
}

// Status is the last known sync state.
type Status struct {
	LastPush   PushResult `json:"lastPush"`
	LastPushAt time.Time  `json:"lastPushAt"`
	PushError  string     `json:"pushError,omitempty"`
	LastPull   PullResult `json:"lastPull"`
	LastPullAt time.Time  `json:"lastPullAt"`
	PullError  string     `json:"pullError,omitempty"`
	Pending    int        `json:"pending"`
	Message    string     `json:"message"`
}

// Engine drains the outbox to the backend and folds backend rows into the
// local store. One push and one pull may run at a time; overlapping calls
// return immediately with Skipped set.
type Engine struct {
	backend  Backend
	store    *store.Handle
	outbox   *outbox.Outbox
	resolver *identity.Resolver
	metrics  *metrics.Sync
	log      *zap.Logger

	pushing atomic.Bool
	pulling atomic.Bool

	mu     sync.Mutex
	status Status
}

// New wires an engine. m may be nil.
func New(backend Backend, h *store.Handle, ob *outbox.Outbox, resolver *identity.Resolver, m *metrics.Sync, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{backend: backend, store: h, outbox: ob, resolver: resolver, metrics: m, log: log}
}

// Push submits every unsynced outbox entry in submission order. A failed
// entry is counted and left queued; the rest still go out. Entries queued
// while the run is in progress are picked up before it ends.
func (e *Engine) Push(ctx context.Context) (PushResult, error) {
	if !e.pushing.CompareAndSwap(false, true) {
		e.metrics.Run("push", "skipped", 0)
		return PushResult{Skipped: true}, nil
	}
	defer e.pushing.Store(false)

	start := time.Now()
	var res PushResult
	attempted := make(map[int64]bool)
	for {
		entries, err := e.outbox.Unsynced(ctx)
		if err != nil {
			return e.finishPush(ctx, res, start, err)
		}
		var batch []outbox.Entry
		for _, entry := range entries {
			if !attempted[entry.ID] {
				batch = append(batch, entry)
			}
		}
		if len(batch) == 0 {
			break
		}
		for _, entry := range batch {
			if err := ctx.Err(); err != nil {
				return e.finishPush(ctx, res, start, err)
			}
			attempted[entry.ID] = true
			e.pushOne(ctx, entry, &res)
		}
	}
	return e.finishPush(ctx, res, start, nil)
}

func (e *Engine) pushOne(ctx context.Context, entry outbox.Entry, res *PushResult) {
	fail := func(err error) {
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("entry %d: %v", entry.ID, err))
		e.metrics.PushItem(false)
		e.log.Warn("push entry failed",
			zap.Int64("entry_id", entry.ID),
			zap.String("kind", string(entry.Kind)),
			zap.Error(err),
		)
	}
	if err := e.backend.Save(ctx, outboundRecord(entry)); err != nil {
		fail(err)
		return
	}
	if err := e.outbox.Ack(ctx, entry); err != nil {
		fail(fmt.Errorf("acknowledge: %w", err))
		return
	}
	res.Succeeded++
	e.metrics.PushItem(true)
}

func (e *Engine) finishPush(ctx context.Context, res PushResult, start time.Time, err error) (PushResult, error) {
	pending, cerr := e.outbox.Count(context.WithoutCancel(ctx))
	if cerr != nil {
		e.log.Warn("count pending failed", zap.Error(cerr))
	}
	result := "ok"
	if err != nil || res.Failed > 0 {
		result = "error"
	}
	e.metrics.Run("push", result, time.Since(start))
	e.metrics.Pending(pending)

	e.mu.Lock()
	e.status.LastPush = res
	e.status.LastPushAt = time.Now()
	e.status.Pending = pending
	e.status.Message = res.String()
	e.status.PushError = ""
	if err != nil {
		e.status.PushError = err.Error()
	}
	e.mu.Unlock()

	if res.Succeeded+res.Failed > 0 || err != nil {
		e.log.Info("push finished",
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("pending", pending),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
	}
	return res, err
}

func outboundRecord(entry outbox.Entry) remote.Record {
	if entry.Kind == outbox.KindExam && entry.Exam != nil {
		return remote.ExamRecord(entry.Student, *entry.Exam)
	}
	return remote.StudentRecord(entry.Student, entry.UUID, entry.Timestamp)
}

// Pull fetches every backend row and applies it locally. Applying the same
// rows twice changes nothing.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	return e.pull(ctx, "pull", e.backend.GetAll)
}

// PullIdentity applies the backend rows of one student.
func (e *Engine) PullIdentity(ctx context.Context, name, dob, school string) (PullResult, error) {
	return e.pull(ctx, "pull_identity", func(ctx context.Context) ([]remote.Record, error) {
		return e.backend.Search(ctx, name, dob, school)
	})
}

func (e *Engine) pull(ctx context.Context, op string, fetch func(context.Context) ([]remote.Record, error)) (PullResult, error) {
	if !e.pulling.CompareAndSwap(false, true) {
		e.metrics.Run(op, "skipped", 0)
		return PullResult{Skipped: true}, nil
	}
	defer e.pulling.Store(false)

	start := time.Now()
	recs, err := fetch(ctx)
	var res PullResult
	if err == nil {
		res, err = e.apply(ctx, recs)
	}

	result := "ok"
	if err != nil {
		result = "error"
		res = PullResult{}
	}
	e.metrics.Run(op, result, time.Since(start))
	e.metrics.Pulled("student", res.Students)
	e.metrics.Pulled("exam", res.Exams)

	e.mu.Lock()
	e.status.LastPull = res
	e.status.LastPullAt = time.Now()
	e.status.PullError = ""
	if err != nil {
		e.status.PullError = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Warn(op+" failed", zap.Error(err))
		return res, err
	}
	e.log.Info(op+" finished",
		zap.Int("rows", len(recs)),
		zap.Int("students", res.Students),
		zap.Int("exams", res.Exams),
		zap.Int("rejected", res.Rejected),
	)
	return res, nil
}

type group struct {
	student dental.Student
	at      time.Time
	exams   []dental.Exam
}

// apply groups rows by natural key, keeps the student details of the latest
// row per group and imports every exam with de-duplication. The batch is
// written in one transaction.
func (e *Engine) apply(ctx context.Context, recs []remote.Record) (PullResult, error) {
	var res PullResult
	loc := e.resolver.Location()
	groups := make(map[string]*group)
	var order []string
	for i, rec := range recs {
		in, err := remote.Decode(rec, loc)
		if err != nil {
			res.Rejected++
			e.log.Debug("skip backend row", zap.Int("row", i), zap.Error(err))
			continue
		}
		key := in.Student.Key().String()
		g, ok := groups[key]
		if !ok {
			g = &group{student: in.Student, at: in.At}
			groups[key] = g
			order = append(order, key)
		} else if !in.At.Before(g.at) {
			g.student, g.at = in.Student, in.At
		}
		if in.Exam != nil {
			g.exams = append(g.exams, *in.Exam)
		}
	}
	if len(order) == 0 {
		return res, nil
	}

	err := e.store.Update(ctx, func(tx *store.Tx) error {
		for _, key := range order {
			g := groups[key]
			s, err := e.resolver.UpsertFromRemoteTx(ctx, tx, g.student)
			if errors.Is(err, identity.ErrInvalidStudent) {
				res.Rejected += 1 + len(g.exams)
				continue
			}
			if err != nil {
				return err
			}
			res.Students++
			for _, exam := range g.exams {
				imported, err := ledger.ImportRemoteTx(ctx, tx, s.ID, exam)
				if err != nil {
					return err
				}
				if imported {
					res.Exams++
				}
			}
		}
		return nil
	})
	if err != nil {
		return PullResult{}, err
	}
	return res, nil
}

// Status returns the last recorded sync state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}
