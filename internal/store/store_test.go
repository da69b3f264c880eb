package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dentalsync/internal/dental"
)

type pendingDoc struct {
	ID        int64  `json:"id"`
	StudentID int64  `json:"studentId"`
	ExamID    int64  `json:"examId"`
	Timestamp string `json:"timestamp"`
	Synced    bool   `json:"synced"`
}

func (p *pendingDoc) DocID() int64      { return p.ID }
func (p *pendingDoc) SetDocID(id int64) { p.ID = id }

func testOptions(t *testing.T, version int) Options {
	t.Helper()
	return Options{
		Driver:           DriverSQLite,
		DSN:              filepath.Join(t.TempDir(), "field", "DentalOfflineDB.db"),
		Namespace:        "DentalOfflineDB",
		Version:          version,
		PreserveUnsynced: true,
	}
}

func openTest(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Open(context.Background(), opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func student(name string) *dental.Student {
	s := &dental.Student{Name: name, DOB: "05/01/2015", School: "Rizal ES"}
	s.NaturalKey = s.Key().String()
	return s
}

func TestPut_InsertThenUpsert(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, testOptions(t, 1))

	s := student("Juan Dela Cruz")
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		id, err := tx.Put(ctx, Students, s)
		require.NoError(t, err)
		assert.Positive(t, id)
		assert.Equal(t, id, s.ID)
		return nil
	}))

	s.ContactNumber = "0917"
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		id, err := tx.Put(ctx, Students, s)
		require.NoError(t, err)
		assert.Equal(t, s.ID, id)
		return nil
	}))

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		var got dental.Student
		require.NoError(t, tx.Get(ctx, Students, s.ID, &got))
		assert.Equal(t, "0917", got.ContactNumber)
		assert.Equal(t, s.ID, got.ID)

		n, err := tx.Count(ctx, Students)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
}

func TestGetAllByIndex(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, testOptions(t, 1))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		for _, school := range []string{"Rizal ES", "Mabini ES"} {
			s := student("Ana")
			s.School = school
			s.NaturalKey = s.Key().String()
			if _, err := tx.Put(ctx, Students, s); err != nil {
				return err
			}
		}
		if _, err := tx.Put(ctx, Students, student("Ben")); err != nil {
			return err
		}
		exam := &dental.Exam{StudentID: 1, Synced: false}
		_, err := tx.Put(ctx, Exams, exam)
		return err
	}))

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		anas, err := GetAllByIndex[dental.Student](ctx, tx, Students, "name", "Ana")
		require.NoError(t, err)
		assert.Len(t, anas, 2)
		assert.Less(t, anas[0].ID, anas[1].ID)

		unsynced, err := GetAllByIndex[dental.Exam](ctx, tx, Exams, "synced", false)
		require.NoError(t, err)
		assert.Len(t, unsynced, 1)

		n, err := tx.CountByIndex(ctx, Exams, "student_id", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = GetAllByIndex[dental.Student](ctx, tx, Students, "nope", "x")
		assert.ErrorIs(t, err, ErrUnknownIndex)
		return nil
	}))
}

func TestNaturalKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, testOptions(t, 1))

	err := db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.Put(ctx, Students, student("Juan")); err != nil {
			return err
		}
		_, err := tx.Put(ctx, Students, student("Juan"))
		return err
	})
	assert.ErrorIs(t, err, ErrTransactionFailed)

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		n, err := tx.Count(ctx, Students)
		require.NoError(t, err)
		assert.Zero(t, n, "failed transaction must roll back")
		return nil
	}))
}

func TestGet_NotFoundAndDelete(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, testOptions(t, 1))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		var s dental.Student
		assert.ErrorIs(t, tx.Get(ctx, Students, 42, &s), ErrNotFound)

		st := student("Ana")
		if _, err := tx.Put(ctx, Students, st); err != nil {
			return err
		}
		require.NoError(t, tx.Delete(ctx, Students, st.ID))
		require.NoError(t, tx.Delete(ctx, Students, st.ID))
		assert.ErrorIs(t, tx.Get(ctx, Students, st.ID, &s), ErrNotFound)
		return nil
	}))
}

func TestHandle_ConcurrentOpenSharesInitialization(t *testing.T) {
	opts := testOptions(t, 1)
	h := NewHandle(opts, zap.NewNop())

	var opens atomic.Int32
	release := make(chan struct{})
	h.open = func(ctx context.Context, o Options, log *zap.Logger) (*DB, error) {
		opens.Add(1)
		<-release
		return Open(ctx, o, log)
	}
	t.Cleanup(func() { _ = h.Reset() })

	var wg sync.WaitGroup
	results := make([]*DB, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := h.Open(context.Background())
			assert.NoError(t, err)
			results[i] = db
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), opens.Load())
	for _, db := range results {
		assert.Same(t, results[0], db)
	}

	require.NoError(t, h.Reset())
	db, err := h.Open(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, results[0], db)
	assert.Equal(t, int32(2), opens.Load())
}

func TestHandle_OpenOutlivesFirstCallerContext(t *testing.T) {
	h := NewHandle(testOptions(t, 1), zap.NewNop())

	var opens atomic.Int32
	release := make(chan struct{})
	h.open = func(ctx context.Context, o Options, log *zap.Logger) (*DB, error) {
		opens.Add(1)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Open(ctx, o, log)
	}
	t.Cleanup(func() { _ = h.Reset() })

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.Open(firstCtx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return opens.Load() == 1 }, time.Second, 5*time.Millisecond)

	secondDone := make(chan *DB, 1)
	go func() {
		db, err := h.Open(context.Background())
		assert.NoError(t, err)
		secondDone <- db
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	db := <-secondDone
	require.NotNil(t, db)
	again, err := h.Open(context.Background())
	require.NoError(t, err)
	assert.Same(t, db, again)
	assert.Equal(t, int32(1), opens.Load())
}

func TestHandle_OpenFailureIsStorageUnavailable(t *testing.T) {
	h := NewHandle(Options{Driver: "bogus"}, zap.NewNop())
	_, err := h.Open(context.Background())
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	err = h.Update(context.Background(), func(*Tx) error { return nil })
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, h.Ping(context.Background()), ErrStorageUnavailable)
}

func TestHandle_Ping(t *testing.T) {
	h := NewHandle(testOptions(t, 1), zap.NewNop())
	t.Cleanup(func() { _ = h.Reset() })
	require.NoError(t, h.Ping(context.Background()))
}

func seedForUpgrade(t *testing.T, db *DB) (keep *dental.Student, gone *dental.Student) {
	t.Helper()
	ctx := context.Background()
	keep, gone = student("Keep"), student("Gone")
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.Put(ctx, Students, keep); err != nil {
			return err
		}
		if _, err := tx.Put(ctx, Students, gone); err != nil {
			return err
		}
		unsynced := &dental.Exam{StudentID: keep.ID, VisitedAt: time.Now()}
		if _, err := tx.Put(ctx, Exams, unsynced); err != nil {
			return err
		}
		synced := &dental.Exam{StudentID: gone.ID, VisitedAt: time.Now(), Synced: true}
		if _, err := tx.Put(ctx, Exams, synced); err != nil {
			return err
		}
		_, err := tx.Put(ctx, Pending, &pendingDoc{StudentID: keep.ID, ExamID: unsynced.ID, Timestamp: "t"})
		return err
	}))
	return keep, gone
}

func TestVersionBump_PreservesUnsynced(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, 1)
	db, err := Open(ctx, opts, zap.NewNop())
	require.NoError(t, err)
	keep, gone := seedForUpgrade(t, db)
	require.NoError(t, db.Close())

	opts.Version = 2
	db = openTest(t, opts)

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		students, err := GetAll[dental.Student](ctx, tx, Students)
		require.NoError(t, err)
		require.Len(t, students, 1)
		assert.Equal(t, keep.ID, students[0].ID)
		assert.Equal(t, keep.NaturalKey, students[0].NaturalKey)

		exams, err := GetAll[dental.Exam](ctx, tx, Exams)
		require.NoError(t, err)
		require.Len(t, exams, 1)
		assert.False(t, exams[0].Synced)

		pending, err := GetAllByIndex[pendingDoc](ctx, tx, Pending, "synced", false)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, exams[0].ID, pending[0].ExamID)

		var s dental.Student
		assert.ErrorIs(t, tx.Get(ctx, Students, gone.ID, &s), ErrNotFound)
		return nil
	}))

	// New inserts must not collide with carried ids.
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		fresh := student("Fresh")
		_, err := tx.Put(ctx, Students, fresh)
		require.NoError(t, err)
		assert.Greater(t, fresh.ID, keep.ID)
		return nil
	}))
}

func TestVersionBump_WithoutPreserveWipes(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, 1)
	opts.PreserveUnsynced = false
	db, err := Open(ctx, opts, zap.NewNop())
	require.NoError(t, err)
	seedForUpgrade(t, db)
	require.NoError(t, db.Close())

	opts.Version = 2
	db = openTest(t, opts)
	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		for _, c := range Schema {
			n, err := tx.Count(ctx, c)
			require.NoError(t, err)
			assert.Zero(t, n, c.Name)
		}
		return nil
	}))
}

func TestSameVersionKeepsData(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, 3)
	db, err := Open(ctx, opts, zap.NewNop())
	require.NoError(t, err)
	seedForUpgrade(t, db)
	require.NoError(t, db.Close())

	db = openTest(t, opts)
	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		n, err := tx.Count(ctx, Exams)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	}))
}

func TestPut_DriverErrorIsTransactionFailed(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := NewFromSQL(sqlDB, DriverSQLite, nil, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO students`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = db.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.Put(context.Background(), Students, student("Ana"))
		return err
	})
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_CommitFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := NewFromSQL(sqlDB, DriverPgx, nil, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM pending WHERE id = \$1`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err = db.Update(context.Background(), func(tx *Tx) error {
		return tx.Delete(context.Background(), Pending, 7)
	})
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_PanicRollsBack(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := NewFromSQL(sqlDB, DriverSQLite, nil, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "boom", func() {
		_ = db.Update(context.Background(), func(*Tx) error { panic("boom") })
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_PanicReleasesConnection(t *testing.T) {
	db := openTest(t, testOptions(t, 1))

	assert.Panics(t, func() {
		_ = db.Update(context.Background(), func(tx *Tx) error {
			if _, err := tx.Put(context.Background(), Students, student("Half Written")); err != nil {
				return err
			}
			panic("boom")
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		_, err := tx.Put(ctx, Students, student("Next"))
		return err
	}))
	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		n, err := tx.Count(ctx, Students)
		assert.Equal(t, 1, n)
		return err
	}))
}

func TestRebind(t *testing.T) {
	pg, err := dialectFor(DriverPgx)
	require.NoError(t, err)
	assert.Equal(t, "SELECT doc FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT doc FROM t WHERE a = ? AND b = ?"))

	lite, err := dialectFor(DriverSQLite)
	require.NoError(t, err)
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
