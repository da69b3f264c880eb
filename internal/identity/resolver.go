package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"dentalsync/internal/dental"
	"dentalsync/internal/outbox"
	"dentalsync/internal/store"
)

// ErrInvalidStudent wraps validation failures on a student payload.
var ErrInvalidStudent = errors.New("invalid student")

// Resolver maps (name, date of birth, school) to one local student record.
// Twins sharing all three are treated as one student.
type Resolver struct {
	store    *store.Handle
	outbox   *outbox.Outbox
	validate *validator.Validate
	loc      *time.Location
	log      *zap.Logger
	now      func() time.Time
}

// New builds a resolver. loc is the zone date-of-birth timestamps are read in.
func New(h *store.Handle, ob *outbox.Outbox, loc *time.Location, log *zap.Logger) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store:    h,
		outbox:   ob,
		validate: validator.New(),
		loc:      loc,
		log:      log,
		now:      time.Now,
	}
}

// Location returns the zone used for date-of-birth normalization.
func (r *Resolver) Location() *time.Location { return r.loc }

// Key normalizes the identity triple.
func (r *Resolver) Key(name string, dob any, school string) (dental.Key, error) {
	return dental.NewKey(name, dob, school, r.loc)
}

// ResolveOrNull finds the student by identity. It returns nil, nil when no
// student matches.
func (r *Resolver) ResolveOrNull(ctx context.Context, name string, dob any, school string) (*dental.Student, error) {
	key, err := r.Key(name, dob, school)
	if err != nil {
		return nil, err
	}
	var found *dental.Student
	err = r.store.View(ctx, func(tx *store.Tx) error {
		found, err = ResolveTx(ctx, tx, key)
		return err
	})
	return found, err
}

// ResolveTx looks key up inside a caller transaction.
func ResolveTx(ctx context.Context, tx *store.Tx, key dental.Key) (*dental.Student, error) {
	matches, err := store.GetAllByIndex[dental.Student](ctx, tx, store.Students, "natural_key", key.String())
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return &matches[0], nil
}

// Resolution is the outcome of a local resolve-or-create.
type Resolution struct {
	Student dental.Student
	Created bool
	Updated bool
}

// ResolveOrCreate returns the existing student for s's identity or inserts s.
// Non-empty attributes of s overwrite the stored ones. A student save is
// queued for the backend when the record was created or changed.
func (r *Resolver) ResolveOrCreate(ctx context.Context, s dental.Student) (dental.Student, bool, error) {
	var res Resolution
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		res, err = r.ResolveOrCreateTx(ctx, tx, s)
		if err != nil {
			return err
		}
		if res.Created || res.Updated {
			_, err = r.outbox.Enqueue(ctx, tx, outbox.StudentEntry(res.Student))
		}
		return err
	})
	if err != nil {
		return dental.Student{}, false, err
	}
	return res.Student, res.Created, nil
}

// ResolveOrCreateTx is ResolveOrCreate inside a caller transaction. It does
// not queue anything.
func (r *Resolver) ResolveOrCreateTx(ctx context.Context, tx *store.Tx, s dental.Student) (Resolution, error) {
	s, err := r.normalize(s)
	if err != nil {
		return Resolution{}, err
	}
	existing, err := ResolveTx(ctx, tx, s.Key())
	if err != nil {
		return Resolution{}, err
	}

	if existing == nil {
		s.ID = 0
		s.UpdatedAt = r.now()
		if _, err := tx.Put(ctx, store.Students, &s); err != nil {
			return Resolution{}, err
		}
		r.log.Info("student created", zap.Int64("student_id", s.ID), zap.String("school", s.School))
		return Resolution{Student: s, Created: true}, nil
	}

	merged := fillFrom(*existing, s)
	if merged.SameDetails(*existing) {
		return Resolution{Student: *existing}, nil
	}
	merged.UpdatedAt = r.now()
	if _, err := tx.Put(ctx, store.Students, &merged); err != nil {
		return Resolution{}, err
	}
	return Resolution{Student: merged, Updated: true}, nil
}

// UpsertFromRemote applies a backend record: on a match the remote fields
// overwrite the local ones while the local id is kept, otherwise a new local
// record is inserted. Nothing is queued.
func (r *Resolver) UpsertFromRemote(ctx context.Context, s dental.Student) (dental.Student, error) {
	var out dental.Student
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		out, err = r.UpsertFromRemoteTx(ctx, tx, s)
		return err
	})
	return out, err
}

// UpsertFromRemoteTx is UpsertFromRemote inside a caller transaction.
func (r *Resolver) UpsertFromRemoteTx(ctx context.Context, tx *store.Tx, s dental.Student) (dental.Student, error) {
	s, err := r.normalize(s)
	if err != nil {
		return dental.Student{}, err
	}
	existing, err := ResolveTx(ctx, tx, s.Key())
	if err != nil {
		return dental.Student{}, err
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = r.now()
	}
	if existing == nil {
		s.ID = 0
	} else {
		if existing.SameDetails(s) && existing.Name == s.Name && existing.School == s.School {
			return *existing, nil
		}
		s.ID = existing.ID
	}
	if _, err := tx.Put(ctx, store.Students, &s); err != nil {
		return dental.Student{}, err
	}
	return s, nil
}

func (r *Resolver) normalize(s dental.Student) (dental.Student, error) {
	s.Name = strings.TrimSpace(s.Name)
	s.School = strings.TrimSpace(s.School)
	if err := r.validate.Struct(s); err != nil {
		return s, fmt.Errorf("%w: %w", ErrInvalidStudent, err)
	}
	dob, err := dental.NormalizeDOB(s.DOB, r.loc)
	if err != nil {
		return s, fmt.Errorf("%w: %w", ErrInvalidStudent, err)
	}
	s.DOB = dob
	s.NaturalKey = s.Key().String()
	return s, nil
}

// fillFrom copies the non-empty attributes of in over base.
func fillFrom(base, in dental.Student) dental.Student {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&base.Sex, in.Sex)
	set(&base.Age, in.Age)
	set(&base.Address, in.Address)
	set(&base.ParentName, in.ParentName)
	set(&base.ContactNumber, in.ContactNumber)
	set(&base.SystemicConditions, in.SystemicConditions)
	set(&base.AllergiesFood, in.AllergiesFood)
	set(&base.AllergiesMedicines, in.AllergiesMedicines)
	return base
}
