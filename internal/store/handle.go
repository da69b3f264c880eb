package store

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Handle owns the process-wide store connection. It opens lazily, shares one
// in-flight initialization between concurrent callers and can be reset after
// a close or version change.
type Handle struct {
	opts  Options
	log   *zap.Logger
	group singleflight.Group
	open  func(context.Context, Options, *zap.Logger) (*DB, error)

	mu sync.Mutex
	db *DB
}

// NewHandle returns an unopened handle.
func NewHandle(opts Options, log *zap.Logger) *Handle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handle{opts: opts, log: log, open: Open}
}

// Open returns the shared DB, initializing it on first use. The
// initialization is detached from ctx so one caller giving up does not fail
// the others waiting on it; ctx only bounds how long this caller waits.
func (h *Handle) Open(ctx context.Context) (*DB, error) {
	if db := h.current(); db != nil {
		return db, nil
	}
	octx := context.WithoutCancel(ctx)
	ch := h.group.DoChan("open", func() (any, error) {
		if db := h.current(); db != nil {
			return db, nil
		}
		db, err := h.open(octx, h.opts, h.log)
		if err != nil {
			h.log.Error("store open failed", zap.String("driver", h.opts.Driver), zap.Error(err))
			return nil, err
		}
		h.mu.Lock()
		h.db = db
		h.mu.Unlock()
		h.log.Info("store opened",
			zap.String("driver", h.opts.Driver),
			zap.String("namespace", h.opts.Namespace),
			zap.Int("version", h.opts.Version),
		)
		return db, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			h.log.Debug("joined in-flight store open")
		}
		return r.Val.(*DB), nil
	}
}

// Reset closes the current connection and returns the handle to its
// unopened state.
func (h *Handle) Reset() error {
	h.mu.Lock()
	db := h.db
	h.db = nil
	h.mu.Unlock()
	return db.Close()
}

func (h *Handle) current() *DB {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db
}

// View opens the store if needed and runs fn in a read transaction.
func (h *Handle) View(ctx context.Context, fn func(*Tx) error) error {
	db, err := h.Open(ctx)
	if err != nil {
		return err
	}
	return db.View(ctx, fn)
}

// Update opens the store if needed and runs fn in a write transaction.
func (h *Handle) Update(ctx context.Context, fn func(*Tx) error) error {
	db, err := h.Open(ctx)
	if err != nil {
		return err
	}
	return db.Update(ctx, fn)
}

// Ping opens the store if needed and checks the connection.
func (h *Handle) Ping(ctx context.Context) error {
	db, err := h.Open(ctx)
	if err != nil {
		return err
	}
	return db.Client.PingContext(ctx)
}
