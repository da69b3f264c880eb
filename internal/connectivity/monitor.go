package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dentalsync/internal/metrics"
	"dentalsync/internal/queue"
	"dentalsync/internal/syncer"
)

// ErrOffline is returned by SyncNow while the backend is unreachable.
var ErrOffline = errors.New("offline")

// Syncer runs the two halves of a sync pass.
type Syncer interface {
	Push(ctx context.Context) (syncer.PushResult, error)
	Pull(ctx context.Context) (syncer.PullResult, error)
}

// Prober checks whether the backend answers.
type Prober interface {
	Probe(ctx context.Context) error
}

// Options tunes the monitor's timers. Zero values fall back to defaults;
// a negative ProbeInterval disables probing.
type Options struct {
	InitiallyOnline bool
	StartupDelay    time.Duration
	SettleDelay     time.Duration
	ProbeInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.StartupDelay == 0 {
		o.StartupDelay = 3 * time.Second
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 2 * time.Second
	}
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 30 * time.Second
	}
	return o
}

// Monitor tracks whether the backend is reachable and runs a push then a
// pull when it becomes reachable. While offline nothing is attempted.
type Monitor struct {
	sync    Syncer
	prober  Prober
	queue   queue.Queue
	metrics *metrics.Sync
	opts    Options
	log     *zap.Logger

	online atomic.Bool
	wake   chan struct{}
	manual chan struct{}
}

// New builds a monitor. prober, q and met may be nil.
func New(s Syncer, prober Prober, q queue.Queue, met *metrics.Sync, opts Options, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	mon := &Monitor{
		sync:    s,
		prober:  prober,
		queue:   q,
		metrics: met,
		opts:    opts.withDefaults(),
		log:     log,
		wake:    make(chan struct{}, 1),
		manual:  make(chan struct{}, 1),
	}
	mon.online.Store(opts.InitiallyOnline)
	met.Online(opts.InitiallyOnline)
	return mon
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool { return m.online.Load() }

// Set records an external connectivity signal. An offline to online
// transition schedules a sync pass; it reports whether the state changed.
func (m *Monitor) Set(online bool) bool {
	was := m.online.Swap(online)
	if was == online {
		return false
	}
	m.metrics.Online(online)
	m.log.Info("connectivity changed", zap.Bool("online", online))
	if online {
		signal(m.wake)
	}
	return true
}

// RequestSync asks the running monitor for an immediate pass.
func (m *Monitor) RequestSync() { signal(m.manual) }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// SyncNow runs a pass on the caller's goroutine.
func (m *Monitor) SyncNow(ctx context.Context) (syncer.PushResult, syncer.PullResult, error) {
	if !m.Online() {
		return syncer.PushResult{}, syncer.PullResult{}, ErrOffline
	}
	return m.pass(ctx)
}

func (m *Monitor) pass(ctx context.Context) (syncer.PushResult, syncer.PullResult, error) {
	push, err := m.sync.Push(ctx)
	if err != nil {
		m.log.Warn("push failed", zap.Error(err))
	}
	pull, perr := m.sync.Pull(ctx)
	if perr != nil {
		m.log.Warn("pull failed", zap.Error(perr))
	}
	return push, pull, errors.Join(err, perr)
}

// Run drives the monitor until ctx is done: the startup pass, probing,
// queued signals and scheduled passes.
func (m *Monitor) Run(ctx context.Context) error {
	var msgs <-chan queue.Message
	if m.queue != nil {
		ch, err := m.queue.Consume(ctx)
		if err != nil {
			return err
		}
		msgs = ch
	}
	defer func() {
		if msgs != nil {
			for range msgs {
			}
		}
	}()

	startup := time.NewTimer(m.opts.StartupDelay)
	defer startup.Stop()

	var probe <-chan time.Time
	if m.prober != nil && m.opts.ProbeInterval > 0 {
		ticker := time.NewTicker(m.opts.ProbeInterval)
		defer ticker.Stop()
		probe = ticker.C
	}

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	started := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-startup.C:
			started = true
			if m.prober != nil {
				m.online.Store(m.prober.Probe(ctx) == nil)
				m.metrics.Online(m.Online())
			}
			if m.Online() {
				m.log.Info("startup sync")
				m.pass(ctx)
			}
			drain(m.wake)

		case <-probe:
			m.Set(m.prober.Probe(ctx) == nil)

		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			switch msg.Type {
			case queue.TypeOnline:
				m.Set(true)
			case queue.TypeOffline:
				m.Set(false)
			case queue.TypeSync:
				signal(m.manual)
			default:
				m.log.Debug("ignore queue message", zap.String("type", msg.Type))
			}

		case <-m.wake:
			if started {
				settle.Reset(m.opts.SettleDelay)
			}

		case <-settle.C:
			if m.Online() {
				m.pass(ctx)
			}

		case <-m.manual:
			if m.Online() {
				m.pass(ctx)
			} else {
				m.log.Info("sync requested while offline")
			}
		}
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
