package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"dentalsync/internal/clinic"
	"dentalsync/internal/config"
	"dentalsync/internal/connectivity"
	"dentalsync/internal/identity"
	"dentalsync/internal/ledger"
	"dentalsync/internal/metrics"
	"dentalsync/internal/outbox"
	"dentalsync/internal/queue"
	"dentalsync/internal/remote"
	"dentalsync/internal/store"
	"dentalsync/internal/syncer"
)

// App is the wired field core shared by the api and worker binaries.
type App struct {
	Config   config.App
	Store    *store.Handle
	Redis    *store.Redis
	Queue    queue.Queue
	Remote   *remote.Client
	Engine   *syncer.Engine
	Monitor  *connectivity.Monitor
	Clinic   *clinic.Service
	Registry *prometheus.Registry
	Log      *zap.Logger
}

// New wires every component from cfg. Nothing is opened or contacted yet;
// the store opens on first use and the monitor probes once running.
func New(cfg config.App, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	h := store.NewHandle(store.Options{
		Driver:           cfg.StoreDriver,
		DSN:              cfg.StoreDSN,
		Namespace:        cfg.StoreNamespace,
		Version:          cfg.StoreVersion,
		PreserveUnsynced: cfg.PreserveUnsynced,
	}, log.Named("store"))

	a := &App{Config: cfg, Store: h, Registry: reg, Log: log}

	switch cfg.QueueBackend {
	case "memory", "":
		a.Queue = queue.NewInMemory(64)
	case "redis":
		a.Redis = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		a.Queue = queue.NewRedisQueue(a.Redis.Client, cfg.QueueKey, log.Named("queue"))
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	a.Remote = remote.New(remote.Options{
		URL:           cfg.RemoteURL,
		Timeout:       cfg.RemoteTimeout,
		RatePerMinute: cfg.RemoteRatePerMin,
	}, log.Named("remote"))

	ob := outbox.New(h, log.Named("outbox"))
	res := identity.New(h, ob, cfg.DOBTimezone, log.Named("identity"))
	a.Engine = syncer.New(a.Remote, h, ob, res, met, log.Named("sync"))

	var prober connectivity.Prober
	if cfg.RemoteURL != "" {
		prober = a.Remote
	} else {
		log.Warn("REMOTE_URL not set, staying offline")
	}
	a.Monitor = connectivity.New(a.Engine, prober, a.Queue, met, connectivity.Options{
		StartupDelay:  cfg.StartupDelay,
		SettleDelay:   cfg.SettleDelay,
		ProbeInterval: cfg.ProbeInterval,
	}, log.Named("connectivity"))

	a.Clinic = clinic.NewService(h, res, ledger.New(h, log.Named("ledger")), ob, a.Engine, a.Monitor, log.Named("clinic"))
	return a, nil
}

// Health runs the dependency checks reported by /healthz.
func (a *App) Health(ctx context.Context) map[string]bool {
	checks := map[string]bool{"store": a.Store.Ping(ctx) == nil}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Healthy(ctx)
	}
	return checks
}

// Close releases the store and redis connections.
func (a *App) Close() error {
	return errors.Join(a.Store.Reset(), a.Redis.Close())
}
