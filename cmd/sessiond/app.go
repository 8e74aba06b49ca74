package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/whisper/kvsessions/internal/codec"
	"github.com/whisper/kvsessions/internal/config"
	"github.com/whisper/kvsessions/internal/httpsession"
	"github.com/whisper/kvsessions/internal/kvstore"
	"github.com/whisper/kvsessions/internal/logging"
	"github.com/whisper/kvsessions/internal/messaging"
	"github.com/whisper/kvsessions/internal/metrics"
	"github.com/whisper/kvsessions/internal/ratelimit"
	"github.com/whisper/kvsessions/internal/session"
	"github.com/whisper/kvsessions/internal/sessionid"
)

// app is the wired daemon: one id manager, one session manager per context,
// and the optional cluster bus and rate limiter.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	ids      *sessionid.Manager
	managers []*session.Manager
	nats     *messaging.NATSClient
	bus      *messaging.EventBus
	rdb      *redis.Client
	limiter  *ratelimit.Limiter
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(path)
	if err != nil {
		return nil, err
	}
	return config.Load(v)
}

func idConfig(cfg *config.Config) sessionid.Config {
	return sessionid.Config{
		ServerString:   cfg.Store.ServerString,
		Timeout:        cfg.Store.Timeout(),
		ScavengePeriod: cfg.IDs.ScavengePeriod,
		KeyPrefix:      cfg.Store.KeyPrefix,
		KeySuffix:      cfg.Store.KeySuffix,
		WorkerName:     cfg.IDs.WorkerName,
		Strict:         cfg.IDs.Strict,
	}
}

// newApp connects to the backend and, when configured, to NATS and the
// rate limiting Redis. Anything opened is closed again on error.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	factory, err := kvstore.NewFactory(cfg.Store.Backend)
	if err != nil {
		return nil, err
	}

	opts := []sessionid.Option{
		sessionid.WithLogger(logger),
		sessionid.WithStoreFactory(factory),
	}
	if cfg.Cluster.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.Cluster.NATSURL
		if cfg.IDs.WorkerName != "" {
			natsCfg.Name = "kvsessions-" + cfg.IDs.WorkerName
		}
		a.nats, err = messaging.NewNATSClient(natsCfg, logger)
		if err != nil {
			return nil, err
		}
		a.bus = messaging.NewEventBus(a.nats, cfg.Cluster.Name, logger)
		opts = append(opts, sessionid.WithBroadcaster(a.bus))
	}

	a.ids = sessionid.NewManager(idConfig(cfg), opts...)
	if err := a.ids.Start(ctx); err != nil {
		return nil, fmt.Errorf("start session id manager: %w", err)
	}

	if a.bus != nil {
		if err := a.bus.Subscribe(context.WithoutCancel(ctx), a.ids.HandleClusterEvent); err != nil {
			return nil, err
		}
	}

	if cfg.RateLimit.RedisAddr != "" && cfg.RateLimit.CreatePerMinute > 0 {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		a.limiter = ratelimit.NewLimiter(a.rdb, logger)
	}
	return a, nil
}

// handler builds the router: metrics, health and one session API per context.
func (a *app) handler() (http.Handler, error) {
	c, err := codec.ByName(a.cfg.Session.Codec)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	// forwarded headers are client controlled unless a proxy rewrites them
	if a.cfg.HTTP.TrustedProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !a.ids.Started() {
			http.Error(w, "store not started", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	sc := a.cfg.Session
	for _, path := range sc.Contexts {
		mgr := session.NewManager(path, a.ids, c,
			session.WithLogger(a.logger),
			session.WithSavePeriod(sc.SaveEvery()),
			session.WithStaleDetectionPeriod(sc.StaleAfter()),
			session.WithSaveAllAttributes(sc.SaveAllAttributes),
			session.WithMaxInactiveInterval(sc.MaxInactive()),
		)
		a.managers = append(a.managers, mgr)

		mwOpts := []httpsession.Option{
			httpsession.WithLogger(a.logger),
			httpsession.WithCookie(httpsession.CookieOptions{
				Name:   a.cfg.HTTP.CookieName,
				Secure: a.cfg.HTTP.CookieSecure,
			}),
		}
		if a.limiter != nil {
			mwOpts = append(mwOpts, httpsession.WithLimiter(a.limiter, ratelimit.CreateRule(a.cfg.RateLimit.CreatePerMinute)))
		}
		r.Mount(path, httpsession.Routes(httpsession.New(mgr, mwOpts...)))
		a.logger.Info("serving context", "path", path)
	}
	return r, nil
}

func (a *app) close(ctx context.Context) {
	for _, m := range a.managers {
		m.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.ids != nil {
		if err := a.ids.Stop(ctx); err != nil {
			a.logger.Warn("stop session id manager", "error", err)
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(logging.ParseLevel(cfg.Log.Level))
}
