// Package app wires the relay server runtime: config, logging, storage
// backends, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"relay/cmd/internal/notify"
	"relay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the relay server runtime: it owns the HTTP server, the broker and
// every backend the broker was wired to.
type App struct {
	cfg     Config
	log     Logger
	started time.Time

	dbPool   *pgxpool.Pool
	registry *prometheus.Registry
	broker   *realtime.Broker
	ws       *realtime.WSGateway
	store    notify.Store

	// closers release backends in reverse order of acquisition.
	closers []func() error
}

// New constructs a fully wired App from cfg.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	a := &App{cfg: cfg, log: log, started: time.Now()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	if a.cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		a.dbPool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.log.Info("db.enabled", "schema", a.cfg.DBSchema)
	} else {
		a.log.Info("db.disabled")
	}

	sink, err := a.newSink(ctx)
	if err != nil {
		return err
	}

	var dir realtime.Directory
	if a.dbPool != nil && a.cfg.DirectoryEnabled {
		pd, err := realtime.NewPostgresDirectory(a.dbPool, realtime.WithDirectorySchema(a.cfg.DBSchema))
		if err != nil {
			return fmt.Errorf("directory: %w", err)
		}
		dir = pd
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.broker = realtime.NewBroker(realtime.BrokerConfig{
		Logger:                     a.log,
		Metrics:                    realtime.NewMetrics(a.registry),
		Sink:                       sink,
		Directory:                  dir,
		MaxMessagesPerConversation: a.cfg.MaxMessagesPerConversation,
	})
	a.ws = realtime.NewWSGateway(a.log, a.broker, a.gatewayOptions())
	return nil
}

// newSink selects the notification backend. Queryable backends also become
// a.store for the /v1/notifications read endpoints.
func (a *App) newSink(ctx context.Context) (notify.Sink, error) {
	switch a.cfg.NotifySink {
	case SinkNone:
		a.log.Info("notify.sink", "kind", SinkNone)
		return nil, nil

	case SinkMemory, "":
		s := notify.NewMemoryStore()
		a.store = s
		a.log.Info("notify.sink", "kind", SinkMemory)
		return s, nil

	case SinkSQLite:
		s, err := notify.NewSQLiteStore(ctx, a.cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("notify sqlite: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
		a.log.Info("notify.sink", "kind", SinkSQLite, "path", a.cfg.SQLitePath)
		return s, nil

	case SinkPostgres:
		if a.dbPool == nil {
			return nil, errors.New("notify postgres: database is not configured")
		}
		s, err := notify.NewPostgresStore(a.dbPool, notify.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return nil, fmt.Errorf("notify postgres: %w", err)
		}
		if a.cfg.DBEnsureSchema {
			if err := s.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("notify postgres: ensure schema: %w", err)
			}
		}
		a.store = s
		a.log.Info("notify.sink", "kind", SinkPostgres, "schema", a.cfg.DBSchema)
		return s, nil

	case SinkNATS:
		s, err := notify.NewNATSSink(ctx, notify.NATSConfig{
			URL:           a.cfg.NATSURL,
			Stream:        a.cfg.NATSStream,
			SubjectPrefix: a.cfg.NATSSubjectPrefix,
			MaxAge:        a.cfg.NATSMaxAge,
		})
		if err != nil {
			return nil, fmt.Errorf("notify nats: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.log.Info("notify.sink", "kind", SinkNATS, "stream", a.cfg.NATSStream)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown notify sink %q", a.cfg.NotifySink)
	}
}

func (a *App) gatewayOptions() realtime.GatewayOptions {
	return realtime.GatewayOptions{
		OriginRequired:    a.cfg.WSOriginRequired,
		AllowedOrigins:    a.cfg.WSAllowedOrigins,
		DevInsecure:       a.cfg.WSDevInsecure,
		WriteTimeout:      a.cfg.WSWriteTimeout,
		ReadIdleTimeout:   a.cfg.WSReadIdleTimeout,
		SendQueueSize:     a.cfg.WSSendQueueSize,
		HeartbeatInterval: a.cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  a.cfg.WSHeartbeatTimeout,
		RateEvents:        a.cfg.WSRateEvents,
		RateWindow:        a.cfg.WSRateWindow,
	}
}

// Handler returns the full HTTP surface with request logging.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, httpDeps{
		log:      a.log,
		cfg:      a.cfg,
		dbPool:   a.dbPool,
		broker:   a.broker,
		ws:       a.ws,
		store:    a.store,
		registry: a.registry,
		started:  a.started,
	})
	return WithRequestLogging(mux, a.log)
}

// Run serves HTTP until ctx is cancelled or the server fails, then shuts
// down and releases every backend.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"notify_sink", a.cfg.NotifySink,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if cerr := a.Close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}
	a.log.Info("server.stopped")
	return err
}

// Close releases backends. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard hosts become the loopback address.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
