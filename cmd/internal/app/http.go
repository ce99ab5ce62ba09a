package app

import (
	"net/http"
	"time"

	"relay/cmd/internal/notify"
	"relay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type httpDeps struct {
	log      Logger
	cfg      Config
	dbPool   *pgxpool.Pool
	broker   *realtime.Broker
	ws       *realtime.WSGateway
	store    notify.Store
	registry *prometheus.Registry
	started  time.Time
}

type statusResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	OnlineUsers   int    `json:"onlineUsers"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func registerHTTP(mux *http.ServeMux, d httpDeps) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && d.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if d.dbPool != nil {
			if err := PingDB(r.Context(), d.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Status:        "ok",
			Service:       "relay",
			OnlineUsers:   d.broker.OnlineCount(),
			UptimeSeconds: int64(time.Since(d.started).Seconds()),
		})
	})

	if d.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
	}

	api := http.NewServeMux()
	(&notificationsAPI{log: d.log, broker: d.broker, store: d.store}).register(api)
	mux.Handle("/v1/", WithSecurityHeaders(WithCORS(requireAPIToken(api, d.cfg.APIToken), d.cfg, d.log)))

	mux.Handle("/ws", d.ws)
}
