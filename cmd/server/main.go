package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/kernelbroker/internal/adminclient"
	"github.com/ocx/kernelbroker/internal/config"
	"github.com/ocx/kernelbroker/internal/engine"
	"github.com/ocx/kernelbroker/internal/events"
	"github.com/ocx/kernelbroker/internal/metrics"
	"github.com/ocx/kernelbroker/internal/pool"
	"github.com/ocx/kernelbroker/internal/progresshub"
	"github.com/ocx/kernelbroker/internal/session"
	"github.com/ocx/kernelbroker/internal/toolbridge"
)

func main() {
	cfg := config.Get()
	slog.Info("starting kernel execution broker", "env", cfg.Server.Env, "port", cfg.Server.Port)

	host, err := buildKernelHost(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to build kernel host", "error", err)
		os.Exit(1)
	}

	store := buildKernelStore(cfg)

	p := pool.New(pool.Config{
		MinKernels:          cfg.Kernel.MinKernels,
		MaxKernels:          cfg.Kernel.MaxKernels,
		HealthCheckInterval: cfg.Kernel.HealthCheckInterval(),
		MaxRetryAttempts:    cfg.Execution.MaxRetryAttempts,
		KernelTimeout:       cfg.Kernel.KernelTimeout(),
	}, host, store)

	reg := prometheus.NewRegistry()
	var collectors *metrics.Collectors
	if cfg.Metrics.Enabled {
		collectors = metrics.New(reg)
		p.SetMetrics(collectors)
	}

	bus := events.NewEventBus()
	var emitter events.EventEmitter = bus
	if cfg.Events.PubSubEnabled {
		pubsubBus, err := events.NewPubSubEventBus(cfg.Events.PubSubProjectID, cfg.Events.PubSubTopicID)
		if err != nil {
			slog.Warn("failed to connect pubsub event bus, falling back to in-memory only", "error", err)
		} else {
			emitter = pubsubBus
			defer pubsubBus.Close()
		}
	}
	p.SetEvents(emitter)

	dialer := &engine.WSDialer{
		WSBase:       cfg.WebSocket.BaseURL,
		PingInterval: cfg.WebSocket.PingInterval(),
		PingTimeout:  cfg.WebSocket.PingTimeout(),
	}
	e := engine.New(p, dialer, engine.Config{
		MaxRetryAttempts: cfg.Execution.MaxRetryAttempts,
		RetryBackoffBase: cfg.Execution.RetryBackoffBase,
		Session: session.Options{
			WSTimeout:             cfg.WebSocket.Timeout(),
			ActiveRecvTimeout:     cfg.WebSocket.ActiveRecvTimeout(),
			NoActivityRecvTimeout: cfg.WebSocket.NoActivityRecvTimeout(),
			NoActivityThreshold:   cfg.WebSocket.NoActivityThreshold(),
		},
	})
	e.SetEvents(emitter)
	if collectors != nil {
		e.SetMetrics(collectors)
	}

	hub := progresshub.New()
	go hub.Run()

	bridge := toolbridge.New(e, p)

	router := newRouter(p, bridge, hub, reg, cfg, host, emitter)

	srv := &http.Server{
		Addr:         cfg.Server.Interface + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(srv, p, cfg)
}

func buildKernelHost(ctx context.Context, cfg *config.Config) (adminclient.KernelHost, error) {
	switch cfg.Kernel.Backend {
	case "docker":
		return adminclient.NewDockerKernelHost(ctx, cfg.Kernel.DockerImage, 8888)
	default:
		return adminclient.NewHTTPKernelAdmin(cfg.Kernel.HostBaseURL, cfg.WebSocket.BaseURL), nil
	}
}

func buildKernelStore(cfg *config.Config) adminclient.PersistedKernelStore {
	if cfg.Persistence.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Persistence.RedisAddr})
		return adminclient.NewRedisKernelStore(client, cfg.Persistence.RedisKey, 0)
	}
	return adminclient.NewFileKernelStore(cfg.Persistence.FilePath)
}

// breakerReporter is satisfied by any KernelHost that exposes its
// circuit breaker states (HTTPKernelAdmin, DockerKernelHost); it is not
// part of the KernelHost contract itself since not every host backend
// needs a breaker.
type breakerReporter interface {
	BreakerStatus() map[string]string
}

// eventStatsReporter is satisfied by *events.PubSubEventBus; the plain
// in-memory *events.EventBus has nothing beyond SubscriberCount to add
// to /stats, so it does not implement this.
type eventStatsReporter interface {
	MarshalStats() map[string]interface{}
}

func newRouter(p *pool.Pool, bridge *toolbridge.Bridge, hub *progresshub.Hub, reg *prometheus.Registry, cfg *config.Config, host adminclient.KernelHost, emitter events.EventEmitter) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats := map[string]interface{}{
			"pool":      p.Stats(),
			"dashboard": hub.Stats(),
		}
		if reporter, ok := host.(breakerReporter); ok {
			stats["admin_circuit_breakers"] = reporter.BreakerStatus()
		}
		if reporter, ok := emitter.(eventStatsReporter); ok {
			stats["events"] = reporter.MarshalStats()
		}
		writeJSON(w, http.StatusOK, stats)
	}).Methods(http.MethodGet)

	if sub, ok := emitter.(events.Subscriber); ok {
		r.HandleFunc("/events", events.HandleSSEStream(sub)).Methods(http.MethodGet)
	}

	r.HandleFunc("/execute", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		executionID := uuid.New().String()
		sink := hub.ForExecution(executionID)
		result := bridge.ExecuteCode(req.Context(), body.Code, sink)
		writeJSON(w, http.StatusOK, map[string]string{"execution_id": executionID, "result": result})
	}).Methods(http.MethodPost)

	r.HandleFunc("/ws/progress", hub.HandleWebSocket)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func waitForShutdown(srv *http.Server, p *pool.Pool, cfg *config.Config) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
	p.Shutdown(ctx)
}
