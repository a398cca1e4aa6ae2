package foreman

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/checkpoint"
	"github.com/crowdio/foreman/pkg/config"
	"github.com/crowdio/foreman/pkg/dispatch"
	"github.com/crowdio/foreman/pkg/events"
	"github.com/crowdio/foreman/pkg/heartbeat"
	"github.com/crowdio/foreman/pkg/job"
	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/metrics"
	"github.com/crowdio/foreman/pkg/registry"
	"github.com/crowdio/foreman/pkg/router"
	"github.com/crowdio/foreman/pkg/scheduler"
	"github.com/crowdio/foreman/pkg/storage"
	"github.com/crowdio/foreman/pkg/sweeper"
	"github.com/crowdio/foreman/pkg/transport"
	"github.com/crowdio/foreman/pkg/types"
)

// Foreman is the coordinator daemon: it owns the persistence gateway,
// the connection registry, the scheduling pipeline, and the HTTP surface
// that accepts WebSocket peers and serves read-only observability.
type Foreman struct {
	cfg    *config.Config
	store  storage.Store
	reg    *registry.Registry
	jobs   *job.Manager
	disp   *dispatch.Dispatcher
	cpm    *checkpoint.Manager
	rt     *router.Router
	hb     *heartbeat.Keeper
	sw     *sweeper.Sweeper
	broker *events.Broker
	srv    *http.Server
	logger zerolog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	// The transport is unauthenticated by design; same-origin checks
	// would only break non-browser peers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New assembles a foreman from configuration
func New(cfg *config.Config) (*Foreman, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	blobs, err := checkpoint.NewStorage(cfg.CheckpointDir, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	cpm := checkpoint.NewManager(store, blobs)
	cpm.SetCompactThreshold(cfg.CompactThreshold)
	cpm.SetResumeMaxAge(cfg.ResumeMaxAge)

	strategy, err := scheduler.New(cfg.Scheduler)
	if err != nil {
		store.Close()
		return nil, err
	}

	broker := events.NewBroker()
	reg := registry.New()
	jobs := job.NewManager(store, cfg.MaxTaskRetries)
	disp := dispatch.New(store, reg, jobs, cpm, broker, strategy)
	rt := router.New(store, reg, jobs, disp, cpm, broker)

	f := &Foreman{
		cfg:    cfg,
		store:  store,
		reg:    reg,
		jobs:   jobs,
		disp:   disp,
		cpm:    cpm,
		rt:     rt,
		hb:     heartbeat.New(reg, cfg.HeartbeatInterval),
		sw:     sweeper.New(store, cfg.SweepInterval, cfg.StallThreshold),
		broker: broker,
		logger: log.WithComponent("foreman"),
	}
	f.srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: f.routes(),
	}
	return f, nil
}

// Run starts the background loops and serves until ctx is cancelled
func (f *Foreman) Run(ctx context.Context) error {
	f.broker.Start()
	f.hb.Start()
	f.sw.Start()
	defer func() {
		f.sw.Stop()
		f.hb.Stop()
		f.broker.Stop()
		f.store.Close()
	}()

	errCh := make(chan error, 1)
	go func() {
		f.logger.Info().
			Str("listen_addr", f.cfg.ListenAddr).
			Str("scheduler", f.cfg.Scheduler).
			Msg("Foreman listening")
		if err := f.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return f.srv.Shutdown(shutdownCtx)
	}
}

// Stats snapshots the observability counters
func (f *Foreman) Stats() types.Stats {
	stats := f.reg.Stats()
	stats.ActiveJobs = f.jobs.ActiveJobs()
	return stats
}

func (f *Foreman) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", f.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Read-only observability surface
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", f.handleStats)
		r.Get("/jobs", f.handleListJobs)
		r.Get("/jobs/{id}", f.handleGetJob)
		r.Get("/jobs/{id}/tasks", f.handleJobTasks)
		r.Get("/workers", f.handleListWorkers)
		r.Get("/workers/failures", f.handleWorkerFailures)
		r.Get("/tasks/{id}/checkpoint", f.handleCheckpointInfo)
	})
	return r
}

// handleWS upgrades the connection and hands it to the router. Role
// detection happens on the first envelope.
func (f *Foreman) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	go f.rt.HandleConnection(transport.NewWSConn(ws))
}

func (f *Foreman) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, f.Stats())
}

func (f *Foreman) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs, err := f.store.ListJobs()
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, jobs)
}

func (f *Foreman) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := f.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, j)
}

func (f *Foreman) handleJobTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := f.store.GetJobTasks(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, tasks)
}

func (f *Foreman) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	workers, err := f.store.ListWorkers()
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, workers)
}

func (f *Foreman) handleWorkerFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := f.store.ListWorkerFailures(r.URL.Query().Get("worker_id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, failures)
}

func (f *Foreman) handleCheckpointInfo(w http.ResponseWriter, r *http.Request) {
	info, err := f.cpm.GetInfo(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, info)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to encode response", err)
	}
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if storage.IsNotFound(err) {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
