package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/eventlog"
	"github.com/perfectstorm-io/storm/internal/groups"
	"github.com/perfectstorm-io/storm/internal/jobs"
	"github.com/perfectstorm-io/storm/internal/liveness"
	"github.com/perfectstorm-io/storm/internal/metrics"
	"github.com/perfectstorm-io/storm/internal/store"
	"github.com/perfectstorm-io/storm/internal/websocket"
)

// RouterConfig holds the dependencies of the HTTP surface, wired in main
// and passed as one struct.
type RouterConfig struct {
	Store    *store.Store
	Database *gorm.DB
	Events   *eventlog.Log
	Groups   *groups.Engine
	Jobs     *jobs.Service
	Sweeper  *liveness.Sweeper
	Hub      *websocket.Hub
	Logger   *zap.Logger
}

// NewRouter builds the chi router with all entity routes under /v1 plus the
// operational endpoints at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agents := NewAgentHandler(cfg.Store, cfg.Sweeper, cfg.Logger)
	resources := NewResourceHandler(cfg.Store, cfg.Logger)
	groupsH := NewGroupHandler(cfg.Store, cfg.Groups, cfg.Logger)
	apps := NewApplicationHandler(cfg.Store, cfg.Logger)
	procedures := NewProcedureHandler(cfg.Store, cfg.Jobs, cfg.Logger)
	jobsH := NewJobHandler(cfg.Store, cfg.Jobs, cfg.Sweeper, cfg.Logger)
	subscriptions := NewSubscriptionHandler(cfg.Store, cfg.Logger)
	events := NewEventHandler(cfg.Events, cfg.Hub, cfg.Logger)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/agents", agents.List)
		r.Post("/agents", agents.Create)
		r.Get("/agents/{ref}", agents.Get)
		r.Put("/agents/{ref}", agents.Update)
		r.Patch("/agents/{ref}", agents.Update)
		r.Delete("/agents/{ref}", agents.Delete)
		r.Post("/agents/{ref}/heartbeat", agents.Heartbeat)

		r.Get("/resources", resources.List)
		r.Post("/resources", resources.Create)
		r.Get("/resources/{ref}", resources.Get)
		r.Put("/resources/{ref}", resources.Update)
		r.Patch("/resources/{ref}", resources.Update)
		r.Delete("/resources/{ref}", resources.Delete)

		r.Get("/groups", groupsH.List)
		r.Post("/groups", groupsH.Create)
		r.Get("/groups/{ref}", groupsH.Get)
		r.Put("/groups/{ref}", groupsH.Update)
		r.Patch("/groups/{ref}", groupsH.Update)
		r.Delete("/groups/{ref}", groupsH.Delete)
		r.Get("/groups/{ref}/members", groupsH.Members)
		r.Post("/groups/{ref}/members", groupsH.AdjustMembers)

		r.Get("/apps", apps.List)
		r.Post("/apps", apps.Create)
		r.Get("/apps/{ref}", apps.Get)
		r.Put("/apps/{ref}", apps.Update)
		r.Patch("/apps/{ref}", apps.Update)
		r.Delete("/apps/{ref}", apps.Delete)

		r.Get("/procedures", procedures.List)
		r.Post("/procedures", procedures.Create)
		r.Get("/procedures/{ref}", procedures.Get)
		r.Put("/procedures/{ref}", procedures.Update)
		r.Patch("/procedures/{ref}", procedures.Update)
		r.Delete("/procedures/{ref}", procedures.Delete)
		r.Post("/procedures/{ref}/exec", procedures.Exec)
		r.Post("/procedures/{ref}/attach", procedures.Attach)

		r.Get("/jobs", jobsH.List)
		r.Get("/jobs/{ref}", jobsH.Get)
		r.Put("/jobs/{ref}", jobsH.Update)
		r.Patch("/jobs/{ref}", jobsH.Update)
		r.Delete("/jobs/{ref}", jobsH.Delete)
		r.Post("/jobs/{ref}/handle", jobsH.Handle)
		r.Post("/jobs/{ref}/complete", jobsH.Complete)
		r.Post("/jobs/{ref}/fail", jobsH.Fail)

		r.Get("/subscriptions", subscriptions.List)
		r.Get("/subscriptions/{ref}", subscriptions.Get)
		r.Put("/subscriptions/{ref}", subscriptions.Update)
		r.Patch("/subscriptions/{ref}", subscriptions.Update)
		r.Delete("/subscriptions/{ref}", subscriptions.Delete)

		r.Get("/events", events.List)
		r.Get("/events/ws", events.Feed)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), cfg.Database); err != nil {
			Detail(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}
