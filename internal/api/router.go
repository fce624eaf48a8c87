package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seabus0316/geofs-flightradar/internal/config"
	"github.com/seabus0316/geofs-flightradar/internal/websocket"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

// Router wires the HTTP surface
type Router struct {
	handler  *Handler
	wsServer *websocket.Server
	config   *config.Config
	logger   *logger.Logger
}

// NewRouter creates a new router
func NewRouter(handler *Handler, wsServer *websocket.Server, cfg *config.Config, log *logger.Logger) *Router {
	return &Router{
		handler:  handler,
		wsServer: wsServer,
		config:   cfg,
		logger:   log.Named("router"),
	}
}

// Routes returns the root handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(rt.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.config.Server.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Admin-Token"},
		MaxAge:         300,
	}))

	r.Get("/health", rt.handler.GetHealth)

	// WebSocket for players and observers
	r.Get("/ws", rt.wsServer.HandleConnection)

	r.Route("/api", func(r chi.Router) {
		r.Get("/aircraft", rt.handler.GetAllAircraft)
		r.Get("/aircraft/{id}", rt.handler.GetAircraft)
		r.Get("/aircraft/{id}/track", rt.handler.GetAircraftTrack)
		r.Get("/tracks", rt.handler.GetTrackedIDs)

		r.Post("/atc/position", rt.handler.ReportPosition)

		r.With(rt.handler.requireAdmin).Delete("/aircraft/{id}", rt.handler.DeleteAircraft)

		if rt.handler.simulation != nil {
			r.Route("/simulation", func(r chi.Router) {
				r.Use(rt.handler.requireAdmin)
				r.Get("/aircraft", rt.handler.GetSimulatedAircraft)
				r.Post("/aircraft", rt.handler.CreateSimulatedAircraft)
				r.Put("/aircraft/{id}/controls", rt.handler.UpdateSimulationControls)
				r.Delete("/aircraft/{id}", rt.handler.RemoveSimulatedAircraft)
			})
		}
	})

	// Legacy producer endpoint
	r.Post("/report", rt.handler.ReportPosition)

	if dir := rt.config.Server.StaticFilesDir; dir != "" {
		rt.logger.Info("Serving static files", logger.String("dir", dir))
		r.Handle("/*", NewStaticFileHandler(dir, rt.logger))
	}

	return r
}

// requestLogger logs each request at debug level; /ws is logged by the hub
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/ws" {
			return
		}
		rt.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}
