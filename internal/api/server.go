// Package api provides the HTTP API server for the dispatch console.
// Handlers are thin passthroughs to the console; they carry no state logic.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ambulink/ambulink/internal/console"
	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/export"
	"github.com/ambulink/ambulink/internal/logging"
	"github.com/ambulink/ambulink/internal/queue"
)

// maxBody caps request bodies, matching the import limit.
const maxBody = export.MaxImportSize

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	console    *console.Console
	stream     *Stream
	log        *logging.Logger
}

// Config for the server
type Config struct {
	Addr           string // default :8090
	Console        *console.Console
	AllowedOrigins []string // default any
	Logger         *logging.Logger
}

// New creates a new API server
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	s := &Server{
		console: cfg.Console,
		log:     log.WithField("component", "api"),
	}
	s.stream = NewStream(cfg.Console, log)
	s.setupRouter(cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRouter configures all routes
func (s *Server) setupRouter(origins []string) {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Use(middleware.Timeout(30 * time.Second))

		// Original console routes
		r.Post("/api/trips", s.handleCreateTrip)
		r.Post("/api/leads", s.handleCreateLead)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/slices", s.handleListSlices)
			r.Get("/slices/{slice}", s.handleGetSlice)
			r.Put("/slices/{slice}", s.handlePutSlice)

			r.Get("/status", s.handleStatus)
			r.Post("/connectivity", s.handleSetConnectivity)

			r.Get("/queue", s.handleGetQueue)
			r.Post("/queue/flush", s.handleFlushQueue)

			r.Get("/export/{slice}", s.handleExport)
			r.Post("/export/{slice}/archive", s.handleArchive)
			r.Post("/import/{slice}", s.handleImport)

			notifAPI := NewNotificationsAPI(s.console.Notices)
			notifAPI.RegisterRoutes(r)
		})

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	// Long-lived, outside the request timeout
	r.Get("/ws", s.stream.ServeHTTP)
	if s.console.Metrics != nil {
		r.Handle("/metrics", s.console.Metrics.Handler())
	}

	s.router = r
}

// requestLogger logs each request through the console logger
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"took":       time.Since(start).Round(time.Microsecond),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.router }

// Stream returns the websocket fan-out
func (s *Server) Stream() *Stream { return s.stream }

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.stream.Start()
	s.log.Info("API server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.stream.Stop()
	return s.httpServer.Shutdown(ctx)
}

// --- Response helpers ---

// envelope is the response shape of every JSON route
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}

// respondErr maps a component error onto an HTTP status
func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownSlice), errors.Is(err, core.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrMissingField),
		errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrSerialization),
		errors.Is(err, core.ErrCorruptData), errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, export.ErrTooLarge), errors.Is(err, core.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, queue.ErrFlushInProgress):
		return http.StatusConflict
	case errors.Is(err, core.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}
