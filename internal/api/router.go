package api

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"remotenode/internal/core"
	"remotenode/internal/store"
	"remotenode/web"
)

// Planner is the scheduler surface served by the API.
type Planner interface {
	Jobs() []core.JobInfo
	Tasks() []core.TaskInfo
	Horizon() time.Time
	RunNow(ctx context.Context, actionID string) (core.Status, error)
}

// History reads stored status reports.
type History interface {
	ListReports(ctx context.Context, taskID string, limit, offset int) ([]*store.Report, error)
	ListSummaries(ctx context.Context) ([]*store.Summary, error)
}

// Options wires the server's collaborators. History, Metrics and MCP may be nil.
type Options struct {
	Addr      string
	AuthToken string
	Planner   Planner
	History   History
	Metrics   http.Handler
	MCP       http.Handler
	Logger    *slog.Logger
	Location  *time.Location
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	planner    Planner
	history    History
	metrics    http.Handler
	mcp        http.Handler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
	started    time.Time
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	location := opts.Location
	if location == nil {
		location = time.Local
	}

	s := &Server{
		router:    router,
		planner:   opts.Planner,
		history:   opts.History,
		metrics:   opts.Metrics,
		mcp:       opts.MCP,
		logger:    logger,
		location:  location,
		authToken: opts.AuthToken,
		started:   time.Now(),
	}
	s.registerRoutes(web.Files())

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(staticFS fs.FS) {
	fileServer := http.StripPrefix("/assets/", http.FileServer(http.FS(staticFS)))

	s.router.Get("/", s.handleIndex(staticFS))
	s.router.Handle("/assets/*", fileServer)

	protected := func(h http.Handler) http.Handler {
		if s.authToken == "" {
			return h
		}
		return AuthMiddleware(s.authToken)(h)
	}
	if s.metrics != nil {
		s.router.Handle("/metrics", protected(s.metrics))
	}
	if s.mcp != nil {
		s.router.Handle("/mcp", protected(s.mcp))
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/status", s.handleStatus)
		r.Get("/jobs", s.handleListJobs)
		r.Post("/triggers/preview", s.handleTriggerPreview)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/reports", s.handleListReports)
			})
		})
	})
}

func (s *Server) handleIndex(staticFS fs.FS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, err := staticFS.Open(web.IndexFile)
		if err != nil {
			http.Error(w, "index not found", http.StatusInternalServerError)
			return
		}
		defer file.Close()
		info, err := fs.Stat(staticFS, web.IndexFile)
		modTime := time.Now()
		if err == nil {
			modTime = info.ModTime()
		}
		if reader, ok := file.(io.ReadSeeker); ok {
			http.ServeContent(w, r, web.IndexFile, modTime, reader)
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "failed to load index", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, web.IndexFile, modTime, bytes.NewReader(data))
	}
}
