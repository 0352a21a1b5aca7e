// Package server exposes the query engine and identify over HTTP.
package server

import (
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/internal/identify"
	"github.com/yairfalse/cartograph/internal/query"
	"github.com/yairfalse/cartograph/internal/telemetry"
	"github.com/yairfalse/cartograph/storage"
)

//go:embed static
var static embed.FS

// Options configures the HTTP frontend.
type Options struct {
	Logger *telemetry.Logger
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server routes HTTP requests to the query engine.
type Server struct {
	engine  *query.Engine
	reader  storage.Reader
	logger  *telemetry.Logger
	tracer  trace.Tracer
	handler http.Handler
}

// New builds the router and middleware chain over reader.
func New(reader storage.Reader, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger("server")
	}
	s := &Server{
		engine: query.NewEngine(reader),
		reader: reader,
		logger: opts.Logger,
		tracer: otel.Tracer("cartograph/server"),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/query", s.handleQuery).Methods(http.MethodGet)
	api.HandleFunc("/identify/{ip}", s.handleIdentify).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	assets, _ := fs.Sub(static, "static")
	r.PathPrefix("/").Handler(http.FileServer(http.FS(assets))).Methods(http.MethodGet)

	s.handler = alice.New(
		recoverer(s.logger),
		tracing(s.tracer),
		accessLog(s.logger),
	).Then(r)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := query.WithTags(query.ParseFilter(q["services"], q["regions"]), q["tag"], q["exclude_tag"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resources, err := s.engine.Query(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resources)
}

// identifyResponse adds the human-readable note to an identify result.
type identifyResponse struct {
	identify.Result
	Note string `json:"note"`
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	res, err := identify.Identify(r.Context(), s.reader, ip)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identifyResponse{Result: res, Note: res.Note()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeFailure maps classified errors to HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case kind == fault.KindMalformed:
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	case kind == fault.KindCanceled:
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, string(kind), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
