// Package chi serves a read-only search API over a needle client.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/needle"
	logpkg "github.com/kailas-cloud/needle/internal/logger"
	"github.com/kailas-cloud/needle/internal/metrics"
	healthuc "github.com/kailas-cloud/needle/internal/usecase/health"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeBadRequest     = "bad_request"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidField   = "invalid_field"
	CodeNotRegistered  = "model_not_registered"
	CodeNotFound       = "not_found"
	CodeNotImplemented = "not_implemented"
	CodeBackendError   = "backend_error"
	CodeInternalError  = "internal_error"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SearchResponse is the body of a search or more-like-this request.
type SearchResponse struct {
	Query              string              `json:"query"`
	Alias              string              `json:"alias"`
	Count              int                 `json:"count"`
	Page               int                 `json:"page"`
	PerPage            int                 `json:"per_page"`
	Results            []*needle.Result    `json:"results"`
	Facets             *needle.FacetCounts `json:"facets,omitempty"`
	SpellingSuggestion string              `json:"spelling_suggestion,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// SchemaResponse is the body of GET /schema.
type SchemaResponse struct {
	Alias         string `json:"alias"`
	Engine        string `json:"engine"`
	DocumentField string `json:"document_field"`
	Schema        any    `json:"schema"`
}

type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server implements the HTTP handlers.
type Server struct {
	client        *needle.Client
	health        *healthuc.Service
	logger        *zap.Logger
	perPage       int
	maxPerPage    int
	errorHandlers []errorHandler
}

// NewServer creates a Server. health may be nil.
func NewServer(client *needle.Client, health *healthuc.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		client:     client,
		health:     health,
		logger:     logger,
		perPage:    defaultPerPage,
		maxPerPage: maxPerPage,
		errorHandlers: []errorHandler{
			sentinelHandler(needle.ErrField, http.StatusBadRequest, CodeInvalidField),
			sentinelHandler(needle.ErrNotRegistered, http.StatusBadRequest, CodeNotRegistered),
			sentinelHandler(needle.ErrNegativeIndex, http.StatusBadRequest, CodeBadRequest),
			sentinelHandler(needle.ErrConfig, http.StatusBadRequest, CodeBadRequest),
			sentinelHandler(needle.ErrNotFound, http.StatusNotFound, CodeNotFound),
			sentinelHandler(needle.ErrIndexOutOfRange, http.StatusNotFound, CodeNotFound),
			sentinelHandler(needle.ErrNotImplemented, http.StatusNotImplemented, CodeNotImplemented),
			sentinelHandler(needle.ErrMoreLikeThis, http.StatusBadGateway, CodeBackendError),
			sentinelHandler(needle.ErrSearch, http.StatusBadGateway, CodeBackendError),
		},
	}
}

// WithPagination sets the default and maximum page sizes. Non-positive
// values keep the defaults.
func (s *Server) WithPagination(defaultSize, maxSize int) *Server {
	if maxSize > 0 {
		s.maxPerPage = maxSize
	}
	if defaultSize > 0 {
		s.perPage = min(defaultSize, s.maxPerPage)
	}
	return s
}

// Handler builds the router with the standard middleware chain.
func (s *Server) Handler(apiKeys []string) http.Handler {
	r := chi.NewRouter()
	r.Use(JSONRecoverer(s.logger))
	r.Use(chimw.RequestID)
	r.Use(WideEventMiddleware(s.logger))
	r.Use(BearerAuthMiddleware(apiKeys))
	r.Use(metrics.Middleware())

	r.Get("/search", s.Search)
	r.Get("/more_like_this", s.MoreLikeThis)
	r.Get("/schema", s.Schema)
	r.Get("/health", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
	})
	return r
}

// Search handles GET /search.
//
//	q         auto-query text; empty matches everything
//	models    comma-separated app.name labels
//	facet     field facet, repeatable
//	order_by  sort field, "-" for descending, repeatable
//	using     connection alias
//	page, per_page
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	page, perPage, err := s.pagination(params.Get("page"), params.Get("per_page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	rs, err := s.baseSet(params.Get("using"), params.Get("models"))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	q := strings.TrimSpace(params.Get("q"))
	if q != "" {
		rs = rs.AutoQuery(q)
	}
	for _, f := range params["facet"] {
		rs = rs.Facet(f, nil)
	}
	if order := splitList(params["order_by"]); len(order) > 0 {
		rs = rs.OrderBy(order...)
	}

	s.respond(r.Context(), w, rs, page, perPage, q != "")
}

// MoreLikeThis handles GET /more_like_this?model=app.name&pk=...
func (s *Server) MoreLikeThis(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	page, perPage, err := s.pagination(params.Get("page"), params.Get("per_page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	m, err := needle.ParseModel(params.Get("model"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "model must be app.name")
		return
	}
	pk := params.Get("pk")
	if pk == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "pk is required")
		return
	}

	rs, err := s.baseSet(params.Get("using"), params.Get("models"))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	rs = rs.MoreLikeThis(needle.NewDocument(m, pk, nil))
	s.respond(r.Context(), w, rs, page, perPage, false)
}

// Schema handles GET /schema?using=alias.
func (s *Server) Schema(w http.ResponseWriter, r *http.Request) {
	alias := r.URL.Query().Get("using")
	if alias == "" {
		alias = needle.DefaultAlias
	}
	engine, err := s.client.Engine(alias)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	docField, schema, err := s.client.Schema(alias)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SchemaResponse{
		Alias:         alias,
		Engine:        engine,
		DocumentField: docField,
		Schema:        schema,
	})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: string(healthuc.Healthy), Checks: map[string]string{}})
		return
	}
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}
	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, HealthResponse{Status: string(report.Status), Checks: checks})
}

// baseSet opens a result set on alias, or on the read route when alias is
// empty, restricted to models. Unregistered models are rejected rather than
// silently matching nothing.
func (s *Server) baseSet(alias, models string) (*needle.ResultSet, error) {
	rs := s.client.Search()
	if alias != "" {
		rs = s.client.Using(alias)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	labels := splitList([]string{models})
	if len(labels) == 0 {
		return rs, nil
	}
	registered, err := s.client.Models(rs.Alias())
	if err != nil {
		return nil, err
	}
	ms := make([]needle.Model, 0, len(labels))
	for _, l := range labels {
		m, err := needle.ParseModel(l)
		if err != nil {
			return nil, fmt.Errorf("models %q: %w", l, needle.ErrConfig)
		}
		if !slices.Contains(registered, m) {
			return nil, fmt.Errorf("model %s: %w", m, needle.ErrNotRegistered)
		}
		ms = append(ms, m)
	}
	return rs.Models(ms...), nil
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, rs *needle.ResultSet, page, perPage int, spelling bool) {
	log := logpkg.FromContext(ctx)

	start := (page - 1) * perPage
	results, err := rs.Slice(ctx, start, start+perPage)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	count, err := rs.Count(ctx)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	compiled, _ := rs.Query()

	resp := SearchResponse{
		Query:   compiled,
		Alias:   rs.Alias(),
		Count:   count,
		Page:    page,
		PerPage: perPage,
		Results: results,
	}
	if resp.Results == nil {
		resp.Results = []*needle.Result{}
	}

	facets, err := rs.FacetCounts(ctx)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if !facets.IsEmpty() {
		resp.Facets = &facets
	}

	if spelling {
		suggestion, err := rs.SpellingSuggestion(ctx, "")
		switch {
		case errors.Is(err, needle.ErrNotImplemented):
		case err != nil:
			log.Warn("spelling suggestion failed", zap.Error(err))
		default:
			resp.SpellingSuggestion = suggestion
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pagination(pageRaw, perPageRaw string) (int, int, error) {
	page, perPage := 1, s.perPage
	if pageRaw != "" {
		n, err := strconv.Atoi(pageRaw)
		if err != nil || n < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
		page = n
	}
	if perPageRaw != "" {
		n, err := strconv.Atoi(perPageRaw)
		if err != nil || n < 1 || n > s.maxPerPage {
			return 0, 0, fmt.Errorf("per_page must be between 1 and %d", s.maxPerPage)
		}
		perPage = n
	}
	return page, perPage, nil
}

// splitList flattens repeated and comma-separated query values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// safeDomainMessage exposes the sentinel text only; wrapped detail such as
// engine URLs stays in the logs.
func safeDomainMessage(err error) string {
	sentinels := []error{
		needle.ErrField,
		needle.ErrNotRegistered,
		needle.ErrNegativeIndex,
		needle.ErrConfig,
		needle.ErrNotFound,
		needle.ErrIndexOutOfRange,
		needle.ErrNotImplemented,
		needle.ErrMoreLikeThis,
		needle.ErrSearch,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
