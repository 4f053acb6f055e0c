package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/readability-server/internal/config"
	"github.com/JakeFAU/readability-server/internal/convert"
	"github.com/JakeFAU/readability-server/internal/dispatcher"
	"github.com/JakeFAU/readability-server/internal/metrics"
	"github.com/JakeFAU/readability-server/internal/readability"
)

// Converter turns a page URL into its article.
type Converter interface {
	Convert(ctx context.Context, req convert.Request) (convert.Conversion, error)
}

// PoolStatter reports the worker pool's state for the readiness probe and /v1/pool.
type PoolStatter interface {
	Stats() dispatcher.Stats
}

// Server wires HTTP handlers to the converter and the worker pool.
type Server struct {
	router    chi.Router
	converter Converter
	pool      PoolStatter
	cfg       config.Config
	logger    *zap.Logger
}

// forcePattern matches the truthy spellings of ?force; an empty value counts as true.
var forcePattern = regexp.MustCompile(`(?i)^(t|true|1)*$`)

const missingURLMessage = "You must set the `?url=<url>` querystring parameter."

// NewServer constructs a Server with middleware and routes.
func NewServer(converter Converter, pool PoolStatter, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		converter: converter,
		pool:      pool,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	if cfg.Server.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/proxy", s.withConversion(writeText))
		r.Get("/text", s.withConversion(writeText))
		r.Get("/html", s.withConversion(writeHTML))
		r.Get("/non-content-html", s.withConversion(writeNonContentHTML))
		r.Get("/all", s.withConversion(writeArticle))
		r.Get("/v1/pool", s.poolStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	st := s.pool.Stats()
	switch {
	case st.Closed:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
	case st.Idle+st.Busy == 0:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no workers"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

type renderFunc func(w http.ResponseWriter, article readability.Article)

// withConversion converts the page named by ?url and hands the article to render.
func (s *Server) withConversion(render renderFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		target := query.Get("url")
		if target == "" {
			writeError(w, http.StatusBadRequest, missingURLMessage)
			return
		}
		force := false
		if vals, ok := query["force"]; ok {
			force = forcePattern.MatchString(vals[0])
		}

		conv, err := s.converter.Convert(r.Context(), convert.Request{URL: target, Force: force})
		if err != nil {
			status, msg := errorResponse(err, target)
			if status >= http.StatusInternalServerError {
				s.logger.Error("conversion failed",
					zap.String("url", target),
					zap.Int("status", status),
					zap.Error(err),
				)
			}
			writeError(w, status, msg)
			return
		}
		render(w, conv.Article)
	}
}

// errorResponse maps a conversion failure to its HTTP status and client message.
func errorResponse(err error, target string) (int, string) {
	switch {
	case errors.Is(err, convert.ErrMissingURL):
		return http.StatusBadRequest, missingURLMessage
	case errors.Is(err, convert.ErrInvalidURL):
		return http.StatusBadRequest, fmt.Sprintf("Invalid url: %s", target)
	case errors.Is(err, convert.ErrNoContent):
		return http.StatusUnprocessableEntity, fmt.Sprintf("Could not parse content at %s", target)
	case errors.Is(err, convert.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, fmt.Sprintf("Upstream request timed out: %s", target)
	case errors.Is(err, dispatcher.ErrTimeout):
		return http.StatusGatewayTimeout, fmt.Sprintf("Parsing timed out: %s", target)
	case errors.Is(err, convert.ErrBlockedDomain):
		return http.StatusForbidden, fmt.Sprintf("Domain is blocked: %s", target)
	case errors.Is(err, convert.ErrBlockedByRobots):
		return http.StatusForbidden, fmt.Sprintf("Blocked by robots.txt: %s", target)
	case convert.IsUnavailable(err):
		return http.StatusServiceUnavailable, "Service unavailable, try again later"
	}
	return http.StatusInternalServerError, err.Error()
}

func writeText(w http.ResponseWriter, article readability.Article) {
	writeBody(w, "text/plain; charset=utf-8", article.Text)
}

func writeHTML(w http.ResponseWriter, article readability.Article) {
	writeBody(w, "text/html; charset=utf-8", article.HTML)
}

func writeNonContentHTML(w http.ResponseWriter, article readability.Article) {
	writeBody(w, "text/html; charset=utf-8", article.NonContentHTML)
}

func writeArticle(w http.ResponseWriter, article readability.Article) {
	writeJSON(w, http.StatusOK, article)
}

func writeBody(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		zap.L().Debug("write body failed", zap.Error(err))
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id requestIDMiddleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("url", r.URL.Query().Get("url")),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			}
			if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
				fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
			}
			logger.Info("request completed", fields...)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Debug("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
