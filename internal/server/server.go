package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"docqa/internal/apperr"
	"docqa/internal/corpus"
	"docqa/internal/models"
)

const (
	maxBodyBytes = 1 << 20
	// headroom past IngestTimeout for writing the summary
	ingestWriteSlack = 10 * time.Second
)

// QueryService answers questions over the active corpus.
type QueryService interface {
	Query(ctx context.Context, query string, k int) (*models.QueryResponse, error)
}

// Ingester rebuilds the corpus from a documents directory.
type Ingester interface {
	IngestDir(ctx context.Context, dir string) (*models.IngestSummary, error)
}

type Deps struct {
	Query        QueryService
	Ingest       Ingester
	Handle       *corpus.Handle
	DocumentsDir string
	Logger       *zerolog.Logger // defaults to the global logger

	// QueryTimeout bounds POST /query. It must be shorter than the
	// http.Server WriteTimeout so a timeout still reaches the client.
	QueryTimeout time.Duration
	// IngestTimeout bounds POST /ingest; the connection's write deadline is
	// moved past it for that request.
	IngestTimeout time.Duration
}

type Server struct {
	deps     Deps
	validate *validator.Validate
	router   chi.Router
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = &log.Logger
	}
	s := &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(*s.deps.Logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleInfo)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Post("/query", s.handleQuery)
	r.Post("/ingest", s.handleIngest)
	return r
}

// handleInfo handles GET /
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"message": "docqa RAG backend is running. Use the /query endpoint to ask questions.",
		"ready":   s.deps.Handle.Ready(),
	}
	if c := s.deps.Handle.Current(); c != nil {
		info["generation"] = c.Generation
		info["chunks"] = c.Len()
		info["dimension"] = c.Dimension()
	}
	writeJSON(w, http.StatusOK, info)
}

type healthResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	Generation string `json:"generation,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
}

// handleHealth is liveness only, it never checks the corpus.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Handle.Current()
	if c == nil || c.Empty() {
		writeError(w, r, apperr.New(apperr.KindNotReady, "no corpus is loaded, run ingestion first"))
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ready",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Generation: c.Generation,
		Chunks:     c.Len(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		msg := "request body must be a JSON object"
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeError(w, r, apperr.Wrap(apperr.KindValidation, msg, err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, validationError(err))
		return
	}

	ctx, cancel := withTimeout(r.Context(), s.deps.QueryTimeout)
	defer cancel()
	resp, err := s.deps.Query.Query(ctx, req.Query, req.TopK)
	if err != nil {
		writeError(w, r, deadlineError(ctx, err, s.deps.QueryTimeout))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	// ingestion outlives a disconnecting client
	ctx, cancel := withTimeout(context.WithoutCancel(r.Context()), s.deps.IngestTimeout)
	defer cancel()
	if s.deps.IngestTimeout > 0 {
		rc := http.NewResponseController(w)
		err := rc.SetWriteDeadline(time.Now().Add(s.deps.IngestTimeout + ingestWriteSlack))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			hlog.FromRequest(r).Warn().Err(err).Msg("Could not extend write deadline for ingestion")
		}
	}

	summary, err := s.deps.Ingest.IngestDir(ctx, s.deps.DocumentsDir)
	if err != nil {
		writeError(w, r, deadlineError(ctx, err, s.deps.IngestTimeout))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// deadlineError reports an untyped error caused by the request's own
// deadline as upstream_timeout.
func deadlineError(ctx context.Context, err error, timeout time.Duration) error {
	if apperr.KindOf(err) != apperr.KindInternal || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(apperr.KindUpstreamTimeout, "request did not finish in time", err).
		WithDetail("timeout_seconds", timeout.Seconds())
}

// requestIDLogger puts chi's request id on the response and the request logger.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("request_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func validationError(err error) error {
	fields := map[string]interface{}{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			name := fe.Field()
			switch name {
			case "Query":
				name = "query"
			case "TopK":
				name = "top_k"
			}
			if fe.Param() != "" {
				fields[name] = fe.Tag() + "=" + fe.Param()
			} else {
				fields[name] = fe.Tag()
			}
		}
	}
	e := apperr.Wrap(apperr.KindValidation, "invalid query request", err)
	if len(fields) > 0 {
		e = e.WithDetail("fields", fields)
	}
	return e
}
