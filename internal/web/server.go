// Package web serves the JSON API behind the catalog creator form.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dnswlt/catalog-creator/internal/api"
	"github.com/dnswlt/catalog-creator/internal/creator"
	"github.com/dnswlt/catalog-creator/internal/fetch"
	"github.com/dnswlt/catalog-creator/internal/metrics"
	"github.com/dnswlt/catalog-creator/internal/translator"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxRequestBytes       = 1 << 20
)

type ServerOptions struct {
	Addr string // E.g., "localhost:8080"
	// RequestTimeout bounds fetches and submissions of a single request.
	RequestTimeout time.Duration
}

// Fetcher looks up existing descriptors. Implemented by *fetch.Adapter.
type Fetcher interface {
	FetchExisting(ctx context.Context, url string) (*fetch.Result, error)
	// FetchFresh bypasses any cached result.
	FetchFresh(ctx context.Context, url string) (*fetch.Result, error)
	Invalidate(url string)
}

type Server struct {
	opts     ServerOptions
	fetcher  Fetcher
	pipeline *creator.Pipeline
	metrics  *metrics.Metrics
}

func NewServer(opts ServerOptions, fetcher Fetcher, pipeline *creator.Pipeline, m *metrics.Metrics) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Server{
		opts:     opts,
		fetcher:  fetcher,
		pipeline: pipeline,
		metrics:  m,
	}
}

type fetchRequest struct {
	URL string `json:"url"`
}

type fetchResponse struct {
	Status   *api.Status         `json:"status"`
	Entities []*api.EntityRecord `json:"entities"`
	Path     string              `json:"path,omitempty"`
}

type submitRequest struct {
	URL      string            `json:"url"`
	Entities []*api.FormEntity `json:"entities"`
}

type previewResponse struct {
	YAML string `json:"yaml"`
	Path string `json:"path,omitempty"`
	// Description is the HTML rendered pull request body.
	Description string `json:"description"`
}

type optionsResponse struct {
	Kinds      []string `json:"kinds"`
	Lifecycles []string `json:"lifecycles"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write JSON response: %v", err)
	}
}

func writeStatus(w http.ResponseWriter, code int, status *api.Status) {
	writeJSON(w, code, status)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

// requestContext bounds the request's context by the configured timeout.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
}

// serverError reports an unexpected failure. Details are only logged.
func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("%s %s failed: %v", r.Method, r.URL.Path, err)
	code := http.StatusInternalServerError
	msg := "internal error"
	if errors.Is(err, context.DeadlineExceeded) {
		code = http.StatusGatewayTimeout
		msg = "request timed out"
	}
	writeStatus(w, code, api.ErrorStatus(msg))
}

func validateEntities(entities []*api.FormEntity) field.ErrorList {
	var errs field.ErrorList
	fldPath := field.NewPath("entities")
	for i, e := range entities {
		if e == nil {
			errs = append(errs, field.Required(fldPath.Index(i), ""))
			continue
		}
		errs = append(errs, e.Validate(fldPath.Index(i))...)
	}
	return errs
}

func (s *Server) serveFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, api.ErrorStatus(err.Error()))
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.fetcher.FetchExisting(ctx, req.URL)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	entities := res.Entities
	if entities == nil {
		entities = []*api.EntityRecord{}
	}
	writeJSON(w, http.StatusOK, fetchResponse{
		Status:   res.Status,
		Entities: entities,
		Path:     res.Path,
	})
}

func (s *Server) serveSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, api.ErrorStatus(err.Error()))
		return
	}
	if errs := validateEntities(req.Entities); len(errs) > 0 {
		writeStatus(w, http.StatusBadRequest, api.ErrorStatus(errs.ToAggregate().Error()))
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	// Submissions merge into what the repository holds now, so the
	// persisted entities are neither taken from the client nor the cache.
	res, err := s.fetcher.FetchFresh(ctx, req.URL)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if res.Status.Severity == api.SeverityError {
		writeStatus(w, http.StatusOK, res.Status)
		return
	}
	status, err := s.pipeline.Submit(ctx, res.TargetURL, res.Entities, req.Entities)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if status.Severity == api.SeveritySuccess {
		s.fetcher.Invalidate(req.URL)
	}
	writeStatus(w, http.StatusOK, status)
}

func (s *Server) servePreview(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, api.ErrorStatus(err.Error()))
		return
	}
	for _, e := range req.Entities {
		if e == nil {
			writeStatus(w, http.StatusBadRequest, api.ErrorStatus("entities must not contain null"))
			return
		}
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.fetcher.FetchExisting(ctx, req.URL)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if res.Status.Severity == api.SeverityError {
		writeStatus(w, http.StatusOK, res.Status)
		return
	}
	content, err := s.pipeline.Render(res.Entities, req.Entities)
	if errors.Is(err, translator.ErrNoDocuments) {
		writeStatus(w, http.StatusBadRequest, api.ErrorStatus("no entities to preview"))
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	desc, err := markdown(s.pipeline.Settings().Body)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		YAML:        content,
		Path:        res.Path,
		Description: strings.TrimSpace(desc),
	})
}

func (s *Server) serveOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, optionsResponse{
		Kinds:      api.AllowedKinds,
		Lifecycles: api.AllowedLifecycles,
	})
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/fetch", s.serveFetch)
	mux.HandleFunc("POST /api/submit", s.serveSubmit)
	mux.HandleFunc("POST /api/preview", s.servePreview)
	mux.HandleFunc("GET /api/options", s.serveOptions)

	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	return mux
}

// Serve blocks serving HTTP requests until ctx is done, then shuts the
// server down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		log.Printf("Go server listening on http://%s", s.opts.Addr)
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.withRequestLogging(s.routes())
}
