package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/webtools/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp()
		if err != nil {
			return err
		}
		defer env.Close()

		api := &apiServer{
			scraper:       env.Orchestrator,
			searcher:      env.Dispatcher,
			maxConcurrent: cfg.Batch.MaxConcurrent,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// scraper is the subset of the orchestrator the API uses.
type scraper interface {
	Scrape(ctx context.Context, rawURL string, renderJS bool) (*model.NormalizedDocument, error)
	ScrapeAll(ctx context.Context, urls []string, renderJS bool, maxConcurrent int) []*model.NormalizedDocument
}

// searcher is the subset of the search dispatcher the API uses.
type searcher interface {
	Search(ctx context.Context, query string) ([]model.SearchResult, error)
}

type apiServer struct {
	scraper       scraper
	searcher      searcher
	maxConcurrent int
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/search", s.handleSearch)
	r.Post("/scrape", s.handleScrape)
	r.Post("/scrape/batch", s.handleScrapeBatch)

	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	results, err := s.searcher.Search(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *apiServer) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL      string `json:"url"`
		RenderJS bool   `json:"render_js"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	doc, err := s.scraper.Scrape(r.Context(), req.URL, req.RenderJS)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

func (s *apiServer) handleScrapeBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs     []string `json:"urls"`
		RenderJS bool     `json:"render_js"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.URLs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "urls is required"})
		return
	}

	docs := s.scraper.ScrapeAll(r.Context(), req.URLs, req.RenderJS, s.maxConcurrent)

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"requested": len(req.URLs),
		"succeeded": len(docs),
	})
}

// statusForKind maps the error taxonomy onto HTTP statuses. Caller mistakes
// are 4xx; upstream and engine failures surface as 502/504.
func statusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.KindInvalidQuery, model.KindUnsupportedContent, model.KindConfiguration:
		return http.StatusBadRequest
	case model.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	case model.KindBackendUnavailable, model.KindConnection, model.KindHTTPStatus, model.KindFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	status := statusForKind(kind)

	body := map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	}
	if retryAfter := model.RetryAfterOf(err); retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requestID tags each request with a UUID for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type requestIDKey struct{}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		id, _ := r.Context().Value(requestIDKey{}).(string)
		zap.L().Info("http request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
