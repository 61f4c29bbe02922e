package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/intake"
	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/pipeline"
	"github.com/sells-group/tender-intel/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env.Pipeline, env.Store),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the API routes. runner and st may be nil in tests that
// only touch other routes.
func buildRouter(runner intake.Runner, st reviewStore) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", handleRun(runner))
		r.Get("/review", handleListReview(st))
		r.Post("/review/{id}", handleResolveReview(st))
	})
	return r
}

func handleRun(runner intake.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		result, err := runner.Run(r.Context(), req)
		if err != nil {
			var reqErr *pipeline.RequestError
			if errors.As(err, &reqErr) {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error":    "invalid run request",
					"problems": reqErr.Problems,
				})
				return
			}
			zap.L().Error("api run failed", zap.String("run_id", req.RunID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":  err.Error(),
				"result": result,
			})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleListReview(st reviewStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tenant := q.Get("tenant_id")
		if tenant == "" {
			writeError(w, http.StatusBadRequest, "tenant_id is required")
			return
		}
		limit := 0
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		items, err := st.ListReviewItems(r.Context(), tenant, store.ReviewFilter{
			Status: model.ReviewStatus(q.Get("status")),
			Kind:   q.Get("kind"),
			RunID:  q.Get("run_id"),
			Limit:  limit,
		})
		if err != nil {
			zap.L().Error("api list review failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list review items failed")
			return
		}
		if items == nil {
			items = []model.ReviewItem{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

type resolveRequest struct {
	TenantID string `json:"tenant_id"`
	Decision string `json:"decision"`
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes"`
}

func handleResolveReview(st reviewStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		status, err := parseDecision(body.Decision)
		if err != nil {
			writeError(w, http.StatusBadRequest, "decision must be approve or reject")
			return
		}
		if body.TenantID == "" || body.Reviewer == "" {
			writeError(w, http.StatusBadRequest, "tenant_id and reviewer are required")
			return
		}

		item, err := resolveReview(r.Context(), st, body.TenantID, chi.URLParam(r, "id"), status, body.Reviewer, body.Notes)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, item)
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "review item not found")
		case errors.Is(err, store.ErrReviewResolved):
			writeError(w, http.StatusConflict, "review item already resolved")
		default:
			zap.L().Error("api resolve review failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "resolve review item failed")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
