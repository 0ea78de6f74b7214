package main

import (
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

	"github.com/backofhouse/opsloop/internal/feedback"
	"github.com/backofhouse/opsloop/internal/model"
	"github.com/backofhouse/opsloop/internal/monitoring"
	"github.com/backofhouse/opsloop/internal/store"
	"github.com/backofhouse/opsloop/internal/verify"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		gen, err := buildGenerator(st)
		if err != nil {
			return err
		}

		api := &apiServer{
			store:         st,
			generator:     gen,
			evaluator:     buildEvaluator(st),
			collector:     monitoring.NewCollector(st),
			lookbackHours: cfg.Monitoring.LookbackHours,
			maxConcurrent: cfg.Generator.MaxConcurrentVenues,
		}
		router := buildRouter(api, cfg.Server.CORSOrigins)

		// Background loop-health checks alongside the API.
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(api.collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// apiServer bundles the dependencies the HTTP handlers need.
type apiServer struct {
	store         store.Store
	generator     *feedback.Generator
	evaluator     *verify.Evaluator
	collector     *monitoring.Collector
	lookbackHours int
	maxConcurrent int
}

func buildRouter(api *apiServer, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/signals", api.handleWriteSignals)
		r.Get("/signals", api.handleListSignals)

		r.Post("/feedback/generate", api.handleGenerate)
		r.Get("/feedback", api.handleListFeedback)
		r.Get("/feedback/{id}", api.handleGetFeedback)
		r.Post("/feedback/{id}/status", api.handleUpdateStatus)

		r.Post("/verify/run", api.handleVerifyRun)
		r.Get("/monitor/snapshot", api.handleSnapshot)
	})

	return r
}

// handleWriteSignals accepts one signal or an array of signals and
// appends the non-duplicates to the ledger.
func (api *apiServer) handleWriteSignals(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var inputs []model.SignalInput
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &inputs); err != nil {
			writeError(w, http.StatusBadRequest, "invalid signal array")
			return
		}
	} else {
		var in model.SignalInput
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid signal")
			return
		}
		inputs = []model.SignalInput{in}
	}

	created, err := api.store.WriteSignals(r.Context(), inputs)
	if err != nil {
		zap.L().Error("api: write signals", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"submitted":  len(inputs),
		"created":    len(created),
		"duplicates": len(inputs) - len(created),
		"signals":    created,
	})
}

func (api *apiServer) handleListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	signals, err := api.store.ListSignals(r.Context(), store.SignalFilter{
		OrgID:        q.Get("org"),
		VenueID:      q.Get("venue"),
		BusinessDate: q.Get("date"),
		DateFrom:     q.Get("from"),
		DateTo:       q.Get("to"),
		Domain:       model.Domain(q.Get("domain")),
		SignalType:   q.Get("type"),
		Severity:     model.Severity(q.Get("severity")),
		Limit:        limit,
	})
	if err != nil {
		zap.L().Error("api: list signals", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list signals failed")
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (api *apiServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID   string   `json:"org_id"`
		Date    string   `json:"business_date"`
		Venues  []string `json:"venues"`
		Domains []string `json:"domains"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrgID == "" || len(req.Venues) == 0 {
		writeError(w, http.StatusBadRequest, "org_id and venues are required")
		return
	}
	if req.Date == "" {
		req.Date = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	}

	created, err := generateAcrossVenues(r.Context(), api.generator, req.OrgID, req.Date, req.Venues, req.Domains, api.maxConcurrent)
	if err != nil {
		zap.L().Error("api: generate feedback", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "generation failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"created": len(created),
		"objects": created,
	})
}

func (api *apiServer) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	objs, err := api.store.ListFeedbackObjects(r.Context(), store.FeedbackFilter{
		OrgID:        q.Get("org"),
		VenueID:      q.Get("venue"),
		BusinessDate: q.Get("date"),
		Status:       model.Status(q.Get("status")),
		OwnerRole:    model.OwnerRole(q.Get("owner")),
		Limit:        limit,
	})
	if err != nil {
		zap.L().Error("api: list feedback", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list feedback failed")
		return
	}
	writeJSON(w, http.StatusOK, objs)
}

func (api *apiServer) handleGetFeedback(w http.ResponseWriter, r *http.Request) {
	fo, err := api.store.GetFeedbackObject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "feedback object not found")
			return
		}
		zap.L().Error("api: get feedback", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get feedback failed")
		return
	}
	writeJSON(w, http.StatusOK, fo)
}

func (api *apiServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string `json:"to"`
		Actor   string `json:"actor"`
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}

	id := chi.URLParam(r, "id")
	err := api.generator.UpdateStatus(r.Context(), id, model.Status(req.To), req.Actor, req.Summary)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.To})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "feedback object not found")
	case errors.Is(err, model.ErrIllegalTransition), errors.Is(err, store.ErrStatusConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: update status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status update failed")
	}
}

func (api *apiServer) handleVerifyRun(w http.ResponseWriter, r *http.Request) {
	summary, err := api.evaluator.RunVerifications(r.Context(), time.Now().UTC())
	if err != nil {
		zap.L().Error("api: verify run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "verification sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (api *apiServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := api.collector.Collect(r.Context(), r.URL.Query().Get("org"), api.lookbackHours)
	if err != nil {
		zap.L().Error("api: monitor snapshot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
