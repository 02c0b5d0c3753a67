package http

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"lab-report-dashboard/internal/chat"
	"lab-report-dashboard/internal/config"
	"lab-report-dashboard/internal/connectors/labapi"
	"lab-report-dashboard/internal/connectors/transcripts"
	"lab-report-dashboard/internal/dashboard"
)

const requestIDHeader = "X-Request-ID"

// Server wraps an HTTP server and route handlers.
type Server struct {
	cfg           config.Config
	httpServer    *nethttp.Server
	client        *labapi.Client
	store         *transcripts.Store
	chat          *chat.Service
	snapshots     *snapshotCache
	refreshCancel context.CancelFunc
}

// NewServer creates a configured HTTP server with v1 endpoints.
func NewServer(cfg config.Config) (*Server, error) {
	client := labapi.NewClientFromConfig(cfg)

	var store *transcripts.Store
	if strings.TrimSpace(cfg.TranscriptSQLitePath) != "" {
		createdStore, err := transcripts.NewSQLiteStore(cfg.TranscriptSQLitePath)
		if err != nil {
			return nil, err
		}
		store = createdStore
	}

	loader := dashboard.NewLoader(client, cfg.TopTestsLimit, cfg.AlertsLimit, func(panel string, sec float64, err error) {
		recordUpstreamCall("lab_api", panel, sec, err)
	})

	poller := chat.NewSummaryPoller(client, chat.PollOptionsFromConfig(cfg))
	poller.OnAttempt(func(_ string, ready bool, err error) {
		switch {
		case err != nil:
			recordChatEvent("summary_poll", "error")
		case ready:
			recordChatEvent("summary_poll", "ready")
		default:
			recordChatEvent("summary_poll", "pending")
		}
	})

	// A nil *Store must not reach the service as a non-nil interface.
	var transcriptStore chat.TranscriptStore
	if store != nil {
		transcriptStore = &timedTranscripts{store: store}
	}

	s := &Server{
		cfg:       cfg,
		client:    client,
		store:     store,
		chat:      chat.NewService(client, poller, transcriptStore),
		snapshots: newSnapshotCache(loader, cfg.SnapshotRefresh),
	}

	s.httpServer = &nethttp.Server{
		Addr:         cfg.ListenAddr,
		Handler:      loggingMiddleware(observabilityMiddleware(s.routes())),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() *nethttp.ServeMux {
	mux := nethttp.NewServeMux()

	mux.HandleFunc("/", dashboardHandler(s.snapshots, s.client, s.cfg))
	mux.HandleFunc("/favicon.ico", faviconHandler)
	mux.HandleFunc("/charts/", chartHandler(s.snapshots))
	mux.Handle("/metrics", metricsHandler())
	mux.HandleFunc("/api/v1/metrics/app", appMetricsSummaryHandler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(s.client))
	mux.HandleFunc("/api/v1/dashboard", snapshotHandler(s.snapshots, s.client))
	mux.HandleFunc("/api/v1/reports/summary", reportHandler(dashboard.PanelSummary, s.snapshots, s.client))
	mux.HandleFunc("/api/v1/reports/by-lab", reportHandler(dashboard.PanelByLab, s.snapshots, s.client))
	mux.HandleFunc("/api/v1/reports/by-gender", reportHandler(dashboard.PanelByGender, s.snapshots, s.client))
	mux.HandleFunc("/api/v1/reports/unreviewed-critical", reportHandler(dashboard.PanelCritical, s.snapshots, s.client))
	mux.HandleFunc("/api/v1/subjects/", subjectRouter(s.chat, s.client))
	mux.HandleFunc("/api/v1/status/services", servicesStatusHandler(s.client, s.store))
	mux.HandleFunc("/api/v1/settings/dashboard", dashboardSettingsHandler(s.cfg, s.chat.HasTranscripts()))
	return mux
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() nethttp.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	if s.cfg.SnapshotPrefetch && s.client.Enabled() && s.cfg.SnapshotRefresh > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.refreshCancel = cancel
		go s.snapshots.refreshLoop(ctx)
	}
	log.Info().Str("addr", s.cfg.ListenAddr).Str("upstream", s.client.Endpoint()).Msg("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.refreshCancel != nil {
		s.refreshCancel()
	}
	err := s.httpServer.Shutdown(ctx)
	if s.store != nil {
		_ = s.store.Close()
	}
	return err
}

func healthHandler(w nethttp.ResponseWriter, _ *nethttp.Request) {
	writeJSON(w, nethttp.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func readyHandler(client *labapi.Client) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		if !client.Enabled() {
			writeJSON(w, nethttp.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  labapi.ErrDisabled.Error(),
			})
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"status":  "ready",
			"breaker": client.BreakerState(),
		})
	}
}

func loggingMiddleware(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		rec := &statusRecorder{ResponseWriter: w, status: nethttp.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w nethttp.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// timedTranscripts records store query metrics around the SQLite store.
type timedTranscripts struct {
	store *transcripts.Store
}

func (t *timedTranscripts) Append(ctx context.Context, e transcripts.Entry) (int64, error) {
	start := time.Now()
	id, err := t.store.Append(ctx, e)
	recordStoreQuery("sqlite", "Append", time.Since(start).Seconds(), err)
	return id, err
}

func (t *timedTranscripts) List(ctx context.Context, subject string, limit int) ([]transcripts.Entry, error) {
	start := time.Now()
	items, err := t.store.List(ctx, subject, limit)
	recordStoreQuery("sqlite", "List", time.Since(start).Seconds(), err)
	return items, err
}

func (t *timedTranscripts) Clear(ctx context.Context, subject string) (int64, error) {
	start := time.Now()
	n, err := t.store.Clear(ctx, subject)
	recordStoreQuery("sqlite", "Clear", time.Since(start).Seconds(), err)
	return n, err
}
