package http

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"lab-report-dashboard/internal/chat"
	"lab-report-dashboard/internal/connectors/labapi"
	"lab-report-dashboard/internal/dashboard"
)

const maxAskBodyBytes = 64 << 10

type askRequest struct {
	Question string `json:"question"`
}

func snapshotHandler(snapshots *snapshotCache, client *labapi.Client) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if !requireUpstream(w, client) {
			return
		}
		snap := snapshots.Get(r.Context(), parseRefresh(r))
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"meta": map[string]any{
				"generated_at": snap.GeneratedAt,
				"errors":       snap.Errors,
			},
			"data": snap,
		})
	}
}

// reportHandler serves one aggregated dashboard panel. A failed panel is
// reported on its own; the other panels are unaffected.
func reportHandler(panel string, snapshots *snapshotCache, client *labapi.Client) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if !requireUpstream(w, client) {
			return
		}
		snap := snapshots.Get(r.Context(), parseRefresh(r))
		if msg, failed := snap.Errors[panel]; failed {
			writeJSON(w, nethttp.StatusBadGateway, map[string]any{
				"error": "failed to fetch " + panel + ": " + msg,
			})
			return
		}

		var data any
		switch panel {
		case dashboard.PanelSummary:
			data = map[string]any{"counters": snap.Counters, "chart": snap.StatusChart}
		case dashboard.PanelByLab:
			data = map[string]any{"chart": snap.LabChart, "top_tests": snap.TopTests}
		case dashboard.PanelByGender:
			data = map[string]any{"chart": snap.GenderChart}
		case dashboard.PanelCritical:
			payload := map[string]any{"alerts": snap.Alerts, "empty": snap.AlertsEmpty}
			if snap.AlertsEmpty {
				payload["message"] = dashboard.NoAlertsMessage
			}
			data = payload
		}

		writeJSON(w, nethttp.StatusOK, map[string]any{
			"meta": map[string]any{
				"panel":        panel,
				"generated_at": snap.GeneratedAt,
				"duration_sec": snap.DurationsSec[panel],
			},
			"data": data,
		})
	}
}

func chartHandler(snapshots *snapshotCache) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/charts/"), "/")
		snap := snapshots.Get(r.Context(), false)

		var buf bytes.Buffer
		ok, err := dashboard.RenderChart(&buf, name, snap)
		if !ok {
			nethttp.NotFound(w, r)
			return
		}
		if err != nil {
			writeJSON(w, nethttp.StatusInternalServerError, map[string]any{"error": "failed to render chart"})
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(nethttp.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}
}

// subjectRouter dispatches /api/v1/subjects/{id}/{action}.
func subjectRouter(svc *chat.Service, client *labapi.Client) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if !requireUpstream(w, client) {
			return
		}

		trimmed := strings.TrimPrefix(r.URL.Path, "/api/v1/subjects/")
		parts := strings.Split(strings.Trim(trimmed, "/"), "/")
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
			writeJSON(w, nethttp.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		subject := strings.TrimSpace(parts[0])
		action := strings.Join(parts[1:], "/")

		switch {
		case action == "summary" && r.Method == nethttp.MethodGet:
			summaryCheck(w, r, svc, subject)
		case action == "summary/wait" && r.Method == nethttp.MethodGet:
			summaryWait(w, r, svc, subject)
		case action == "abnormal" && r.Method == nethttp.MethodGet:
			abnormalLabs(w, r, svc, subject)
		case action == "ask" && r.Method == nethttp.MethodPost:
			askQuestion(w, r, svc, subject)
		case action == "transcript" && r.Method == nethttp.MethodGet:
			transcript(w, r, svc, subject)
		case action == "transcript" && r.Method == nethttp.MethodDelete:
			clearTranscript(w, r, svc, subject)
		case action == "summary", action == "summary/wait", action == "abnormal", action == "ask", action == "transcript":
			writeJSON(w, nethttp.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		default:
			writeJSON(w, nethttp.StatusNotFound, map[string]any{"error": "not found"})
		}
	}
}

func summaryCheck(w nethttp.ResponseWriter, r *nethttp.Request, svc *chat.Service, subject string) {
	start := time.Now()
	s, err := svc.Poller().Check(r.Context(), subject)
	recordUpstreamCall("lab_api", "ai_summary", time.Since(start).Seconds(), err)
	if err != nil {
		writeUpstreamError(w, err, "failed to fetch ai summary")
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{
		"meta": map[string]any{"subject_id": subject},
		"data": summaryPayload(s),
	})
}

func abnormalLabs(w nethttp.ResponseWriter, r *nethttp.Request, svc *chat.Service, subject string) {
	start := time.Now()
	items, err := svc.Abnormal(r.Context(), subject)
	recordUpstreamCall("lab_api", "abnormal", time.Since(start).Seconds(), err)
	if err != nil {
		writeUpstreamError(w, err, "failed to fetch abnormal labs")
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{
		"meta": map[string]any{"subject_id": subject, "count": len(items)},
		"data": items,
	})
}

func askQuestion(w nethttp.ResponseWriter, r *nethttp.Request, svc *chat.Service, subject string) {
	var req askRequest
	if err := json.NewDecoder(nethttp.MaxBytesReader(w, r.Body, maxAskBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, nethttp.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	start := time.Now()
	ex, err := svc.Ask(r.Context(), subject, req.Question)
	if errors.Is(err, chat.ErrEmptyQuestion) {
		recordChatEvent("ask", "rejected")
		writeJSON(w, nethttp.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	recordUpstreamCall("lab_api", "ask", time.Since(start).Seconds(), err)
	if err != nil {
		recordChatEvent("ask", "error")
		writeUpstreamError(w, err, "failed to ask question")
		return
	}
	recordChatEvent("ask", "ok")

	answerHTML, err := chat.RenderHTML(ex.Answer)
	if err != nil {
		writeJSON(w, nethttp.StatusInternalServerError, map[string]any{"error": "failed to render answer"})
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{
		"meta": map[string]any{"subject_id": subject},
		"data": map[string]any{
			"question":           ex.Question,
			"answer":             ex.Answer,
			"answer_html":        answerHTML,
			"confidence_score":   ex.Confidence,
			"confidence_percent": ex.ConfidencePercent,
			"asked_at":           ex.AskedAt,
		},
	})
}

func transcript(w nethttp.ResponseWriter, r *nethttp.Request, svc *chat.Service, subject string) {
	limit := parseLimit(r, 50)
	items, err := svc.Transcript(r.Context(), subject, limit)
	if err != nil {
		writeJSON(w, nethttp.StatusInternalServerError, map[string]any{"error": "failed to load transcript"})
		return
	}
	rows := make([]map[string]any, 0, len(items))
	for _, ex := range items {
		row := map[string]any{
			"question":           ex.Question,
			"answer":             ex.Answer,
			"confidence_score":   ex.Confidence,
			"confidence_percent": ex.ConfidencePercent,
			"asked_at":           ex.AskedAt,
		}
		if html, err := chat.RenderHTML(ex.Answer); err == nil {
			row["answer_html"] = html
		}
		rows = append(rows, row)
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{
		"meta": map[string]any{
			"subject_id": subject,
			"limit":      limit,
			"count":      len(items),
			"persisted":  svc.HasTranscripts(),
		},
		"data": rows,
	})
}

func clearTranscript(w nethttp.ResponseWriter, r *nethttp.Request, svc *chat.Service, subject string) {
	n, err := svc.ClearTranscript(r.Context(), subject)
	if err != nil {
		writeJSON(w, nethttp.StatusInternalServerError, map[string]any{"error": "failed to clear transcript"})
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{
		"meta": map[string]any{"subject_id": subject},
		"data": map[string]any{"deleted": n},
	})
}

func summaryPayload(s *labapi.AISummary) map[string]any {
	payload := map[string]any{
		"ready":      s.Ready(),
		"summary":    s.Summary,
		"disclaimer": s.Disclaimer,
		"message":    s.Message,
	}
	if s.Ready() {
		if html, err := chat.RenderHTML(s.Summary); err == nil {
			payload["summary_html"] = html
		}
	}
	return payload
}

func requireUpstream(w nethttp.ResponseWriter, client *labapi.Client) bool {
	if client.Enabled() {
		return true
	}
	writeJSON(w, nethttp.StatusServiceUnavailable, map[string]any{
		"error": "lab report API disabled (set APP_UPSTREAM_BASE_URL)",
	})
	return false
}

func writeUpstreamError(w nethttp.ResponseWriter, err error, msg string) {
	code := upstreamErrorStatus(err)
	writeJSON(w, code, map[string]any{"error": msg + ": " + err.Error()})
}

func upstreamErrorStatus(err error) int {
	var se *labapi.StatusError
	switch {
	case errors.Is(err, chat.ErrNoSubject), errors.Is(err, chat.ErrEmptyQuestion):
		return nethttp.StatusBadRequest
	case errors.Is(err, labapi.ErrDisabled),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return nethttp.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, chat.ErrSummaryNotReady):
		return nethttp.StatusGatewayTimeout
	case errors.As(err, &se) && se.Code == nethttp.StatusNotFound:
		return nethttp.StatusNotFound
	default:
		return nethttp.StatusBadGateway
	}
}

func parseLimit(r *nethttp.Request, defaultLimit int) int {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	return limit
}

func parseRefresh(r *nethttp.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return err == nil && v
}
