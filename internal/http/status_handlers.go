package http

import (
	"context"
	nethttp "net/http"
	"time"

	"lab-report-dashboard/internal/connectors/labapi"
	"lab-report-dashboard/internal/connectors/transcripts"
)

func servicesStatusHandler(client *labapi.Client, store *transcripts.Store) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
		defer cancel()

		writeJSON(w, nethttp.StatusOK, map[string]any{
			"generated_at": time.Now().UTC(),
			"services": map[string]any{
				"lab_api":     labAPIStatus(ctx, client),
				"transcripts": transcriptStatus(ctx, store),
			},
		})
	}
}

func labAPIStatus(ctx context.Context, client *labapi.Client) map[string]any {
	if !client.Enabled() {
		return map[string]any{"enabled": false, "ok": false, "error": "lab report API disabled"}
	}

	start := time.Now()
	rows, err := client.Summary(ctx)
	recordUpstreamCall("lab_api", "probe", time.Since(start).Seconds(), err)

	out := map[string]any{
		"enabled":    true,
		"endpoint":   client.Endpoint(),
		"breaker":    client.BreakerState(),
		"latency_ms": float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if err != nil {
		out["ok"] = false
		out["error"] = err.Error()
		return out
	}
	out["ok"] = true
	out["summary_rows"] = len(rows)
	return out
}

func transcriptStatus(ctx context.Context, store *transcripts.Store) map[string]any {
	if store == nil {
		return map[string]any{"enabled": false, "ok": false, "error": "transcript store disabled"}
	}

	start := time.Now()
	stats, err := store.Stats(ctx)
	recordStoreQuery("sqlite", "Stats", time.Since(start).Seconds(), err)
	if err != nil {
		return map[string]any{"enabled": true, "ok": false, "path": store.Path(), "error": err.Error()}
	}
	return map[string]any{"enabled": true, "ok": true, "path": store.Path(), "stats": stats}
}
