package http

import (
	nethttp "net/http"

	"lab-report-dashboard/internal/config"
)

func dashboardSettingsHandler(cfg config.Config, transcriptsEnabled bool) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"data": map[string]any{
				"top_tests_limit":          cfg.TopTestsLimit,
				"alerts_limit":             cfg.AlertsLimit,
				"snapshot_refresh_sec":     cfg.SnapshotRefresh.Seconds(),
				"snapshot_prefetch":        cfg.SnapshotPrefetch,
				"summary_poll_interval_ms": cfg.SummaryPollInterval.Milliseconds(),
				"summary_poll_max_sec":     cfg.SummaryPollMaxElapsed.Seconds(),
				"summary_cache_ttl_sec":    cfg.SummaryCacheTTL.Seconds(),
				"upstream_enabled":         cfg.UpstreamEnabled && cfg.UpstreamBaseURL != "",
				"transcripts_enabled":      transcriptsEnabled,
			},
		})
	}
}
