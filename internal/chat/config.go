package chat

import "lab-report-dashboard/internal/config"

// PollOptionsFromConfig maps the APP_SUMMARY_* settings.
func PollOptionsFromConfig(cfg config.Config) PollOptions {
	return PollOptions{
		Interval:   cfg.SummaryPollInterval,
		MaxElapsed: cfg.SummaryPollMaxElapsed,
		CacheSize:  cfg.SummaryCacheSize,
		CacheTTL:   cfg.SummaryCacheTTL,
	}
}
