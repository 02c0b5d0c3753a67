package labapi

import "lab-report-dashboard/internal/config"

// NewClientFromConfig builds a client from the APP_UPSTREAM_* and
// APP_BREAKER_* settings. APP_UPSTREAM_ENABLED=false or an empty base URL
// yields a disabled client.
func NewClientFromConfig(cfg config.Config) *Client {
	endpoint := cfg.UpstreamBaseURL
	if !cfg.UpstreamEnabled {
		endpoint = ""
	}
	return NewClient(endpoint, Options{
		Timeout:          cfg.UpstreamTimeout,
		RateLimit:        cfg.UpstreamRateLimit,
		RateBurst:        cfg.UpstreamRateBurst,
		MaxRequests:      cfg.BreakerMaxRequests,
		Interval:         cfg.BreakerInterval,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		TripAfterFailure: cfg.BreakerTripThreshold,
	})
}
