package labapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrDisabled is returned when no upstream endpoint is configured.
var ErrDisabled = errors.New("upstream lab report API not configured")

// StatusError is a non-2xx response from the upstream.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s %s status=%d body=%s", e.Method, e.Path, e.Code, e.Body)
}

// Options tunes transport behaviour of the client.
type Options struct {
	Timeout          time.Duration
	RateLimit        float64
	RateBurst        int
	MaxRequests      int
	Interval         time.Duration
	OpenTimeout      time.Duration
	TripAfterFailure int
	HTTPClient       *http.Client
}

// Client reads pre-aggregated reports and chat data from the lab report backend.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

func NewClient(endpoint string, o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 10
	}
	if o.MaxRequests <= 0 {
		o.MaxRequests = 3
	}
	if o.TripAfterFailure <= 0 {
		o.TripAfterFailure = 5
	}
	httpClient := o.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: o.Timeout}
	}

	trip := uint32(o.TripAfterFailure)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lab-report-api",
		MaxRequests: uint32(o.MaxRequests),
		Interval:    o.Interval,
		Timeout:     o.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// 4xx means the upstream answered; only transport errors and 5xx trip.
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(o.RateLimit), o.RateBurst),
		breaker:  breaker,
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// Endpoint returns the configured upstream base URL.
func (c *Client) Endpoint() string {
	if c == nil {
		return ""
	}
	return c.endpoint
}

// BreakerState returns the circuit breaker state name.
func (c *Client) BreakerState() string {
	if c == nil || c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

func (c *Client) Summary(ctx context.Context) ([]SummaryRow, error) {
	var out []SummaryRow
	if err := c.getJSON(ctx, "/reports/summary", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ByLab(ctx context.Context) ([]LabRow, error) {
	var out []LabRow
	if err := c.getJSON(ctx, "/reports/by-lab", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ByGender(ctx context.Context) ([]GenderRow, error) {
	var out []GenderRow
	if err := c.getJSON(ctx, "/reports/by-gender", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UnreviewedCritical(ctx context.Context) ([]CriticalAlertRow, error) {
	var out []CriticalAlertRow
	if err := c.getJSON(ctx, "/reports/unreviewed-critical", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AISummary fetches the generated summary for subject. A response without a
// summary field is not an error; callers check Ready and poll again.
func (c *Client) AISummary(ctx context.Context, subject string) (*AISummary, error) {
	var out AISummary
	if err := c.getJSON(ctx, subjectPath(subject, "ai-summary"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Abnormal(ctx context.Context, subject string) ([]LabResult, error) {
	var out []LabResult
	if err := c.getJSON(ctx, subjectPath(subject, "abnormal"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Ask(ctx context.Context, subject, question string) (*ChatAnswer, error) {
	body, err := json.Marshal(askRequest{Question: question})
	if err != nil {
		return nil, err
	}
	var out ChatAnswer
	if err := c.do(ctx, http.MethodPost, subjectPath(subject, "ask"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func subjectPath(subject, action string) string {
	return "/chat/patient/" + url.PathEscape(strings.TrimSpace(subject)) + "/" + action
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait")
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return errors.Wrapf(err, "build request %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(blob))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}
