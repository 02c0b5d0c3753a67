package chat

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"lab-report-dashboard/internal/connectors/labapi"
)

// ErrSummaryNotReady is returned when the poll budget runs out before the
// upstream produced a summary.
var ErrSummaryNotReady = errors.New("ai summary not ready")

// ErrNoSubject is returned for operations that need an active subject.
var ErrNoSubject = errors.New("no subject selected")

// SummaryFetcher is the upstream call the poller repeats.
type SummaryFetcher interface {
	AISummary(ctx context.Context, subject string) (*labapi.AISummary, error)
}

// PollOptions bounds the summary poll.
type PollOptions struct {
	Interval   time.Duration
	MaxElapsed time.Duration
	CacheSize  int
	CacheTTL   time.Duration
}

// SummaryPoller waits for the upstream AI summary of a subject.
type SummaryPoller struct {
	fetcher    SummaryFetcher
	interval   time.Duration
	maxElapsed time.Duration
	cache      *expirable.LRU[string, labapi.AISummary]
	onAttempt  func(subject string, ready bool, err error)
}

func NewSummaryPoller(fetcher SummaryFetcher, o PollOptions) *SummaryPoller {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = 2 * time.Minute
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 256
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 10 * time.Minute
	}
	return &SummaryPoller{
		fetcher:    fetcher,
		interval:   o.Interval,
		maxElapsed: o.MaxElapsed,
		cache:      expirable.NewLRU[string, labapi.AISummary](o.CacheSize, nil, o.CacheTTL),
	}
}

// OnAttempt registers a hook called after every upstream poll.
func (p *SummaryPoller) OnAttempt(fn func(subject string, ready bool, err error)) {
	p.onAttempt = fn
}

// Check performs a single poll step. A pending summary is returned with
// Ready() == false and a nil error.
func (p *SummaryPoller) Check(ctx context.Context, subject string) (*labapi.AISummary, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrNoSubject
	}
	if cached, ok := p.cache.Get(subject); ok {
		return &cached, nil
	}

	s, err := p.fetcher.AISummary(ctx, subject)
	if p.onAttempt != nil {
		p.onAttempt(subject, err == nil && s != nil && s.Ready(), err)
	}
	if err != nil {
		return nil, err
	}
	if s.Ready() {
		p.cache.Add(subject, *s)
	}
	return s, nil
}

// Wait polls at a fixed interval until the summary is non-empty, ctx is
// done, or the elapsed budget is spent.
func (p *SummaryPoller) Wait(ctx context.Context, subject string) (*labapi.AISummary, error) {
	var result *labapi.AISummary

	op := func() error {
		s, err := p.Check(ctx, subject)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !s.Ready() {
			return ErrSummaryNotReady
		}
		result = s
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.interval
	b.MaxInterval = p.interval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = p.maxElapsed

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		if !errors.Is(err, ErrSummaryNotReady) {
			log.Debug().Err(err).Str("subject", subject).Dur("next", next).Msg("ai summary poll failed, retrying")
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrSummaryNotReady) {
			return nil, ErrSummaryNotReady
		}
		return nil, err
	}
	return result, nil
}

// permanent reports errors that another poll cannot fix.
func permanent(err error) bool {
	if errors.Is(err, ErrNoSubject) || errors.Is(err, labapi.ErrDisabled) {
		return true
	}
	var se *labapi.StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
	}
	return false
}
