package dashboard

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"lab-report-dashboard/internal/connectors/labapi"
)

// Panel names used as keys in Snapshot.Errors.
const (
	PanelSummary  = "summary"
	PanelByLab    = "by_lab"
	PanelByGender = "by_gender"
	PanelCritical = "unreviewed_critical"
)

// Source is the subset of the upstream client the loader reads from.
type Source interface {
	Summary(ctx context.Context) ([]labapi.SummaryRow, error)
	ByLab(ctx context.Context) ([]labapi.LabRow, error)
	ByGender(ctx context.Context) ([]labapi.GenderRow, error)
	UnreviewedCritical(ctx context.Context) ([]labapi.CriticalAlertRow, error)
}

// Snapshot is one full dashboard load.
type Snapshot struct {
	GeneratedAt  time.Time          `json:"generated_at"`
	Counters     Counters           `json:"counters"`
	StatusChart  Series             `json:"status_chart"`
	LabChart     Series             `json:"lab_chart"`
	GenderChart  Series             `json:"gender_chart"`
	TopTests     []labapi.LabRow    `json:"top_tests"`
	Alerts       []Alert            `json:"alerts"`
	AlertsEmpty  bool               `json:"alerts_empty"`
	Errors       map[string]string  `json:"errors,omitempty"`
	DurationsSec map[string]float64 `json:"durations_sec"`
}

// Observer receives per-panel fetch timings; nil is allowed.
type Observer func(panel string, durationSeconds float64, err error)

// Loader fetches every panel concurrently and aggregates the results.
type Loader struct {
	source      Source
	topTests    int
	alertsLimit int
	observe     Observer
}

func NewLoader(source Source, topTests, alertsLimit int, observe Observer) *Loader {
	if topTests <= 0 {
		topTests = DefaultTopTests
	}
	if alertsLimit <= 0 {
		alertsLimit = DefaultAlerts
	}
	return &Loader{source: source, topTests: topTests, alertsLimit: alertsLimit, observe: observe}
}

// Load never fails as a whole: a panel whose fetch fails is left empty and
// its error is recorded under the panel name.
func (l *Loader) Load(ctx context.Context) *Snapshot {
	var (
		summary  []labapi.SummaryRow
		byLab    []labapi.LabRow
		byGender []labapi.GenderRow
		critical []labapi.CriticalAlertRow
		errs     = make([]error, 4)
		durs     = make([]float64, 4)
	)

	timed := func(i int, panel string, fn func() error) func() error {
		return func() error {
			start := time.Now()
			err := fn()
			durs[i] = time.Since(start).Seconds()
			errs[i] = err
			if l.observe != nil {
				l.observe(panel, durs[i], err)
			}
			if err != nil {
				log.Warn().Err(err).Str("panel", panel).Msg("dashboard panel fetch failed")
			}
			// Panels are independent; never cancel the others.
			return nil
		}
	}

	var eg errgroup.Group
	eg.Go(timed(0, PanelSummary, func() (err error) {
		summary, err = l.source.Summary(ctx)
		return err
	}))
	eg.Go(timed(1, PanelByLab, func() (err error) {
		byLab, err = l.source.ByLab(ctx)
		return err
	}))
	eg.Go(timed(2, PanelByGender, func() (err error) {
		byGender, err = l.source.ByGender(ctx)
		return err
	}))
	eg.Go(timed(3, PanelCritical, func() (err error) {
		critical, err = l.source.UnreviewedCritical(ctx)
		return err
	}))
	_ = eg.Wait()

	snap := &Snapshot{
		GeneratedAt:  time.Now().UTC(),
		Counters:     CountersFrom(summary),
		StatusChart:  StatusBreakdown(summary),
		LabChart:     GroupByTest(byLab),
		GenderChart:  GroupByGender(byGender),
		TopTests:     TopTests(byLab, l.topTests),
		DurationsSec: map[string]float64{},
	}
	snap.Alerts = Alerts(critical, l.alertsLimit)
	snap.AlertsEmpty = errs[3] == nil && len(critical) == 0

	for i, panel := range []string{PanelSummary, PanelByLab, PanelByGender, PanelCritical} {
		snap.DurationsSec[panel] = durs[i]
		if errs[i] != nil {
			if snap.Errors == nil {
				snap.Errors = map[string]string{}
			}
			snap.Errors[panel] = errs[i].Error()
		}
	}
	return snap
}

// Failed reports whether a panel could not be loaded.
func (s *Snapshot) Failed(panel string) bool {
	_, ok := s.Errors[panel]
	return ok
}
