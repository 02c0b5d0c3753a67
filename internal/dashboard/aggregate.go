package dashboard

import (
	"fmt"
	"strconv"

	"lab-report-dashboard/internal/connectors/labapi"
)

// Default slice sizes for the table and alert panels.
const (
	DefaultTopTests = 10
	DefaultAlerts   = 5
)

// NoAlertsMessage is shown when there are no unreviewed critical results.
const NoAlertsMessage = "No pending critical alerts 🎉"

// Counters are the summary tiles at the top of the dashboard.
type Counters struct {
	Total    int64 `json:"total"`
	Normal   int64 `json:"normal"`
	Abnormal int64 `json:"abnormal"`
	Critical int64 `json:"critical"`
	Unknown  int64 `json:"unknown"`
}

// Series is an ordered label/value pair list ready for a chart.
type Series struct {
	Labels []string `json:"labels"`
	Values []int64  `json:"values"`
}

// Len returns the number of points.
func (s Series) Len() int {
	return len(s.Labels)
}

// Sum returns the total of all values.
func (s Series) Sum() int64 {
	var total int64
	for _, v := range s.Values {
		total += v
	}
	return total
}

// Alert is one rendered line of the critical alert panel.
type Alert struct {
	SubjectID string  `json:"subject_id"`
	TestName  string  `json:"test_name"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Line      string  `json:"line"`
}

// CountersFrom sums every row into Total. The three known statuses take the
// row's count directly; any other status accumulates into Unknown.
func CountersFrom(rows []labapi.SummaryRow) Counters {
	var c Counters
	for _, row := range rows {
		n := nonNegative(row.Count)
		c.Total += n
		switch row.Status {
		case labapi.StatusNormal:
			c.Normal = n
		case labapi.StatusAbnormal:
			c.Abnormal = n
		case labapi.StatusCritical:
			c.Critical = n
		default:
			c.Unknown += n
		}
	}
	return c
}

// StatusBreakdown keeps the upstream row order for the doughnut chart.
func StatusBreakdown(rows []labapi.SummaryRow) Series {
	s := Series{Labels: make([]string, 0, len(rows)), Values: make([]int64, 0, len(rows))}
	for _, row := range rows {
		s.Labels = append(s.Labels, row.Status)
		s.Values = append(s.Values, nonNegative(row.Count))
	}
	return s
}

// GroupByTest sums patient counts per test name in first-seen order.
func GroupByTest(rows []labapi.LabRow) Series {
	g := newGrouper(len(rows))
	for _, row := range rows {
		g.add(row.TestName, row.PatientCount)
	}
	return g.result()
}

// GroupByGender sums patient counts per gender in first-seen order.
func GroupByGender(rows []labapi.GenderRow) Series {
	g := newGrouper(len(rows))
	for _, row := range rows {
		g.add(row.Gender, row.PatientCount)
	}
	return g.result()
}

// TopTests returns the first n rows as delivered by the upstream, which
// already sorts by patient count.
func TopTests(rows []labapi.LabRow, n int) []labapi.LabRow {
	if n <= 0 {
		n = DefaultTopTests
	}
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]labapi.LabRow, len(rows))
	copy(out, rows)
	return out
}

// Alerts returns the first n unreviewed critical rows as panel lines.
func Alerts(rows []labapi.CriticalAlertRow, n int) []Alert {
	if n <= 0 {
		n = DefaultAlerts
	}
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]Alert, 0, len(rows))
	for _, row := range rows {
		out = append(out, Alert{
			SubjectID: row.SubjectID.String(),
			TestName:  row.TestName,
			Value:     row.Value,
			Unit:      row.Unit,
			Line:      AlertLine(row),
		})
	}
	return out
}

// AlertLine formats "Subject {id} | {test}: {value} {unit}".
func AlertLine(row labapi.CriticalAlertRow) string {
	return fmt.Sprintf("Subject %s | %s: %s %s", row.SubjectID, row.TestName, formatValue(row.Value), row.Unit)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

type grouper struct {
	index  map[string]int
	series Series
}

func newGrouper(capacity int) *grouper {
	return &grouper{
		index:  make(map[string]int, capacity),
		series: Series{Labels: make([]string, 0, capacity), Values: make([]int64, 0, capacity)},
	}
}

func (g *grouper) add(label string, n int64) {
	n = nonNegative(n)
	if i, ok := g.index[label]; ok {
		g.series.Values[i] += n
		return
	}
	g.index[label] = len(g.series.Labels)
	g.series.Labels = append(g.series.Labels, label)
	g.series.Values = append(g.series.Values, n)
}

func (g *grouper) result() Series {
	return g.series
}
