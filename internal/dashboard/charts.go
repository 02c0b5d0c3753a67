package dashboard

import (
	"bytes"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Chart identifiers; also used as the HTTP path segment under /charts/.
const (
	ChartLabs   = "labs"
	ChartGender = "gender"
	ChartStatus = "status"
)

var (
	labBarColor  = "#1f3c88"
	genderColors = opts.Colors{"#36a2eb", "#ff6384", "#cfbebe"}
	statusColors = opts.Colors{"#4caf50", "#ff9800", "#f44336", "#9e9e9e"}
)

// RenderChart writes the named chart for snap as a standalone HTML page.
func RenderChart(w io.Writer, name string, snap *Snapshot) (bool, error) {
	switch name {
	case ChartLabs:
		return true, LabChart(snap.LabChart).Render(w)
	case ChartGender:
		return true, GenderChart(snap.GenderChart).Render(w)
	case ChartStatus:
		return true, StatusChart(snap.StatusChart).Render(w)
	default:
		return false, nil
	}
}

// RenderChartString is RenderChart into a string.
func RenderChartString(name string, snap *Snapshot) (string, error) {
	var buf bytes.Buffer
	ok, err := RenderChart(&buf, name, snap)
	if err != nil || !ok {
		return "", err
	}
	return buf.String(), nil
}

// LabChart is the "affected tests" bar chart.
func LabChart(s Series) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Width:     "100%",
			Height:    "300px",
			ChartID:   "lab_chart",
			PageTitle: "Affected tests",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithXAxisOpts(opts.XAxis{
			AxisLabel: &opts.AxisLabel{
				Rotate:      30,
				HideOverlap: opts.Bool(true),
			},
		}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0}),
	)

	data := make([]opts.BarData, 0, s.Len())
	for _, v := range s.Values {
		data = append(data, opts.BarData{Value: v})
	}
	bar.SetXAxis(s.Labels).
		AddSeries("Patients", data).
		SetSeriesOptions(charts.WithItemStyleOpts(opts.ItemStyle{Color: labBarColor}))
	return bar
}

// GenderChart is the gender distribution pie chart.
func GenderChart(s Series) *charts.Pie {
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Width:     "100%",
			Height:    "300px",
			ChartID:   "gender_chart",
			PageTitle: "Gender distribution",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithColorsOpts(genderColors),
	)
	pie.AddSeries("Patients", pieData(s))
	return pie
}

// StatusChart is the status overview doughnut chart.
func StatusChart(s Series) *charts.Pie {
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Width:     "100%",
			Height:    "300px",
			ChartID:   "status_chart",
			PageTitle: "Status overview",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Bottom: "0"}),
		charts.WithColorsOpts(statusColors),
	)
	pie.AddSeries("Results", pieData(s)).
		SetSeriesOptions(charts.WithPieChartOpts(opts.PieChart{
			Radius: []string{"45%", "70%"},
		}))
	return pie
}

func pieData(s Series) []opts.PieData {
	data := make([]opts.PieData, 0, s.Len())
	for i, label := range s.Labels {
		data = append(data, opts.PieData{Name: label, Value: s.Values[i]})
	}
	return data
}
