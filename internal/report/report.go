// Package report renders stored history as a standalone HTML page.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/store"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	ErrNoData       = errors.ErrorCode("report_no_data")
	ErrRenderFailed = errors.ErrorCode("report_render_failed")

	timeLayout  = "01-02 15:04"
	chartWidth  = "1100px"
	chartHeight = "360px"
)

// Summary is the headline figures shown above the charts.
type Summary struct {
	From, To        time.Time
	Samples         int
	MeanHashrate    float64
	PeakTemperature float64
	MeanEfficiency  float64
	Alerts          int
	Actions         int
}

type history struct {
	samples []telemetry.Sample
	alerts  []telemetry.AlertEvent
	actions []telemetry.OptimizationAction
}

func load(ctx context.Context, st store.Store, from, to time.Time) (history, error) {
	var h history
	for _, kind := range []telemetry.Kind{telemetry.KindSample, telemetry.KindAlert, telemetry.KindAction} {
		recs, err := store.Query(ctx, st, kind, from, to)
		if err != nil {
			return history{}, err
		}
		switch kind {
		case telemetry.KindSample:
			h.samples = recs.Samples
		case telemetry.KindAlert:
			h.alerts = recs.Alerts
		case telemetry.KindAction:
			h.actions = recs.Actions
		}
	}
	return h, nil
}

func summarize(h history, from, to time.Time) Summary {
	sum := Summary{
		From:    from,
		To:      to,
		Samples: len(h.samples),
		Alerts:  len(h.alerts),
		Actions: len(h.actions),
	}
	if len(h.samples) == 0 {
		return sum
	}

	hashrates := make([]float64, len(h.samples))
	temps := make([]float64, len(h.samples))
	eff := make([]float64, len(h.samples))
	for i, s := range h.samples {
		hashrates[i] = s.Hashrate
		temps[i] = s.Temperature
		eff[i] = s.Efficiency()
	}

	sum.MeanHashrate = stat.Mean(hashrates, nil)
	sum.PeakTemperature = floats.Max(temps)
	sum.MeanEfficiency = stat.Mean(eff, nil)
	return sum
}

// Summarize computes the headline figures for [from, to] without rendering.
// An empty range is not an error.
func Summarize(ctx context.Context, st store.Store, from, to time.Time) (Summary, error) {
	h, err := load(ctx, st, from, to)
	if err != nil {
		return Summary{}, err
	}
	return summarize(h, from, to), nil
}

// Render writes the report for [from, to] to w and returns its summary.
func Render(ctx context.Context, st store.Store, w io.Writer, from, to time.Time) (Summary, error) {
	errFactory := errors.New()

	h, err := load(ctx, st, from, to)
	if err != nil {
		return Summary{}, err
	}
	if len(h.samples) == 0 {
		return Summary{}, errFactory.WithData(ErrNoData, fmt.Sprintf("no samples between %s and %s",
			from.Format(time.RFC3339), to.Format(time.RFC3339)))
	}

	sum := summarize(h, from, to)

	page := components.NewPage()
	page.PageTitle = "bitaxectl history"
	page.AddCharts(
		hashrateChart(h, sum),
		temperatureChart(h),
		powerChart(h),
		settingsChart(h),
	)

	if err := page.Render(w); err != nil {
		return Summary{}, errFactory.Wrap(ErrRenderFailed, err)
	}
	return sum, nil
}

// WriteFile renders the report to path, creating parent directories.
func WriteFile(ctx context.Context, st store.Store, path string, from, to time.Time) (Summary, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Summary{}, errFactory.Wrap(ErrRenderFailed, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return Summary{}, errFactory.Wrap(ErrRenderFailed, err)
	}

	sum, err := Render(ctx, st, f, from, to)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errFactory.Wrap(ErrRenderFailed, cerr)
	}
	if err != nil {
		_ = os.Remove(path)
		return Summary{}, err
	}
	return sum, nil
}

func xAxis(samples []telemetry.Sample) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.Timestamp.Local().Format(timeLayout)
	}
	return out
}

func series(samples []telemetry.Sample, value func(telemetry.Sample) float64) []opts.LineData {
	out := make([]opts.LineData, len(samples))
	for i, s := range samples {
		out[i] = opts.LineData{Value: value(s)}
	}
	return out
}

func newLine(title, subtitle, unit string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithYAxisOpts(opts.YAxis{Name: unit, Scale: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	return line
}

func hashrateChart(h history, sum Summary) *charts.Line {
	line := newLine("Hashrate",
		fmt.Sprintf("mean %.1f GH/s over %d samples, %d alerts", sum.MeanHashrate, sum.Samples, sum.Alerts), "GH/s")

	line.SetXAxis(xAxis(h.samples)).
		AddSeries("hashrate", series(h.samples, func(s telemetry.Sample) float64 { return s.Hashrate }),
			charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
			charts.WithMarkLineNameTypeItemOpts(opts.MarkLineNameTypeItem{Name: "mean", Type: "average"}),
		)
	return line
}

func temperatureChart(h history) *charts.Line {
	line := newLine("Temperature", "", "°C")
	line.SetXAxis(xAxis(h.samples)).
		AddSeries("temperature", series(h.samples, func(s telemetry.Sample) float64 { return s.Temperature }),
			charts.WithMarkPointNameTypeItemOpts(opts.MarkPointNameTypeItem{Name: "peak", Type: "max"}),
		)
	return line
}

func powerChart(h history) *charts.Line {
	line := newLine("Power and efficiency", "", "")
	line.SetXAxis(xAxis(h.samples)).
		AddSeries("power (W)", series(h.samples, func(s telemetry.Sample) float64 { return s.Power })).
		AddSeries("efficiency (GH/s/W)", series(h.samples, telemetry.Sample.Efficiency))
	return line
}

// settingsChart plots frequency and voltage, with each optimizer action
// marked at the sample it preceded.
func settingsChart(h history) *charts.Line {
	line := newLine("Frequency and core voltage", fmt.Sprintf("%d optimizer actions", len(h.actions)), "")

	freq := series(h.samples, func(s telemetry.Sample) float64 { return float64(s.Frequency) })
	line.SetXAxis(xAxis(h.samples)).
		AddSeries("frequency (MHz)", freq).
		AddSeries("voltage (mV)", series(h.samples, func(s telemetry.Sample) float64 { return float64(s.Voltage) }))

	markers := make([]opts.ScatterData, len(h.samples))
	for i := range markers {
		markers[i] = opts.ScatterData{Value: "-"}
	}
	for _, a := range h.actions {
		i := indexAt(h.samples, a.Timestamp)
		if i < 0 {
			continue
		}
		markers[i] = opts.ScatterData{Value: a.NewValue, Name: fmt.Sprintf("%s %s %d→%d", a.Outcome, a.Parameter, a.OldValue, a.NewValue)}
	}

	actions := charts.NewScatter()
	actions.SetXAxis(xAxis(h.samples)).
		AddSeries("actions", markers, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	line.Overlap(actions)

	return line
}

// indexAt returns the first sample at or after t, or -1.
func indexAt(samples []telemetry.Sample, t time.Time) int {
	for i, s := range samples {
		if !s.Timestamp.Before(t) {
			return i
		}
	}
	return -1
}
