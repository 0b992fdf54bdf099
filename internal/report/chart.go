// Package report renders sweep results: an HTML page of per-run statistics
// and PNG plots of the raw series written during a sweep.
package report

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/QianWanghhu/oconnell-runner/internal/retrieve"
	"github.com/QianWanghhu/oconnell-runner/internal/stats"
)

// AssetsHost serves the echarts javascript referenced by rendered pages.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// StatsPage builds a page with one line chart of mean and quantiles per
// sample and one bar chart of the standard deviation.
func StatsPage(t *retrieve.Table, title string) (*components.Page, error) {
	if t.Len() == 0 {
		return nil, fmt.Errorf("no results to chart")
	}

	samples := make([]string, len(t.Results))
	mean := make([]opts.LineData, len(t.Results))
	std := make([]opts.BarData, len(t.Results))
	quantiles := make([][]opts.LineData, len(t.Levels))
	for j := range quantiles {
		quantiles[j] = make([]opts.LineData, len(t.Results))
	}
	for i, r := range t.Results {
		samples[i] = strconv.Itoa(r.Sample)
		mean[i] = opts.LineData{Value: chartValue(r.Mean)}
		std[i] = opts.BarData{Value: chartValue(r.Std)}
		for j := range t.Levels {
			v := math.NaN()
			if j < len(r.Quantiles) {
				v = r.Quantiles[j]
			}
			quantiles[j][i] = opts.LineData{Value: chartValue(v)}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("runs=%d", t.Len())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sample", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	line.SetXAxis(samples).
		AddSeries("mean", mean, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))
	for j, p := range t.Levels {
		line.AddSeries(stats.QuantileLabel(p), quantiles[j], charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Standard deviation"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sample", NameLocation: "middle", NameGap: 25}),
	)
	bar.SetXAxis(samples).AddSeries("std", std)

	page := components.NewPage()
	page.PageTitle = title
	page.SetAssetsHost(AssetsHost)
	page.AddCharts(line, bar)
	return page, nil
}

// RenderStats writes the statistics page for t to w.
func RenderStats(w io.Writer, t *retrieve.Table, title string) error {
	page, err := StatsPage(t, title)
	if err != nil {
		return err
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render stats page: %w", err)
	}
	return nil
}

// chartValue maps NaN to nil so echarts leaves a gap.
func chartValue(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}
