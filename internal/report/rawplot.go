package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Plot size for raw series PNGs.
const (
	plotWidth  = 14 * vg.Inch
	plotHeight = 6 * vg.Inch
)

// RawSeries is the content of a raw batch file: a Date column plus one
// column per run. Missing cells are NaN.
type RawSeries struct {
	Dates   []time.Time
	Columns []string
	Values  [][]float64 // Values[column][row]
}

// ReadRaw parses a raw batch CSV.
func ReadRaw(r io.Reader) (*RawSeries, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("raw series: empty file")
		}
		return nil, fmt.Errorf("raw series header: %w", err)
	}
	if len(header) < 1 || strings.TrimSpace(header[0]) != "Date" {
		return nil, fmt.Errorf("raw series: first column must be Date, got %v", header)
	}

	raw := &RawSeries{
		Columns: append([]string(nil), header[1:]...),
		Values:  make([][]float64, len(header)-1),
	}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("raw series line %d: %w", line, err)
		}
		d, err := time.Parse(time.DateOnly, row[0])
		if err != nil {
			return nil, fmt.Errorf("raw series line %d: %w", line, err)
		}
		raw.Dates = append(raw.Dates, d)
		for k := range raw.Columns {
			v := math.NaN()
			if cell := strings.TrimSpace(row[k+1]); cell != "" {
				v, err = strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("raw series line %d column %s: %w", line, raw.Columns[k], err)
				}
			}
			raw.Values[k] = append(raw.Values[k], v)
		}
	}
	return raw, nil
}

// PlotRaw draws one line per run against date.
func PlotRaw(raw *RawSeries, title string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Date"
	p.X.Tick.Marker = plot.TimeTicks{Format: time.DateOnly}
	p.Y.Label.Text = "Value"

	colors := generateColors(len(raw.Columns))
	for k, name := range raw.Columns {
		pts := make(plotter.XYs, 0, len(raw.Dates))
		for i, d := range raw.Dates {
			v := raw.Values[k][i]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(d.Unix()), Y: v})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", name, err)
		}
		line.Color = colors[k]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(name, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WritePNG encodes p as a PNG.
func WritePNG(w io.Writer, p *plot.Plot) error {
	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return fmt.Errorf("encode plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write plot: %w", err)
	}
	return nil
}

// generateColors spreads n hues around the colour wheel.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64
	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
