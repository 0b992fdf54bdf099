package stats

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultQuantiles are the levels reported when none are configured.
var DefaultQuantiles = []float64{0.95, 0.99}

// QuantileMethod selects how quantiles are estimated between order statistics.
type QuantileMethod string

const (
	// Linear interpolates between the two closest ranks, h = (n-1)p. This is
	// the default of most tabular data libraries.
	Linear QuantileMethod = "linear"
	// Empirical returns the smallest value whose empirical CDF reaches p.
	Empirical QuantileMethod = "empirical"
	// LinInterp interpolates the empirical CDF, h = np.
	LinInterp QuantileMethod = "lininterp"
)

// ParseQuantileMethod maps a configuration string to a method. The empty
// string selects Linear.
func ParseQuantileMethod(s string) (QuantileMethod, error) {
	switch m := QuantileMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return Linear, nil
	case Linear, Empirical, LinInterp:
		return m, nil
	default:
		return "", fmt.Errorf("unknown quantile method %q (want linear, empirical or lininterp)", s)
	}
}

// Summary holds the statistics of one series.
type Summary struct {
	Count     int
	Mean      float64
	Std       float64
	Levels    []float64
	Quantiles []float64
}

// ValidateLevels checks that every quantile level lies in [0, 1].
func ValidateLevels(levels []float64) error {
	for _, p := range levels {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("quantile level %v outside [0, 1]", p)
		}
	}
	return nil
}

// Summarise computes mean, sample standard deviation (n-1 denominator) and
// the requested quantiles. NaN values are skipped. With no values every
// statistic is NaN; with one value Std is NaN.
func Summarise(values []float64, levels []float64, method QuantileMethod) (Summary, error) {
	if err := ValidateLevels(levels); err != nil {
		return Summary{}, err
	}
	if method == "" {
		method = Linear
	}

	x := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			x = append(x, v)
		}
	}

	s := Summary{
		Count:     len(x),
		Mean:      math.NaN(),
		Std:       math.NaN(),
		Levels:    append([]float64(nil), levels...),
		Quantiles: make([]float64, len(levels)),
	}
	if len(x) == 0 {
		for i := range s.Quantiles {
			s.Quantiles[i] = math.NaN()
		}
		return s, nil
	}

	s.Mean = floats.Sum(x) / float64(len(x))
	if len(x) > 1 {
		s.Std = stat.StdDev(x, nil)
	}

	slices.Sort(x)
	for i, p := range levels {
		q, err := quantile(p, x, method)
		if err != nil {
			return Summary{}, err
		}
		s.Quantiles[i] = q
	}
	return s, nil
}

// quantile estimates the p-quantile of sorted, non-empty x.
func quantile(p float64, x []float64, method QuantileMethod) (float64, error) {
	switch method {
	case Linear:
		h := float64(len(x)-1) * p
		lo := math.Floor(h)
		i := int(lo)
		if i+1 >= len(x) {
			return x[len(x)-1], nil
		}
		return x[i] + (h-lo)*(x[i+1]-x[i]), nil
	case Empirical:
		return stat.Quantile(p, stat.Empirical, x, nil), nil
	case LinInterp:
		return stat.Quantile(p, stat.LinInterp, x, nil), nil
	default:
		return 0, fmt.Errorf("unknown quantile method %q", method)
	}
}

// QuantileLabel formats a level the way result columns are named, e.g. "q0.95".
func QuantileLabel(p float64) string {
	return "q" + strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", p), "0"), ".")
}
