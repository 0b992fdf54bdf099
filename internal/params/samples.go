package params

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Samples is a design matrix: one row per run, one column per active parameter.
type Samples [][]float64

// LoadSamples reads a sample matrix from a CSV file.
func LoadSamples(path string) (Samples, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open samples file: %w", err)
	}
	defer f.Close()
	return ReadSamples(f)
}

// ReadSamples parses a numeric CSV matrix. A first row that does not parse as
// numbers is treated as a header and skipped. Rows must all have the same width.
func ReadSamples(r io.Reader) (Samples, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	var out Samples
	width := -1
	line := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("samples line %d: %w", line, err)
		}
		vals, perr := parseRow(row)
		if perr != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("samples line %d: %w", line, perr)
		}
		if width == -1 {
			width = len(vals)
		} else if len(vals) != width {
			return nil, fmt.Errorf("samples line %d: expected %d columns, got %d", line, width, len(vals))
		}
		out = append(out, vals)
	}
	return out, nil
}

func parseRow(row []string) ([]float64, error) {
	out := make([]float64, 0, len(row))
	for _, cell := range row {
		cell = strings.TrimSpace(cell)
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", cell, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Width returns the column count of the matrix (0 when empty).
func (s Samples) Width() int {
	if len(s) == 0 {
		return 0
	}
	return len(s[0])
}

// ParseIndex parses a comma-separated list of zero-based parameter row indices.
// Returns nil, nil for empty input strings.
func ParseIndex(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid int '%s': %w", p, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("negative parameter index %d", v)
		}
		out = append(out, v)
	}
	return out, nil
}

// DefaultIndex returns 0..n-1, used when no explicit index list is configured.
func DefaultIndex(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Perturb computes the value written to the engine for one sample. Type 0
// replaces every element with factor; any other type scales each element.
func Perturb(initial []float64, typ int, factor float64) []float64 {
	out := make([]float64, len(initial))
	for i, v := range initial {
		if typ == 0 {
			out[i] = factor
		} else {
			out[i] = factor * v
		}
	}
	return out
}
