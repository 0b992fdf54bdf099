// Package params loads the sweep parameter table and groups parameters by the
// simulation subsystem they live in.
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

// Group identifies one of the five engine subsystems a parameter belongs to.
type Group int

const (
	GroupNone Group = iota
	GroupCatchmentGeneration
	GroupLinkConstituents
	GroupNode
	GroupLinkRouting
	GroupNodeConstituents
)

// Groups lists every real group in table order.
var Groups = []Group{
	GroupCatchmentGeneration,
	GroupLinkConstituents,
	GroupNode,
	GroupLinkRouting,
	GroupNodeConstituents,
}

var groupInfo = map[Group]struct {
	location string
	label    string
}{
	GroupCatchmentGeneration: {"v.model.catchment.generation", "param_cmtgen"},
	GroupLinkConstituents:    {"v.model.link.constituents", "param_linkcons"},
	GroupNode:                {"v.model.node", "param_node"},
	GroupLinkRouting:         {"v.model.link.routing", "param_linkrout"},
	GroupNodeConstituents:    {"v.model.node.constituents", "param_nodecons"},
}

// Location returns the Veneer location string for the group.
func (g Group) Location() string { return groupInfo[g].location }

// Label returns the short label used in output and logs.
func (g Group) Label() string {
	if g == GroupNone {
		return "none"
	}
	return groupInfo[g].label
}

func (g Group) String() string { return g.Label() }

// GroupForLocation maps a Veneer_location cell onto a group. Matching is exact.
func GroupForLocation(location string) Group {
	for _, g := range Groups {
		if groupInfo[g].location == location {
			return g
		}
	}
	return GroupNone
}

// ParseGroup accepts either a label ("param_node") or a location string.
func ParseGroup(s string) (Group, error) {
	for _, g := range Groups {
		if groupInfo[g].label == s || groupInfo[g].location == s {
			return g, nil
		}
	}
	return GroupNone, fmt.Errorf("unknown parameter group %q", s)
}

// Required CSV columns.
const (
	ColumnLocation = "Veneer_location"
	ColumnName     = "Veneer_name"
	ColumnType     = "type"
)

// Record is one row of the parameter table.
type Record struct {
	Name     string
	Location string
	Group    Group
	// Type 0 replaces values with the sample factor; anything else scales them.
	Type int
}

// Table is the loaded parameter file in row order.
type Table struct {
	Records []Record
}

// LoadTable reads a parameter table from a CSV file.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open parameter file: %w", err)
	}
	defer f.Close()
	return ReadTable(f)
}

// ReadTable parses a parameter CSV. Extra columns are ignored.
func ReadTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read parameter header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	for _, want := range []string{ColumnLocation, ColumnName, ColumnType} {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("parameter file missing column %q", want)
		}
	}

	t := &Table{}
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("parameter file line %d: %w", line, err)
		}
		typ, err := parseType(row[cols[ColumnType]])
		if err != nil {
			return nil, fmt.Errorf("parameter file line %d: invalid type: %w", line, err)
		}
		loc := strings.TrimSpace(row[cols[ColumnLocation]])
		t.Records = append(t.Records, Record{
			Name:     strings.TrimSpace(row[cols[ColumnName]]),
			Location: loc,
			Group:    GroupForLocation(loc),
			Type:     typ,
		})
	}
	return t, nil
}

// parseType accepts integer flags, including the "1.0" form spreadsheets emit.
func parseType(s string) (int, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("type flag %q is not an integer", s)
	}
	return int(f), nil
}

// Len returns the number of parameter rows.
func (t *Table) Len() int { return len(t.Records) }

// Names returns the parameter names in row order.
func (t *Table) Names() []string {
	out := make([]string, len(t.Records))
	for i, r := range t.Records {
		out[i] = r.Name
	}
	return out
}

// Types returns the per-parameter type flags, parallel to Names.
func (t *Table) Types() []int {
	out := make([]int, len(t.Records))
	for i, r := range t.Records {
		out[i] = r.Type
	}
	return out
}

// GroupLabels returns the labels of all five groups in table order.
func GroupLabels() []string {
	out := make([]string, len(Groups))
	for i, g := range Groups {
		out[i] = g.Label()
	}
	return out
}

// ByGroup returns parameter names keyed by group. Every group is present,
// possibly empty; rows with an unknown location appear in none of them.
func (t *Table) ByGroup() map[Group][]string {
	out := make(map[Group][]string, len(Groups))
	for _, g := range Groups {
		out[g] = []string{}
	}
	for _, r := range t.Records {
		if r.Group == GroupNone {
			continue
		}
		out[r.Group] = append(out[r.Group], r.Name)
	}
	return out
}

// GroupOf reports the group of the first row carrying name.
func (t *Table) GroupOf(name string) (Group, bool) {
	for _, r := range t.Records {
		if r.Name == name {
			return r.Group, r.Group != GroupNone
		}
	}
	return GroupNone, false
}

// Record returns the row at index i.
func (t *Table) Record(i int) (Record, error) {
	if i < 0 || i >= len(t.Records) {
		return Record{}, fmt.Errorf("parameter index %d out of range [0,%d)", i, len(t.Records))
	}
	return t.Records[i], nil
}
