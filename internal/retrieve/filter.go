// Package retrieve collects finished runs from the engine and reduces each to
// summary statistics over a trailing window.
package retrieve

import (
	"github.com/QianWanghhu/oconnell-runner/internal/engine"
)

// Filter selects the output a sweep is measured on.
type Filter struct {
	NameFunc          engine.NameFunc
	NetworkElement    string
	RecordingVariable string
}

// SetFilter builds the filter for one node and recording variable. Series are
// named by network element.
func SetFilter(nodeOfInterest, variableOfInterest string) Filter {
	return Filter{
		NameFunc:          engine.NameForLocation,
		NetworkElement:    nodeOfInterest,
		RecordingVariable: variableOfInterest,
	}
}

// Criteria returns the engine query for this filter.
func (f Filter) Criteria() engine.Criteria {
	return engine.Criteria{
		NetworkElement:    f.NetworkElement,
		RecordingVariable: f.RecordingVariable,
	}
}

func (f Filter) nameFunc() engine.NameFunc {
	if f.NameFunc == nil {
		return engine.NameForLocation
	}
	return f.NameFunc
}
