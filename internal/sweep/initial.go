// Package sweep drives a parameter-sensitivity sweep: for each sample row it
// perturbs engine parameters, runs the model, restores the parameters and
// periodically collects results.
package sweep

import (
	"context"
	"errors"
	"fmt"

	"github.com/QianWanghhu/oconnell-runner/internal/engine"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
	"github.com/QianWanghhu/oconnell-runner/internal/params"
)

// ErrNoInitialValue is returned when a parameter has no cached initial value.
var ErrNoInitialValue = errors.New("no initial value")

// InitialValues caches engine-resident parameter values by name.
type InitialValues map[string][]float64

// Get returns a copy of the cached value of name.
func (iv InitialValues) Get(name string) ([]float64, error) {
	v, ok := iv[name]
	if !ok {
		return nil, fmt.Errorf("%w for parameter %s", ErrNoInitialValue, name)
	}
	return append([]float64(nil), v...), nil
}

// FetchInitialValues reads every grouped parameter from the engine.
// Parameters that belong to no group are skipped.
func FetchInitialValues(ctx context.Context, e engine.Engine, table *params.Table) (InitialValues, error) {
	iv := make(InitialValues, table.Len())
	for _, rec := range table.Records {
		if rec.Group == params.GroupNone {
			monitoring.Debugf("[sweep] skipping %s: location %q matches no parameter group", rec.Name, rec.Location)
			continue
		}
		v, err := e.GetParamValues(ctx, rec.Group, rec.Name)
		if err != nil {
			return nil, fmt.Errorf("fetch initial value of %s: %w", rec.Name, err)
		}
		iv[rec.Name] = v
	}
	monitoring.Logf("[sweep] Cached initial values for %d of %d parameters", len(iv), table.Len())
	return iv, nil
}
