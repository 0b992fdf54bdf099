package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianWanghhu/oconnell-runner/internal/params"
)

func TestSeededFake_HoldsEveryParameter(t *testing.T) {
	table := ParamTable(t)
	require.Equal(t, len(params.Groups), table.Len())

	f := SeededFake(t)
	for _, rec := range table.Records {
		got, err := f.GetParamValues(context.Background(), rec.Group, rec.Name)
		require.NoError(t, err, rec.Name)
		assert.Equal(t, InitialValues[rec.Name], got, rec.Name)
	}
}

func TestConstantSeries(t *testing.T) {
	s := ConstantSeries("Node A", "Flow", Day(2012, 2, 27), Day(2012, 3, 1), 4)
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, []float64{4, 4, 4, 4}, s.Values)
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, Day(2012, 3, 1), last)
}
