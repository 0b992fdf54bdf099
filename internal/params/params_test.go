package params

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTable = `Veneer_location,Veneer_name,type,min,max
v.model.catchment.generation,x1,1,0.5,1.5
v.model.link.constituents,DeliveryRatio,0,0,100
v.model.node,MaxStorage,1,0.8,1.2
v.model.link.routing,RoutingConstant,1,0.5,2
v.model.node.constituents,Decay,0,0,1
v.model.catchment.generation,x2,1,0.5,1.5
v.model.unknown,Orphan,0,0,1
`

func TestReadTable(t *testing.T) {
	tbl, err := ReadTable(strings.NewReader(sampleTable))
	require.NoError(t, err)

	assert.Equal(t, 7, tbl.Len())
	assert.Equal(t, []string{"x1", "DeliveryRatio", "MaxStorage", "RoutingConstant", "Decay", "x2", "Orphan"}, tbl.Names())
	assert.Equal(t, []int{1, 0, 1, 1, 0, 1, 0}, tbl.Types())
}

func TestByGroup_Partition(t *testing.T) {
	tbl, err := ReadTable(strings.NewReader(sampleTable))
	require.NoError(t, err)

	want := map[Group][]string{
		GroupCatchmentGeneration: {"x1", "x2"},
		GroupLinkConstituents:    {"DeliveryRatio"},
		GroupNode:                {"MaxStorage"},
		GroupLinkRouting:         {"RoutingConstant"},
		GroupNodeConstituents:    {"Decay"},
	}
	got := tbl.ByGroup()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ByGroup mismatch (-want +got):\n%s", diff)
	}

	// Every grouped name appears in exactly one group.
	seen := map[string]Group{}
	for g, names := range got {
		for _, n := range names {
			prev, dup := seen[n]
			assert.False(t, dup, "%s in both %s and %s", n, prev, g)
			seen[n] = g
		}
	}
	for _, r := range tbl.Records {
		g, ok := seen[r.Name]
		if r.Group == GroupNone {
			assert.False(t, ok, "ungrouped %s should not appear in a group", r.Name)
			continue
		}
		assert.Equal(t, GroupForLocation(r.Location), g)
	}
}

func TestGroupOf(t *testing.T) {
	tbl, err := ReadTable(strings.NewReader(sampleTable))
	require.NoError(t, err)

	g, ok := tbl.GroupOf("RoutingConstant")
	assert.True(t, ok)
	assert.Equal(t, GroupLinkRouting, g)

	_, ok = tbl.GroupOf("Orphan")
	assert.False(t, ok)

	_, ok = tbl.GroupOf("missing")
	assert.False(t, ok)
}

func TestGroupLabelsAndParse(t *testing.T) {
	assert.Equal(t, []string{"param_cmtgen", "param_linkcons", "param_node", "param_linkrout", "param_nodecons"}, GroupLabels())

	for _, g := range Groups {
		byLabel, err := ParseGroup(g.Label())
		require.NoError(t, err)
		assert.Equal(t, g, byLabel)
		byLoc, err := ParseGroup(g.Location())
		require.NoError(t, err)
		assert.Equal(t, g, byLoc)
	}
	_, err := ParseGroup("v.model")
	assert.Error(t, err)
	assert.Equal(t, "none", GroupNone.String())
}

func TestReadTable_MissingColumn(t *testing.T) {
	_, err := ReadTable(strings.NewReader("Veneer_location,Veneer_name\nv.model.node,a\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"type"`)
}

func TestReadTable_BadType(t *testing.T) {
	_, err := ReadTable(strings.NewReader("Veneer_location,Veneer_name,type\nv.model.node,a,scale\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	_, err = ReadTable(strings.NewReader("Veneer_location,Veneer_name,type\nv.model.node,a,0.5\n"))
	assert.Error(t, err)
}

func TestReadTable_FloatTypeFlag(t *testing.T) {
	tbl, err := ReadTable(strings.NewReader("Veneer_location,Veneer_name,type\nv.model.node,a,1.0\n"))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, tbl.Types())
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parameters.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleTable), 0o644))

	tbl, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, 7, tbl.Len())

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestRecord_OutOfRange(t *testing.T) {
	tbl, err := ReadTable(strings.NewReader(sampleTable))
	require.NoError(t, err)

	r, err := tbl.Record(2)
	require.NoError(t, err)
	assert.Equal(t, "MaxStorage", r.Name)

	_, err = tbl.Record(7)
	assert.Error(t, err)
	_, err = tbl.Record(-1)
	assert.Error(t, err)
}
