package engine

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"github.com/QianWanghhu/oconnell-runner/internal/params"
)

// accessor describes how to reach the model objects of one parameter group
// from an IronPython script running inside the engine.
type accessor struct {
	// Targets is a Python expression yielding the objects holding parameters.
	Targets   string
	NodeTypes []string
	Aspect    string
}

var accessors = map[params.Group]accessor{
	params.GroupCatchmentGeneration: {
		Targets: "[fu.rainfallRunoffModel for c in scenario.Network.Catchments for fu in c.FunctionalUnits if fu.rainfallRunoffModel is not None]",
	},
	params.GroupLinkConstituents: {
		Targets: "[m for l in scenario.Network.Links for m in constituent_models(l)]",
	},
	params.GroupNode: {
		Targets: "[n.NodeModel for n in scenario.Network.Nodes if n.NodeModel is not None]",
	},
	params.GroupLinkRouting: {
		Targets: "[l.FlowRouting for l in scenario.Network.Links if l.FlowRouting is not None]",
	},
	params.GroupNodeConstituents: {
		Targets:   "[m for n in scenario.Network.Nodes if node_type_matches(n) for m in constituent_models(n)]",
		NodeTypes: []string{"StorageNodeModel"},
		Aspect:    "model",
	},
}

func accessorFor(g params.Group) (accessor, error) {
	a, ok := accessors[g]
	if !ok {
		return accessor{}, fmt.Errorf("no accessor for parameter group %q", g.Label())
	}
	return a, nil
}

// The preamble defines the helpers the target expressions rely on.
const scriptPreamble = `# Generated by sweep-runner ({{.Location}})
import clr
node_types = [{{range $i, $t := .NodeTypes}}{{if $i}}, {{end}}'{{$t}}'{{end}}]
aspect = '{{.Aspect}}'

def node_type_matches(n):
    if not node_types:
        return True
    return n.NodeModel is not None and n.NodeModel.GetType().Name in node_types

def constituent_models(element):
    provider = scenario.CatchmentModelProvider if aspect == 'model' else scenario.SystemConfiguration
    models = []
    for c in scenario.SystemConfiguration.Constituents:
        m = provider.ConstituentModelFor(element, c) if hasattr(provider, 'ConstituentModelFor') else None
        if m is not None:
            models.append(m)
    return models
`

var getScriptTmpl = template.Must(template.New("get").Parse(scriptPreamble + `
result = []
for target in {{.Targets}}:
    if hasattr(target, '{{.Name}}'):
        result.append(float(getattr(target, '{{.Name}}')))
`))

var setScriptTmpl = template.Must(template.New("set").Parse(scriptPreamble + `
values = [{{.Values}}]
result = 0
for target in {{.Targets}}:
    if hasattr(target, '{{.Name}}'):
        setattr(target, '{{.Name}}', values[result % len(values)])
        result += 1
`))

type scriptData struct {
	Targets   string
	NodeTypes []string
	Aspect    string
	Location  string
	Name      string
	Values    string
}

// GetParamScript renders the script that reads a parameter in a group.
func GetParamScript(g params.Group, name string) (string, error) {
	return renderScript(getScriptTmpl, g, name, nil)
}

// SetParamScript renders the script that writes a parameter in a group.
// The script's result is the number of elements assigned.
func SetParamScript(g params.Group, name string, values []float64) (string, error) {
	if len(values) == 0 {
		return "", fmt.Errorf("no values to set for %s", name)
	}
	return renderScript(setScriptTmpl, g, name, values)
}

func renderScript(tmpl *template.Template, g params.Group, name string, values []float64) (string, error) {
	if !validIdentifier(name) {
		return "", fmt.Errorf("invalid parameter name %q", name)
	}
	a, err := accessorFor(g)
	if err != nil {
		return "", err
	}
	vals := make([]string, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", fmt.Errorf("parameter %s: value %d is not finite", name, i)
		}
		vals[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, scriptData{
		Targets:   a.Targets,
		NodeTypes: a.NodeTypes,
		Aspect:    a.Aspect,
		Location:  g.Location(),
		Name:      name,
		Values:    strings.Join(vals, ", "),
	}); err != nil {
		return "", fmt.Errorf("render %s script: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// validIdentifier guards against names that would break out of the
// generated Python string literals.
func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
