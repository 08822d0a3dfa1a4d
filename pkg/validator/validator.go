// Package validator checks an exported interchange graph before it is handed
// to the mobile compiler. Findings are warnings: the compiler is the final
// judge, but a graph that fails here usually fails there with a worse message.
package validator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"github.com/zerfoo/zdepth/internal/onnx"
	"github.com/zerfoo/zdepth/internal/shape"
	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/faults"
)

// maxNamed bounds how many offending names one issue lists.
const maxNamed = 5

// Result is the outcome of validating one graph.
type Result struct {
	Path         string
	IRVersion    int64
	Opset        int64
	Producer     string
	Nodes        int
	Initializers int
	Parameters   int64
	// OpTypes counts nodes per operator type.
	OpTypes map[string]int
	Issues  []*faults.Error
}

// OK reports whether no issue was found.
func (r *Result) OK() bool { return len(r.Issues) == 0 }

func (r *Result) add(msg, expected, found string) {
	r.Issues = append(r.Issues, &faults.Error{
		Kind:     faults.StructuralValidationWarning,
		Msg:      msg,
		Expected: expected,
		Found:    found,
	})
}

// Validate decodes the graph at path and checks it against ec. Only a file
// that cannot be read or decoded returns an error.
func Validate(path string, ec config.ExportConfig) (*Result, error) {
	m, err := onnx.ParseFile(path)
	if err != nil {
		return nil, faults.Wrap(faults.StructuralValidationWarning, err, "failed to decode interchange graph %s", path)
	}
	res := Check(m, path, ec)
	for _, issue := range res.Issues {
		klog.Warning(issue.Diagnosis())
	}
	return res, nil
}

// Check validates a decoded model. path locates external tensor data.
func Check(m *onnx.ModelProto, path string, ec config.ExportConfig) *Result {
	res := &Result{
		Path:      path,
		IRVersion: m.IRVersion,
		Producer:  strings.TrimSpace(m.ProducerName + " " + m.ProducerVersion),
		OpTypes:   map[string]int{},
	}

	opset, ok := m.Opset()
	res.Opset = opset
	switch {
	case !ok:
		res.add("graph imports no default-domain opset", fmt.Sprintf("opset %d", ec.Opset), "none")
	case opset != int64(ec.Opset):
		res.add("graph opset differs from the requested opset", fmt.Sprintf("opset %d", ec.Opset), fmt.Sprintf("opset %d", opset))
	}

	g := m.Graph
	if g == nil || len(g.Nodes) == 0 {
		res.add("graph has no nodes", "at least one node", "empty graph")
		return res
	}
	res.Nodes = len(g.Nodes)
	res.Initializers = len(g.Initializers)
	res.OpTypes = g.OpTypes()

	checkInterface(res, g, ec)
	checkTopology(res, g)
	checkInitializers(res, g, path)
	return res
}

func checkInterface(res *Result, g *onnx.GraphProto, ec config.ExportConfig) {
	initialized := make(map[string]bool, len(g.Initializers))
	for _, t := range g.Initializers {
		initialized[t.Name] = true
	}
	// Older IR versions list initializers among the graph inputs.
	var inputs []onnx.ValueInfoProto
	for _, in := range g.Inputs {
		if !initialized[in.Name] {
			inputs = append(inputs, in)
		}
	}

	if len(inputs) != 1 || inputs[0].Name != ec.InputName {
		res.add("graph input does not match", fmt.Sprintf("one input named %q", ec.InputName), valueNames(inputs))
	}
	for _, in := range inputs {
		if in.Name != ec.InputName {
			continue
		}
		dims, static := in.Shape()
		if !static || !shape.Equal(dims, ec.InputDims()) {
			res.add("graph input shape does not match", shape.String(ec.InputDims()), describeShape(dims, static))
		}
		if et := in.ElemType(); et != onnx.TensorProtoFloat {
			res.add("graph input is not FLOAT", "FLOAT", onnx.DataTypeName(et))
		}
	}

	if len(g.Outputs) != 1 || g.Outputs[0].Name != ec.OutputName {
		res.add("graph output does not match", fmt.Sprintf("one output named %q", ec.OutputName), valueNames(g.Outputs))
	}
	for _, out := range g.Outputs {
		if out.Name != ec.OutputName {
			continue
		}
		dims, static := out.Shape()
		if !static {
			res.add("graph output shape is not static", "fully static dimensions", describeShape(dims, static))
		} else if !shape.Equivalent(dims, ec.OutputDims()) {
			res.add("graph output shape does not match", shape.String(ec.OutputDims()), shape.String(dims))
		}
	}
}

func checkTopology(res *Result, g *onnx.GraphProto) {
	available := make(map[string]bool)
	for _, in := range g.Inputs {
		available[in.Name] = true
	}
	for _, t := range g.Initializers {
		available[t.Name] = true
	}

	var dangling, duplicate []string
	for i, n := range g.Nodes {
		for _, in := range n.Inputs {
			// An empty name marks an omitted optional input.
			if in != "" && !available[in] {
				dangling = append(dangling, fmt.Sprintf("%s consumed by node %d (%s)", in, i, n.OpType))
			}
		}
		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			if available[out] {
				duplicate = append(duplicate, out)
			}
			available[out] = true
		}
	}
	if len(dangling) > 0 {
		res.add("nodes consume values that are not produced earlier", "a topologically sorted graph", named(dangling))
	}
	if len(duplicate) > 0 {
		res.add("values are produced more than once", "single assignment", named(duplicate))
	}

	var missing []string
	for _, out := range g.Outputs {
		if !available[out.Name] {
			missing = append(missing, out.Name)
		}
	}
	if len(missing) > 0 {
		res.add("graph outputs are never produced", "outputs produced by a node", named(missing))
	}
}

func checkInitializers(res *Result, g *onnx.GraphProto, path string) {
	var badSize, nonFinite, unreadable []string
	for i := range g.Initializers {
		t := &g.Initializers[i]
		res.Parameters += t.NumElements()

		raw := t.RawData
		if t.IsExternal() {
			data, err := t.LoadExternalData(path)
			if err != nil {
				unreadable = append(unreadable, fmt.Sprintf("%s (%v)", t.Name, err))
				continue
			}
			raw = data
		}

		if size := onnx.ElemSize(t.DataType); size > 0 && len(raw) > 0 {
			if want := t.NumElements() * int64(size); int64(len(raw)) != want {
				badSize = append(badSize, fmt.Sprintf("%s (%d bytes, dims %v need %d)", t.Name, len(raw), t.Dims, want))
				continue
			}
		}

		if t.DataType != onnx.TensorProtoFloat && t.DataType != onnx.TensorProtoFloat16 {
			continue
		}
		var payload []byte
		if len(raw) > 0 {
			payload = raw
		}
		values, err := t.Float32s(payload)
		if err != nil {
			badSize = append(badSize, fmt.Sprintf("%s (%v)", t.Name, err))
			continue
		}
		for _, v := range values {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				nonFinite = append(nonFinite, t.Name)
				break
			}
		}
	}

	if len(unreadable) > 0 {
		res.add("external tensor data cannot be read", "readable external data files", named(unreadable))
	}
	if len(badSize) > 0 {
		res.add("initializer payloads disagree with their dims", "payload size = elements x element size", named(badSize))
	}
	if len(nonFinite) > 0 {
		res.add("initializers contain NaN or Inf", "finite weights", named(nonFinite))
	}
}

func named(names []string) string {
	if len(names) <= maxNamed {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(names[:maxNamed], ", "), len(names)-maxNamed)
}

func valueNames(vs []onnx.ValueInfoProto) string {
	if len(vs) == 0 {
		return "none"
	}
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = fmt.Sprintf("%q", v.Name)
	}
	return strings.Join(names, ", ")
}

func describeShape(dims []int64, static bool) string {
	if dims == nil {
		return "no shape"
	}
	if !static {
		return shape.String(dims) + " (dynamic)"
	}
	return shape.String(dims)
}

// SortedOpTypes returns the op types of an inventory ordered by descending
// count, then name.
func SortedOpTypes(inv map[string]int) []string {
	ops := make([]string, 0, len(inv))
	for op := range inv {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if inv[ops[i]] != inv[ops[j]] {
			return inv[ops[i]] > inv[ops[j]]
		}
		return ops[i] < ops[j]
	})
	return ops
}
