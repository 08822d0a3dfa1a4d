package registry

import (
	"testing"
)

func TestGet(t *testing.T) {
	for _, op := range []string{"Conv", "MatMul", "Resize", "Softmax", "Erf"} {
		if _, ok := Get(op); !ok {
			t.Errorf("expected %s to be registered", op)
		}
	}
	if _, ok := Get("GridSample"); ok {
		t.Error("GridSample should not be registered")
	}
	if l, _ := Get("Resize"); l.Note == "" {
		t.Error("expected Resize to carry a note")
	}
}

func TestUnsupported(t *testing.T) {
	inv := map[string]int{
		"Conv":                     4,
		"GridSample":               1,
		"com.microsoft::FusedGemm": 2,
		"Relu":                     3,
		"Col2Im":                   1,
	}
	got := Unsupported(inv)
	want := []string{"Col2Im", "GridSample", "com.microsoft::FusedGemm"}
	if len(got) != len(want) {
		t.Fatalf("Unsupported() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Unsupported()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if len(Unsupported(map[string]int{"Conv": 1})) != 0 {
		t.Error("expected a fully supported inventory")
	}
}

func TestRegister(t *testing.T) {
	Register(Lowering{OpType: "CustomDepthOp"})
	defer delete(registry, "CustomDepthOp")
	if _, ok := Get("CustomDepthOp"); !ok {
		t.Error("expected CustomDepthOp after Register")
	}
}
