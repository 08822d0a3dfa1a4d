// Package shape compares tensor shapes the way the conversion pipeline
// needs: formats disagree on whether a single-channel depth map keeps its
// channel axis, so shapes are compared with singleton axes dropped.
package shape

import (
	"fmt"
	"strings"
)

// Squeeze returns dims without the axes of size 1.
func Squeeze(dims []int64) []int64 {
	out := make([]int64, 0, len(dims))
	for _, d := range dims {
		if d != 1 {
			out = append(out, d)
		}
	}
	return out
}

// Equivalent reports whether a and b have the same dims after squeezing.
func Equivalent(a, b []int64) bool {
	sa, sb := Squeeze(a), Squeeze(b)
	if len(sa) != len(sb) {
		return false
	}
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// Equal reports whether a and b are identical.
func Equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Elements returns the number of elements of a shape.
func Elements(dims []int64) int64 {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return n
}

// String renders dims as [1 3 252 252].
func String(dims []int64) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
