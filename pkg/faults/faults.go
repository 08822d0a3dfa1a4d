// Package faults defines the failure taxonomy of a conversion run.
//
// Every failure carries a Kind. Fatal kinds abort the run; the others are
// collected as warnings in the conversion report.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	InvalidConfiguration Kind = iota + 1
	MissingArtifact
	CheckpointMismatch
	ExportFailed
	SuspiciousArtifact
	StructuralValidationWarning
	LoweringFailed
	CompilationFailed
	SmokeTestWarning
)

var kindNames = map[Kind]string{
	InvalidConfiguration:        "InvalidConfiguration",
	MissingArtifact:             "MissingArtifact",
	CheckpointMismatch:          "CheckpointMismatch",
	ExportFailed:                "ExportFailed",
	SuspiciousArtifact:          "SuspiciousArtifact",
	StructuralValidationWarning: "StructuralValidationWarning",
	LoweringFailed:              "LoweringFailed",
	CompilationFailed:           "CompilationFailed",
	SmokeTestWarning:            "SmokeTestWarning",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Fatal reports whether a failure of this kind aborts the run.
func (k Kind) Fatal() bool {
	switch k {
	case SuspiciousArtifact, StructuralValidationWarning, SmokeTestWarning:
		return false
	default:
		return true
	}
}

// MarshalText renders the kind by name in reports.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified failure. Expected and Found form the human-readable
// diagnosis printed before a fatal exit.
type Error struct {
	Kind      Kind
	Msg       string
	Expected  string
	Found     string
	Hint      string
	Operators []string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Operators) > 0 {
		fmt.Fprintf(&b, " (operators: %s)", strings.Join(e.Operators, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Diagnosis renders the multi-line operator-facing explanation of the failure.
func (e *Error) Diagnosis() string {
	var b strings.Builder
	b.WriteString(e.Error())
	if e.Expected != "" {
		fmt.Fprintf(&b, "\n  expected: %s", e.Expected)
	}
	if e.Found != "" {
		fmt.Fprintf(&b, "\n  found:    %s", e.Found)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "\n  hint:     %s", e.Hint)
	}
	return b.String()
}

// New returns a classified error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. The message describes what was being attempted.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
