package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "loader", err: Loaderf("missing file"), want: CodeLoader},
		{name: "transient", err: Transientf("429 from provider"), want: CodeTransient},
		{name: "wrapped transient", err: fmt.Errorf("call failed: %w", Transientf("timeout")), want: CodeTransient},
		{name: "context canceled", err: context.Canceled, want: CodeCancelled},
		{name: "deadline", err: fmt.Errorf("outer: %w", context.DeadlineExceeded), want: CodeCancelled},
		{name: "plain error defaults to fatal", err: errors.New("boom"), want: CodeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := Linkf("reference 'helper' not found").WithReason(ReasonRefUnresolved)

	assert.True(t, errors.Is(err, &Error{Code: CodeLink}))
	assert.True(t, errors.Is(err, &Error{Code: CodeLink, Reason: ReasonRefUnresolved}))
	assert.False(t, errors.Is(err, &Error{Code: CodeLink, Reason: ReasonRefKindMismatch}))
	assert.False(t, errors.Is(err, &Error{Code: CodeChecker}))
}

func TestErrorPosition(t *testing.T) {
	err := Parserf("unknown field 'modle'").WithPos(Position{File: "app.qtype.yaml", Line: 12, Col: 3})

	assert.Contains(t, err.Error(), "app.qtype.yaml:12:3")
	pos := PosOf(err)
	require.NotNil(t, pos)
	assert.Equal(t, 12, pos.Line)
}

func TestWrapfPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrapf(CodeTransient, cause, "upstream call failed")

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
}

func TestDiagnosticsAggregation(t *testing.T) {
	var diags Diagnostics
	assert.NoError(t, diags.Err())

	diags.Add(Parserf("unknown step type 'EchoStep'"))
	diags.Add(Parserf("missing required field 'id'").WithPos(Position{Line: 4, Col: 1}))

	err := diags.Err()
	require.Error(t, err)
	assert.Equal(t, 2, diags.Len())
	assert.Contains(t, err.Error(), "EchoStep")
	assert.Contains(t, err.Error(), "4:1")
	assert.True(t, errors.Is(err, &Error{Code: CodeParser}))
}

func TestDiagnosticsAddAllFlattens(t *testing.T) {
	var inner Diagnostics
	inner.Add(Checkerf("type mismatch"))
	inner.Add(Checkerf("dangling input"))

	var outer Diagnostics
	outer.AddAll(CodeChecker, inner.Err())
	outer.AddAll(CodeChecker, errors.New("plain"))

	assert.Equal(t, 3, outer.Len())
	assert.Equal(t, CodeChecker, CodeOf(outer.Errors()[2]))
}
