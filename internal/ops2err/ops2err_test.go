package ops2err

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesStageNameAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(CodeNetwork, "fetch", "htop", "3.2.2", "amd64", cause)
	require.Equal(t, "fetch: htop (3.2.2, amd64): NetworkError: connection refused", err.Error())
}

func TestErrorMessageWithoutVersionOrArch(t *testing.T) {
	err := New(CodeIO, "load", "", "", "", errors.New("permission denied"))
	msg := err.Error()
	require.Contains(t, msg, "load: IOError")
	require.Contains(t, msg, "permission denied")
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(CodeBuild, "build", "foo", "1.0", "amd64", cause)
	require.ErrorIs(t, err, cause)
}

func TestCodeOfFindsWrappedError(t *testing.T) {
	base := New(CodeHashMismatch, "fetch", "foo", "1.0", "amd64", nil)
	wrapped := Wrap(base, "downloading")
	code, ok := CodeOf(wrapped)
	require.True(t, ok)
	require.Equal(t, CodeHashMismatch, code)
}

func TestCodeOfReturnsFalseForPlainError(t *testing.T) {
	_, ok := CodeOf(errors.New("plain"))
	require.False(t, ok)
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.NoError(t, Wrap(nil, "ignored"))
}

func TestSeverityOrdering(t *testing.T) {
	require.Greater(t, Severity(CodeCancelled), Severity(CodeBuild))
	require.Greater(t, Severity(CodeBuild), Severity(CodeSchema))
	require.Greater(t, Severity(CodeSchema), Severity(CodeNetwork))
}

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeCancelled, 77},
		{CodeParse, 2},
		{CodeSchema, 2},
		{CodeHashMissing, 3},
		{CodeHashMismatch, 3},
		{CodeBuild, 4},
		{"", 0},
		{CodeNetwork, 1},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ExitCode(tt.code), "code=%s", tt.code)
	}
}
