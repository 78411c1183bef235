package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseErrorWrapsUnderlying(t *testing.T) {
	t.Parallel()

	underlying := fmt.Errorf("unexpected token")
	err := NewParseError("installer.yaml", 12, underlying)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, "installer.yaml", parseErr.Path)
	require.Equal(t, 12, parseErr.Line)
	require.True(t, stdErrors.Is(err, underlying))
	require.Contains(t, err.Error(), "installer.yaml:12")
}

func TestValidationErrorIncludesField(t *testing.T) {
	t.Parallel()

	err := NewValidationError("db_port", "must be between 1 and 65535", nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "db_port", validationErr.Field)
	require.Equal(t, "validation error: db_port: must be between 1 and 65535", err.Error())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	base := stdErrors.New("boom")

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: ClassUnknown},
		{name: "plain", err: base, want: ClassUnknown},
		{name: "transient", err: NewTransientError("probe", base), want: ClassTransient},
		{name: "recoverable", err: NewRecoverableError("connect", base), want: ClassRecoverable},
		{name: "fatal", err: NewFatalError("compile", base, "compiler missing"), want: ClassFatal},
		{name: "wrapped transient", err: fmt.Errorf("phase: %w", NewTransientError("probe", base)), want: ClassTransient},
		{name: "fatal wrapping transient", err: NewFatalError("verify", NewTransientError("probe", base), ""), want: ClassFatal},
		{name: "validation", err: NewValidationError("host_ip", "invalid", nil), want: ClassFatal},
		{name: "interrupted", err: fmt.Errorf("waiting: %w", ErrInterrupted), want: ClassFatal},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsFatalTreatsUnknownAsFatal(t *testing.T) {
	t.Parallel()

	require.True(t, IsFatal(stdErrors.New("unclassified")))
	require.False(t, IsFatal(NewTransientError("x", nil)))
	require.True(t, IsTransient(NewTransientError("x", nil)))
	require.True(t, IsRecoverable(NewRecoverableError("x", nil)))
}

func TestFatalKeepsExistingDiagnosis(t *testing.T) {
	t.Parallel()

	inner := NewFatalError("npm run build", stdErrors.New("exit 1"), "native addon failed to compile", "pkg-config --exists libvirt")
	wrapped := Fatal("build libvirt-node", fmt.Errorf("node libvirt-node: %w", inner), "build failed", "npm run build --verbose")

	require.Equal(t, "native addon failed to compile", Diagnosis(wrapped))
	require.Equal(t, []string{"pkg-config --exists libvirt", "npm run build --verbose"}, Remediation(wrapped))
}

func TestFatalNilIsNil(t *testing.T) {
	t.Parallel()

	require.NoError(t, Fatal("op", nil, "diag"))
}

func TestErrorMessagesIncludeOperation(t *testing.T) {
	t.Parallel()

	require.Equal(t, "clone backend: network down", NewTransientError("clone backend", stdErrors.New("network down")).Error())
	require.Equal(t, "network down", NewTransientError("", stdErrors.New("network down")).Error())
	require.Equal(t, "clone backend", NewFatalError("clone backend", nil, "").Error())
}
