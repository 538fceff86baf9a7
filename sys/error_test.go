package sys

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type notExitError struct{}

func (e *notExitError) Error() string { return "not exit error" }

func TestExitError_Is(t *testing.T) {
	err := NewExitError("some process", 2)
	tests := []struct {
		name    string
		target  error
		matches bool
	}{
		{
			name:    "same object",
			target:  err,
			matches: true,
		},
		{
			name:    "same content",
			target:  NewExitError("some process", 2),
			matches: true,
		},
		{
			name:    "different process name",
			target:  NewExitError("not some process", 2),
			matches: false,
		},
		{
			name:    "different exit code",
			target:  NewExitError("some process", 0),
			matches: false,
		},
		{
			name:    "different type",
			target:  &notExitError{},
			matches: false,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.matches, errors.Is(err, tc.target))
		})
	}
}

func TestExitError_Error(t *testing.T) {
	err := NewExitError("foo", 1)
	require.Equal(t, "foo", err.ProcessName())
	require.Equal(t, uint32(1), err.ExitCode())
	require.EqualError(t, err, `process "foo" closed with exit_code(1)`)
}
