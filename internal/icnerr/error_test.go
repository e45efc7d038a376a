package icnerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := New(NotFound, "proposal not found")
	wrapped := fmt.Errorf("loading state: %w", base)

	require.True(t, OfKind(wrapped, NotFound))
	require.False(t, OfKind(wrapped, Authorization))

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	require.Equal(t, NotFound, e.Kind)
}

func TestThrottledCarriesRetryHint(t *testing.T) {
	err := Throttled("rate limit exceeded", 42)
	require.True(t, OfKind(err, QuotaViolation))
	require.EqualValues(t, 42, err.RetryAfterSecs)
}

func TestExitCodes(t *testing.T) {
	require.Equal(t, 0, ExitCode(nil))
	require.Equal(t, 1, ExitCode(New(Validation, "bad did")))
	require.Equal(t, 1, ExitCode(New(NotFound, "missing")))
	require.Equal(t, 1, ExitCode(New(Conflict, "duplicate vote")))
	require.Equal(t, 1, ExitCode(New(Expired, "window closed")))
	require.Equal(t, 2, ExitCode(New(Authorization, "wrong federation")))
	require.Equal(t, 3, ExitCode(Throttled("rate", 10)))
	require.Equal(t, 4, ExitCode(New(Internal, "unreachable")))
	require.Equal(t, 4, ExitCode(errors.New("untagged")))

	wrapped := fmt.Errorf("outer: %w", New(Authorization, "denied"))
	require.Equal(t, 2, ExitCode(wrapped))
}
