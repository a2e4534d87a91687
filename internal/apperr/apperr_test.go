package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("create alert: %w", Wrap(cause, CodeStorage, "insert alert"))

	require.Equal(t, CodeStorage, CodeOf(err))
	require.ErrorIs(t, err, cause)
	require.Equal(t, CodeInternal, CodeOf(cause))
	require.Equal(t, Code(""), CodeOf(nil))
	require.NoError(t, Wrap(nil, CodeStorage, "noop"))
}

func TestErrorMessage(t *testing.T) {
	err := New(CodeNotFound, "alert %s not found", "a-1")
	require.Equal(t, "not_found: alert a-1 not found", err.Error())
}
