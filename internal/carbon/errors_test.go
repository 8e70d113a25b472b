package carbon

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := NewError(ErrKindCaptureTimeout, StageCapture, "deadline exceeded")
	require.Equal(t, "CaptureTimeout (capture): deadline exceeded", err.Error())

	err = NewError(ErrKindStorage, "", "bucket gone")
	require.Equal(t, "StorageError: bucket gone", err.Error())
}

func TestAsErrorKeepsStructuredCause(t *testing.T) {
	t.Parallel()

	cause := NewError(ErrKindDependencyNotReady, StageRender, "source still running")
	wrapped := fmt.Errorf("handle report: %w", cause)

	got := AsError(wrapped, ErrKindAnalysis, StageRender)
	require.Equal(t, ErrKindDependencyNotReady, got.Kind)
	require.Equal(t, "source still running", got.Message)
}

func TestAsErrorWrapsUnclassified(t *testing.T) {
	t.Parallel()

	got := AsError(fmt.Errorf("connection refused"), ErrKindCaptureNetwork, StageCapture)
	require.Equal(t, ErrKindCaptureNetwork, got.Kind)
	require.Equal(t, StageCapture, got.Stage)
	require.Equal(t, "connection refused", got.Message)
}
