package errs2_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"vncache.io/vncache/private/errs2"
)

func TestIsCanceled(t *testing.T) {
	require.True(t, errs2.IsCanceled(context.Canceled))
	require.True(t, errs2.IsCanceled(context.DeadlineExceeded))
	require.False(t, errs2.IsCanceled(errors.New("boom")))
}

func TestIgnoreCanceled(t *testing.T) {
	require.NoError(t, errs2.IgnoreCanceled(context.Canceled))
	boom := errors.New("boom")
	require.ErrorIs(t, errs2.IgnoreCanceled(boom), boom)
	require.NoError(t, errs2.IgnoreCanceled(nil))
}
