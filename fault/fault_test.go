package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := Errorf(InvalidJobState, "write", "job is %s", "Finished")
	wrapped := fmt.Errorf("bridge: %w", err)

	require.True(t, errors.Is(wrapped, InvalidJobState))
	require.False(t, errors.Is(wrapped, Upload))
	require.Equal(t, InvalidJobState, KindOf(wrapped))
	require.Contains(t, err.Error(), "write: InvalidJobState: job is Finished")
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(Authentication, "has_chunk", errors.New("bad token"))
	outer := Wrap(Upload, "upload", inner)

	require.True(t, Is(outer, Authentication))
	require.Nil(t, Wrap(Upload, "upload", nil))
}

func TestKindOfContextCancellation(t *testing.T) {
	require.Equal(t, Cancelled, KindOf(fmt.Errorf("waiting: %w", context.Canceled)))
	require.Equal(t, Unknown, KindOf(errors.New("plain")))
	require.Equal(t, Unknown, KindOf(nil))
}

func TestFatalKinds(t *testing.T) {
	for _, kind := range []Kind{Authentication, Upload, Index, Connection} {
		require.True(t, kind.Fatal(), kind.String())
	}
	for _, kind := range []Kind{InvalidJobState, InvalidArgument, RuntimeClosed, Cancelled} {
		require.False(t, kind.Fatal(), kind.String())
	}
}
