package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Run("classified error", func(t *testing.T) {
		err := Validationf("message must not be empty")
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("wrapped classified error", func(t *testing.T) {
		err := fmt.Errorf("routing message: %w", Conflictf("queue closed"))
		assert.Equal(t, KindConflict, KindOf(err))
	})

	t.Run("plain error", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	})
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("start run: %w", ErrAlreadyRunning)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, KindConflict, KindOf(err))

	// A different conflict does not match the sentinel.
	other := Conflictf("something else")
	assert.NotErrorIs(t, other, ErrAlreadyRunning)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := Wrap(KindFatal, "eventlog.append", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transientf("provider 503")))
	assert.True(t, IsRetryable(ErrLeaseBusy))
	assert.False(t, IsRetryable(Validationf("bad input")))
	assert.False(t, IsRetryable(Fatalf("log append failed")))
	assert.False(t, IsRetryable(errors.New("unclassified")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "conflict", KindConflict.String())
	assert.Equal(t, "transient_upstream", KindTransientUpstream.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
