package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/otp-session-auth/internal/repository"
)

func TestTrackerLocksAfterThreshold(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	u, err := store.Create(ctx, "+15550001111")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := NewTracker(store, Policy{Threshold: 5, Duration: 2 * time.Hour})
	tr.Now = func() time.Time { return now }

	locks := 0
	for i := 0; i < 6; i++ {
		_, locked, err := tr.RecordFailure(ctx, u.ID)
		require.NoError(t, err)
		if locked {
			locks++
		}
	}
	assert.Equal(t, 1, locks)

	got, err := store.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, tr.IsLocked(got))
	assert.Equal(t, 6, got.Login.Attempts)

	// Lock expires; the next failure starts a new streak.
	now = now.Add(3 * time.Hour)
	assert.False(t, tr.IsLocked(got))
	state, _, err := tr.RecordFailure(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Attempts)
	assert.Nil(t, state.LockUntil)

	require.NoError(t, tr.RecordSuccess(ctx, u.ID))
	got, err = store.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Login.Attempts)
}

func TestTrackerUnknownUser(t *testing.T) {
	tr := NewTracker(repository.NewMemoryStore(), Policy{Threshold: 5, Duration: time.Hour})
	_, _, err := tr.RecordFailure(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
