package storage

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const contractEpoch = 1_700_000_000

var contractDefaults = models.Settings{
	MaxTokens:      10,
	StartingTokens: 10,
	RefillRate:     1,
	RefillInterval: 1,
}

type storeFactory func(t *testing.T, clk clock.Clock) Store

type storeCapabilities struct {
	// fullRange is false for backends that keep values in signed 64-bit columns.
	fullRange bool
}

// uniqueID keeps tests independent on backends shared between runs.
func uniqueID(name string) string {
	return name + "-" + uuid.NewString()
}

func runStoreContract(t *testing.T, newStore storeFactory, caps storeCapabilities) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing records use defaults", func(t *testing.T) {
		clk := clock.NewManualClockAt(contractEpoch)
		s := newStore(t, clk)

		state, settings, err := s.Get(ctx, uniqueID("fresh"), contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, contractDefaults, settings)
		assert.Equal(t, contractDefaults.StartingTokens, state.Tokens)
		assert.Equal(t, uint64(contractEpoch), state.LastUpdated)
	})

	t.Run("get does not persist synthesized state", func(t *testing.T) {
		clk := clock.NewManualClockAt(contractEpoch)
		s := newStore(t, clk)
		id := uniqueID("readonly")

		_, _, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)

		clk.Advance(30 * time.Second)
		state, _, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, uint64(contractEpoch+30), state.LastUpdated)
	})

	t.Run("put then get", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		id := uniqueID("roundtrip")
		want := models.BucketState{LastUpdated: contractEpoch, Tokens: 4}

		require.NoError(t, s.PutState(ctx, id, want))

		got, settings, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, contractDefaults, settings, "settings are independent of state")
	})

	t.Run("older write is ignored", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		id := uniqueID("stale")
		newer := models.BucketState{LastUpdated: contractEpoch + 10, Tokens: 1}
		older := models.BucketState{LastUpdated: contractEpoch + 5, Tokens: 9}

		require.NoError(t, s.PutState(ctx, id, newer))
		require.NoError(t, s.PutState(ctx, id, older), "a lost race is not an error")

		got, _, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, newer, got)
	})

	t.Run("newer write replaces", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		id := uniqueID("newer")

		require.NoError(t, s.PutState(ctx, id, models.BucketState{LastUpdated: contractEpoch, Tokens: 8}))
		require.NoError(t, s.PutState(ctx, id, models.BucketState{LastUpdated: contractEpoch + 1, Tokens: 3}))

		got, _, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, models.BucketState{LastUpdated: contractEpoch + 1, Tokens: 3}, got)
	})

	t.Run("equal timestamp overwrites", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		id := uniqueID("tie")

		require.NoError(t, s.PutState(ctx, id, models.BucketState{LastUpdated: contractEpoch, Tokens: 5}))
		require.NoError(t, s.PutState(ctx, id, models.BucketState{LastUpdated: contractEpoch, Tokens: 2}))

		got, _, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Tokens)
	})

	t.Run("stored settings replace defaults", func(t *testing.T) {
		clk := clock.NewManualClockAt(contractEpoch)
		s := newStore(t, clk)
		id := uniqueID("configured")
		custom := models.Settings{MaxTokens: 100, StartingTokens: 40, RefillRate: 5, RefillInterval: 60}

		require.NoError(t, s.PutSettings(ctx, id, custom))

		state, settings, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, custom, settings)
		assert.Equal(t, uint64(40), state.Tokens, "synthesized state uses the stored starting tokens")
	})

	t.Run("settings are last writer wins", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		id := uniqueID("settings-lww")
		first := models.Settings{MaxTokens: 1, StartingTokens: 1, RefillRate: 1, RefillInterval: 1}
		second := models.Settings{MaxTokens: 2, StartingTokens: 0, RefillRate: 3, RefillInterval: 4}

		require.NoError(t, s.PutSettings(ctx, id, first))
		require.NoError(t, s.PutSettings(ctx, id, second))

		_, got, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, second, got)
	})

	t.Run("starting above max is preserved", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		id := uniqueID("overfull")
		overfull := models.Settings{MaxTokens: 10, StartingTokens: 20, RefillRate: 1, RefillInterval: 1}

		require.NoError(t, s.PutSettings(ctx, id, overfull))

		state, settings, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, overfull, settings)
		assert.Equal(t, uint64(20), state.Tokens)
	})

	t.Run("invalid settings are rejected", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		id := uniqueID("invalid")

		err := s.PutSettings(ctx, id, models.Settings{MaxTokens: 5, StartingTokens: 5, RefillRate: 1})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidSettings)
		assert.ErrorIs(t, err, models.ErrZeroRefillInterval)

		_, settings, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, contractDefaults, settings)
	})

	t.Run("identifiers are isolated", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		a, b := uniqueID("a"), uniqueID("b")

		require.NoError(t, s.PutState(ctx, a, models.BucketState{LastUpdated: contractEpoch, Tokens: 0}))

		got, _, err := s.Get(ctx, b, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, contractDefaults.StartingTokens, got.Tokens)
	})

	t.Run("cancelled context fails without writing", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		id := uniqueID("cancelled")
		require.NoError(t, s.PutState(ctx, id, models.BucketState{LastUpdated: contractEpoch, Tokens: 7}))

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, _, err := s.Get(cancelled, id, contractDefaults)
		assert.ErrorIs(t, err, ErrUnavailable)

		err = s.PutState(cancelled, id, models.BucketState{LastUpdated: contractEpoch + 1, Tokens: 1})
		assert.ErrorIs(t, err, ErrUnavailable)

		got, _, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), got.Tokens)
	})

	t.Run("concurrent writers keep the freshest", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		id := uniqueID("race")

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i uint64) {
				defer wg.Done()
				assert.NoError(t, s.PutState(ctx, id, models.BucketState{LastUpdated: contractEpoch + i, Tokens: i}))
			}(uint64(i))
		}
		wg.Wait()

		got, _, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, models.BucketState{LastUpdated: contractEpoch + 19, Tokens: 19}, got)
	})

	t.Run("values beyond the signed range", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		id := uniqueID("huge")
		huge := models.BucketState{LastUpdated: math.MaxUint64, Tokens: math.MaxUint64 - 1}

		err := s.PutState(ctx, id, huge)
		if !caps.fullRange {
			assert.ErrorIs(t, err, ErrSerialization)
			return
		}
		require.NoError(t, err)

		got, _, err := s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, huge, got)

		// A timestamp with fewer digits is older regardless of its leading digit.
		require.NoError(t, s.PutState(ctx, id, models.BucketState{LastUpdated: 9, Tokens: 1}))
		got, _, err = s.Get(ctx, id, contractDefaults)
		require.NoError(t, err)
		assert.Equal(t, huge, got)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t, clock.NewManualClockAt(contractEpoch))
		assert.NoError(t, s.Ping(ctx))
	})
}
