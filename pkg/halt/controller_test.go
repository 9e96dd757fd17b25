package halt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow  = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	errDown  = errors.New("connection refused")
	errWrite = errors.New("write failed")
)

func newTestController() (*Controller, *MemoryChannel, *MemoryChannel) {
	fast := NewMemoryChannel("fast")
	durable := NewMemoryChannel("durable")
	c := NewController(fast, durable).
		WithClock(func() time.Time { return testNow }).
		WithCompensationBackoff(0)
	return c, fast, durable
}

func flagState(t *testing.T, ch *MemoryChannel, flag Flag) bool {
	t.Helper()
	_, set, err := ch.Get(context.Background(), flag)
	require.NoError(t, err)
	return set
}

func TestController_HaltAndClear(t *testing.T) {
	ctx := context.Background()
	c, fast, durable := newTestController()

	require.NoError(t, c.Halt(ctx, HaltDetails{Reason: "fork detected", TriggeredBy: "fork-monitor"}))
	assert.True(t, flagState(t, fast, FlagHalt))
	assert.True(t, flagState(t, durable, FlagHalt))

	halted, err := c.IsHalted(ctx)
	require.NoError(t, err)
	assert.True(t, halted)

	err = c.EnsureNotHalted(ctx)
	var haltedErr *SystemHaltedError
	require.True(t, errors.As(err, &haltedErr))
	assert.Equal(t, "fork detected", haltedErr.Reason)
	assert.Equal(t, testNow, haltedErr.HaltedAt)

	assert.ErrorIs(t, c.Halt(ctx, HaltDetails{Reason: "again"}), ErrAlreadyHalted)

	require.NoError(t, c.ClearHalt(ctx))
	halted, err = c.IsHalted(ctx)
	require.NoError(t, err)
	assert.False(t, halted)
	assert.NoError(t, c.EnsureNotHalted(ctx))
	assert.ErrorIs(t, c.ClearHalt(ctx), ErrNotHalted)
}

func TestController_ClearHaltRestoresFastOnDurableFailure(t *testing.T) {
	ctx := context.Background()
	c, fast, durable := newTestController()
	require.NoError(t, c.Halt(ctx, HaltDetails{Reason: "breach"}))

	durable.FailDelete(errWrite)
	err := c.ClearHalt(ctx)
	assert.ErrorIs(t, err, ErrFlagWrite)
	assert.True(t, flagState(t, fast, FlagHalt))
	assert.True(t, flagState(t, durable, FlagHalt))
}

func TestController_SetCeasedWritesBothChannels(t *testing.T) {
	ctx := context.Background()
	c, fast, durable := newTestController()

	require.NoError(t, c.SetCeased(ctx, CessationDetails{
		FinalSequenceNumber: 42,
		Reason:              "constitutional vote",
		CessationEventID:    "evt-42",
	}))
	assert.True(t, flagState(t, fast, FlagCease))
	assert.True(t, flagState(t, durable, FlagCease))

	d, err := c.CurrentCessation(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), d.FinalSequenceNumber)
	assert.Equal(t, testNow, d.CeasedAt)
}

func TestController_SetCeasedAllOrNothing(t *testing.T) {
	cases := []struct {
		name     string
		inject   func(fast, durable *MemoryChannel)
		wantErr  error
		wantFast bool
	}{
		{
			name:    "durable stage fails",
			inject:  func(_, durable *MemoryChannel) { durable.FailSet(errWrite) },
			wantErr: ErrFlagWrite,
		},
		{
			name:    "fast write fails",
			inject:  func(fast, _ *MemoryChannel) { fast.FailSet(errWrite) },
			wantErr: ErrFlagWrite,
		},
		{
			name:    "durable commit fails and fast is compensated",
			inject:  func(_, durable *MemoryChannel) { durable.FailCommit(errWrite) },
			wantErr: ErrFlagWrite,
		},
		{
			name: "durable commit fails and compensation fails",
			inject: func(fast, durable *MemoryChannel) {
				durable.FailCommit(errWrite)
				fast.FailDelete(errDown)
			},
			wantErr:  ErrCompensationFailed,
			wantFast: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			c, fast, durable := newTestController()
			tc.inject(fast, durable)

			err := c.SetCeased(ctx, CessationDetails{Reason: "test"})
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, tc.wantFast, flagState(t, fast, FlagCease))
			assert.False(t, flagState(t, durable, FlagCease))
		})
	}
}

func TestController_NoResurrection(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController()
	require.NoError(t, c.Halt(ctx, HaltDetails{Reason: "pre-cease"}))
	require.NoError(t, c.SetCeased(ctx, CessationDetails{FinalSequenceNumber: 7, Reason: "final"}))

	assert.ErrorIs(t, c.SetCeased(ctx, CessationDetails{Reason: "twice"}), ErrAlreadyCeased)
	assert.ErrorIs(t, c.ClearHalt(ctx), ErrSystemCeased)
	assert.ErrorIs(t, c.Halt(ctx, HaltDetails{Reason: "x"}), ErrSystemCeased)

	err := c.ForOperation("append_event").Check(ctx)
	var ceasedErr *SystemCeasedError
	require.True(t, errors.As(err, &ceasedErr))
	assert.Equal(t, "append_event", ceasedErr.Operation)
	assert.Equal(t, uint64(7), ceasedErr.FinalSequenceNumber)

	ceased, err := c.IsCeased(ctx)
	require.NoError(t, err)
	assert.True(t, ceased)
}

func TestController_ConcurrentSetCeasedKeepsFirstRecord(t *testing.T) {
	ctx := context.Background()
	c, _, durable := newTestController()

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.SetCeased(ctx, CessationDetails{FinalSequenceNumber: uint64(i + 1), Reason: "race"})
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "more than one cessation recorded")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyCeased)
	}
	require.NotEqual(t, -1, winner)

	d, err := c.CurrentCessation(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(winner+1), d.FinalSequenceNumber)

	raw, _, err := durable.Get(ctx, FlagCease)
	require.NoError(t, err)
	assert.Contains(t, string(raw), fmt.Sprintf(`"final_sequence_number":%d`, winner+1))
}

func TestController_SetCeasedNeverReplacesDurableRecord(t *testing.T) {
	ctx := context.Background()
	c, fast, durable := newTestController()
	existing := []byte(`{"final_sequence_number":9,"reason":"first"}`)
	require.NoError(t, durable.Set(ctx, FlagCease, existing))

	// Another process ceased after this one read the flags.
	durable.FailGet(errDown)
	err := c.SetCeased(ctx, CessationDetails{FinalSequenceNumber: 12, Reason: "second"})
	assert.ErrorIs(t, err, ErrAlreadyCeased)
	assert.False(t, flagState(t, fast, FlagCease))

	durable.FailGet(nil)
	raw, set, err := durable.Get(ctx, FlagCease)
	require.NoError(t, err)
	require.True(t, set)
	assert.JSONEq(t, string(existing), string(raw))
}

func TestMemoryChannel_PrepareCreateCommitsOnce(t *testing.T) {
	ctx := context.Background()
	ch := NewMemoryChannel("durable")

	first, err := ch.PrepareCreate(ctx, FlagCease, []byte(`{"reason":"first"}`))
	require.NoError(t, err)
	second, err := ch.PrepareCreate(ctx, FlagCease, []byte(`{"reason":"second"}`))
	require.NoError(t, err)

	require.NoError(t, first.Commit())
	assert.ErrorIs(t, second.Commit(), ErrFlagExists)

	raw, _, err := ch.Get(ctx, FlagCease)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reason":"first"}`, string(raw))

	_, err = ch.PrepareCreate(ctx, FlagCease, []byte(`{}`))
	assert.ErrorIs(t, err, ErrFlagExists)
}

func TestController_ReadFallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("fast down, durable set", func(t *testing.T) {
		c, fast, durable := newTestController()
		require.NoError(t, durable.Set(ctx, FlagCease, []byte(`{"reason":"r"}`)))
		fast.FailGet(errDown)
		ceased, err := c.IsCeased(ctx)
		require.NoError(t, err)
		assert.True(t, ceased)
	})

	t.Run("fast unset, durable set", func(t *testing.T) {
		c, _, durable := newTestController()
		require.NoError(t, durable.Set(ctx, FlagHalt, []byte(`{"reason":"r"}`)))
		halted, err := c.IsHalted(ctx)
		require.NoError(t, err)
		assert.True(t, halted)
	})

	t.Run("fast set, durable down", func(t *testing.T) {
		c, fast, durable := newTestController()
		require.NoError(t, fast.Set(ctx, FlagCease, []byte(`{"reason":"r"}`)))
		durable.FailGet(errDown)
		ceased, err := c.IsCeased(ctx)
		require.NoError(t, err)
		assert.True(t, ceased)
	})

	t.Run("fast unset, durable down", func(t *testing.T) {
		c, _, durable := newTestController()
		durable.FailGet(errDown)
		ceased, err := c.IsCeased(ctx)
		require.NoError(t, err)
		assert.False(t, ceased)
	})

	t.Run("both down fails closed", func(t *testing.T) {
		c, fast, durable := newTestController()
		fast.FailGet(errDown)
		durable.FailGet(errDown)
		_, err := c.IsCeased(ctx)
		assert.ErrorIs(t, err, ErrFlagUnavailable)
		assert.ErrorIs(t, c.EnsureNotFrozen(ctx), ErrFlagUnavailable)
		assert.ErrorIs(t, c.ForOperation("write").CheckNotHalted(ctx), ErrFlagUnavailable)
	})
}
