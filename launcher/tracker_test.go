package launcher

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"
)

func TestTrackerFiresOnceAfterSeal(t *testing.T) {
	for range 100 {
		var fired atomic.Int32
		tracker := newCompletionTracker(func() { fired.Add(1) })

		var wg sync.WaitGroup
		for range 16 {
			tracker.add()
			wg.Add(1)
			go func() {
				defer wg.Done()
				tracker.done()
			}()
		}
		tracker.seal()
		wg.Wait()
		require.EqualValues(t, 1, fired.Load())
	}
}

func TestTrackerSealWithoutWork(t *testing.T) {
	var fired int
	tracker := newCompletionTracker(func() { fired++ })
	tracker.seal()
	require.Equal(t, 1, fired)
	tracker.seal()
	require.Equal(t, 1, fired)
}

func TestTrackerDoesNotFireBeforeSeal(t *testing.T) {
	var fired int
	tracker := newCompletionTracker(func() { fired++ })
	tracker.add()
	tracker.done()
	require.Zero(t, fired, "a synchronous completion must not end the launch while dispatching")
	tracker.add()
	tracker.seal()
	require.Zero(t, fired)
	tracker.done()
	require.Equal(t, 1, fired)
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{NotStarted, SelectingUpdate, true},
		{NotStarted, Succeeded, false},
		{SelectingUpdate, MaterializingAssets, true},
		{SelectingUpdate, Succeeded, true},
		{SelectingUpdate, Failed, true},
		{MaterializingAssets, Succeeded, true},
		{MaterializingAssets, Failed, true},
		{MaterializingAssets, SelectingUpdate, false},
		{Succeeded, Failed, false},
		{Failed, Succeeded, false},
		{Failed, NotStarted, false},
	}
	for _, tc := range tests {
		m := stateMachine{state: tc.from}
		err := m.transition(tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
			require.Equal(t, tc.to, m.current())
		} else {
			require.Error(t, err, "%s -> %s", tc.from, tc.to)
			require.Equal(t, tc.from, m.current())
		}
	}
}

func TestStartTwice(t *testing.T) {
	var m stateMachine
	require.NoError(t, m.start())
	require.True(t, errors.Is(m.start(), ErrAlreadyLaunched))
}
