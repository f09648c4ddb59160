package timeauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGatewayAlwaysAvailable(t *testing.T) {
	a := New(false, nil)
	_, ok := a.NowUTCMs()
	require.True(t, ok)
}

func TestEmbeddedGatedUntilSet(t *testing.T) {
	a := New(true, nil)
	_, ok := a.NowUTCMs()
	require.False(t, ok)

	a.SetUTCAvailable(true)
	_, ok = a.NowUTCMs()
	require.True(t, ok)
}

func TestWaitAvailableTimesOut(t *testing.T) {
	a := New(true, nil)
	ok := a.WaitAvailable(20 * time.Millisecond)
	require.False(t, ok)
}

func TestWaitAvailableWakesOnSet(t *testing.T) {
	a := New(true, nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		a.SetUTCAvailable(true)
	}()
	ok := a.WaitAvailable(1 * time.Second)
	require.True(t, ok)
}

func TestTickDetectsRollover(t *testing.T) {
	a := New(false, nil)
	a.SetRolloverTolerance(100)

	require.False(t, a.Tick(10_000))
	require.False(t, a.Tick(10_050))
	require.True(t, a.Tick(5_000), "regression beyond tolerance should flag rollover")
	require.True(t, a.ConsumeRolloverPending())
	require.False(t, a.ConsumeRolloverPending(), "pending flag should clear after consume")
}
