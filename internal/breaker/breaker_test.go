package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{ConsecutiveFailureThreshold: 3, CooldownInitial: time.Hour})
	require.True(t, b.Allow())
	b.RecordFailure()
	require.True(t, b.Allow())
	b.RecordFailure()
	require.True(t, b.Allow())
	b.RecordFailure()

	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := New(Config{ConsecutiveFailureThreshold: 1, CooldownInitial: time.Millisecond})
	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	time.Sleep(5 * time.Millisecond)

	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())
	require.False(t, b.Allow(), "a second concurrent probe must be refused")
}

func TestBreakerClosesOnSuccessfulProbe(t *testing.T) {
	b := New(Config{ConsecutiveFailureThreshold: 1, CooldownInitial: time.Millisecond})
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, Closed, b.State())
	require.True(t, b.Allow())
}

func TestBreakerCooldownDoublesOnRepeatedProbeFailure(t *testing.T) {
	b := New(Config{ConsecutiveFailureThreshold: 1, CooldownInitial: 2 * time.Millisecond, CooldownMax: time.Second})
	b.RecordFailure()
	require.Equal(t, 2*time.Millisecond, b.cooldown)

	time.Sleep(5 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, 4*time.Millisecond, b.cooldown)
}

func TestRegistryCreatesPerBackendBreakers(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a := r.Get("backend-a")
	b := r.Get("backend-b")
	require.NotSame(t, a, b)
	require.Same(t, a, r.Get("backend-a"))

	snap := r.Snapshot()
	require.Equal(t, Closed, snap["backend-a"])
	require.Equal(t, Closed, snap["backend-b"])
}
