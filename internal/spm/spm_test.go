package spm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResetAfterODATAUsesFirstInterval(t *testing.T) {
	intervals := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 0}
	s := New(intervals, time.Second)

	now := time.Now()
	s.ResetAfterODATA(now)
	require.Equal(t, now.Add(100*time.Millisecond), s.NextDeadline())
}

func TestAdvanceWalksIntervalsThenFallsBackToAmbient(t *testing.T) {
	intervals := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 0}
	s := New(intervals, time.Second)

	now := time.Now()
	s.ResetAfterODATA(now)

	s.Advance(now)
	require.Equal(t, now.Add(200*time.Millisecond), s.NextDeadline())

	s.Advance(now) // hits the sentinel, falls back to ambient
	require.Equal(t, now.Add(time.Second), s.NextDeadline())

	s.Advance(now) // stays in ambient mode
	require.Equal(t, now.Add(time.Second), s.NextDeadline())
}

func TestAllocSqnMonotonic(t *testing.T) {
	s := New([]time.Duration{0, 0}, time.Second)
	require.Equal(t, uint32(0), s.AllocSqn())
	require.Equal(t, uint32(1), s.AllocSqn())
}

func TestResponsePolicySuppressesWithinIHBMin(t *testing.T) {
	p := NewResponsePolicy(100 * time.Millisecond)
	now := time.Now()
	require.True(t, p.Observe("tsi-1", now))
	require.False(t, p.Observe("tsi-1", now.Add(10*time.Millisecond)))
	require.True(t, p.Observe("tsi-1", now.Add(200*time.Millisecond)))
}

func TestResponsePolicyIndependentPerTSI(t *testing.T) {
	p := NewResponsePolicy(100 * time.Millisecond)
	now := time.Now()
	require.True(t, p.Observe("tsi-1", now))
	require.True(t, p.Observe("tsi-2", now))
}
