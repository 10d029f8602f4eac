package txw

import (
	"errors"
	"testing"

	"github.com/pgmsend/core/internal/pgmerr"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAddAssignsSequentialSqns(t *testing.T) {
	w := New(4)
	require.Equal(t, uint32(0), w.NextLead())

	s0 := w.Add(&Record{})
	s1 := w.Add(&Record{})
	require.Equal(t, uint32(0), s0)
	require.Equal(t, uint32(1), s1)
	require.Equal(t, uint32(0), w.Trail())
	require.Equal(t, uint32(1), w.Lead())
}

func TestAddOverflowAdvancesTrail(t *testing.T) {
	w := New(2)
	w.Add(&Record{})
	w.Add(&Record{})
	w.Add(&Record{}) // third insert must evict sqn 0

	require.Equal(t, uint32(1), w.Trail())
	require.Equal(t, uint32(2), w.Lead())

	_, err := w.Peek(0)
	require.ErrorIs(t, err, pgmerr.ErrOutOfWindow)
}

func TestPeekOutOfWindow(t *testing.T) {
	w := New(4)
	w.Add(&Record{})
	_, err := w.Peek(5)
	require.True(t, errors.Is(err, pgmerr.ErrOutOfWindow))
}

func TestPreallocateServesRecordsBeforeAllocating(t *testing.T) {
	w := New(4)
	w.Preallocate(2)

	first := w.NewRecord()
	second := w.NewRecord()
	require.NotNil(t, first)
	require.NotNil(t, second)
	require.NotSame(t, first, second)

	// Pool is now empty; NewRecord must still succeed by allocating fresh.
	third := w.NewRecord()
	require.NotNil(t, third)
}

func TestEvictedRecordReturnsToPool(t *testing.T) {
	w := New(2)
	w.Preallocate(2)

	r0 := w.NewRecord()
	w.Add(r0)
	r1 := w.NewRecord()
	w.Add(r1)
	// Pool is drained; this Add evicts sqn 0 back into the pool.
	r2 := w.NewRecord()
	w.Add(r2)

	recycled := w.NewRecord()
	require.Same(t, r0, recycled, "the record evicted from trail must be the one NewRecord hands back out")
}

func TestRetransmitPushDuplicateSuppression(t *testing.T) {
	w := New(4)
	w.Add(&Record{})

	n, err := w.RetransmitPush(0, false, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = w.RetransmitPush(0, false, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 0, n, "repeated push for the head of Q must be suppressed")
}

func TestRetransmitPushOutOfWindow(t *testing.T) {
	w := New(2)
	w.Add(&Record{})
	w.Add(&Record{})
	w.Add(&Record{}) // evicts sqn 0

	_, err := w.RetransmitPush(0, false, 0, 0)
	require.ErrorIs(t, err, pgmerr.ErrOutOfWindow)
}

func TestRetransmitTryPeekAndRemoveHead(t *testing.T) {
	w := New(4)
	rec := &Record{}
	rec.SetPartialChecksum(0xABCD)
	w.Add(rec)

	_, err := w.RetransmitPush(0, false, 0, 0)
	require.NoError(t, err)

	entry, ok := w.RetransmitTryPeek()
	require.True(t, ok)
	require.False(t, entry.IsParity)
	require.Equal(t, uint32(0xABCD), entry.SavedPartialChecksum)

	w.RetransmitRemoveHead()
	_, ok = w.RetransmitTryPeek()
	require.False(t, ok)
}

func TestRetransmitPushParityAllocatesIndices(t *testing.T) {
	w := New(16)
	for i := 0; i < 4; i++ {
		w.Add(&Record{})
	}

	n, err := w.RetransmitPush(0, true, 2, 2) // k=4 (shift=2), n-k=2
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entry, ok := w.RetransmitTryPeek()
	require.True(t, ok)
	require.True(t, entry.IsParity)
	require.Equal(t, uint8(0), entry.Request.RSH)
}

func TestSqnLTWraparound(t *testing.T) {
	require.True(t, SqnLT(0xFFFFFFFF, 0))
	require.False(t, SqnLT(0, 0xFFFFFFFF))
	require.False(t, SqnLT(5, 5))
}

// TestWindowInvariantHolds is a property test of §8's window invariant:
// every record still reachable via Peek reports a sequence within
// [trail, lead] under modular ordering, across arbitrary Add/evict
// sequences.
func TestWindowInvariantHolds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cap := rapid.Uint32Range(1, 8).Draw(rt, "cap")
		w := New(cap)
		n := rapid.IntRange(0, 64).Draw(rt, "n")
		for i := 0; i < n; i++ {
			w.Add(&Record{})
		}
		if n == 0 {
			return
		}
		trail, lead := w.Snapshot()
		rec, err := w.Peek(lead)
		require.NoError(rt, err)
		require.Equal(rt, lead, rec.Sqn)
		require.False(rt, SqnLT(lead, trail))
		for s := trail; !SqnLT(lead, s); s++ {
			rec, err := w.Peek(s)
			require.NoError(rt, err)
			require.Equal(rt, s, rec.Sqn)
		}
	})
}
