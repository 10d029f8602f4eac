package txw

import (
	"fmt"
	"sync"

	"github.com/pgmsend/core/internal/pgmerr"
)

// Window is W (§4.1): a bounded ring of Packet Records indexed by 32-bit
// PGM sequence number modulo its capacity, with an embedded retransmit
// queue. The zero value is not usable; construct with New.
type Window struct {
	mu sync.RWMutex

	sqns    uint32 // txw_sqns: ring capacity
	trail   uint32
	lead    uint32
	empty   bool // true until the first Add
	records []*Record

	poolMu   sync.Mutex
	poolCap  int
	poolFree []*Record

	rqMu sync.Mutex
	rq   *retransmitQueue
}

// New constructs a Window holding up to txwSqns records. txwSqns must be
// less than 2^31-1 per §4.1's invariant.
func New(txwSqns uint32) *Window {
	return &Window{
		sqns:    txwSqns,
		lead:    ^uint32(0), // so NextLead() == 0 before the first Add
		empty:   true,
		records: make([]*Record, txwSqns),
		rq:      newRetransmitQueue(),
	}
}

// Preallocate primes a free-list of n Record objects (txw_preallocate,
// §6): records set up at window-open time rather than allocated lazily on
// the send path, the way txw_sqns bounds the ring's capacity without
// saying how many of its slots are pre-warmed. n is clamped to txwSqns
// since the free-list can never usefully hold more records than the
// window can ever contain at once.
func (w *Window) Preallocate(n uint32) {
	w.mu.RLock()
	cap := n
	if cap > w.sqns {
		cap = w.sqns
	}
	w.mu.RUnlock()

	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	w.poolCap = int(cap)
	w.poolFree = make([]*Record, cap)
	for i := range w.poolFree {
		w.poolFree[i] = &Record{}
	}
}

// NewRecord returns a Record from the preallocated free-list if one is
// available, otherwise allocates a fresh one. Used in place of &Record{}
// on the send path so steady-state sends reuse pool memory instead of
// growing the heap once the pool has primed enough records.
func (w *Window) NewRecord() *Record {
	w.poolMu.Lock()
	if n := len(w.poolFree); n > 0 {
		rec := w.poolFree[n-1]
		w.poolFree = w.poolFree[:n-1]
		w.poolMu.Unlock()
		*rec = Record{}
		return rec
	}
	w.poolMu.Unlock()
	return &Record{}
}

// releaseToPool returns a record evicted from the window to the
// free-list, up to poolCap, so later sends can reclaim it via NewRecord
// instead of allocating.
func (w *Window) releaseToPool(rec *Record) {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	if len(w.poolFree) < w.poolCap {
		w.poolFree = append(w.poolFree, rec)
	}
}

// NextLead returns the sequence number that will be assigned to the next
// record passed to Add, without reserving it.
func (w *Window) NextLead() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lead + 1
}

// Add assigns rec the next lead sequence, inserts it, and advances lead.
// It never blocks: on overflow (lead-trail+1 would exceed capacity) it
// advances trail, releasing the oldest record(s) first.
func (w *Window) Add(rec *Record) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	sqn := w.lead + 1
	rec.Sqn = sqn
	w.lead = sqn
	if w.empty {
		w.trail = sqn
		w.empty = false
	}
	w.records[sqn%w.sqns] = rec

	for w.lead-w.trail+1 > w.sqns {
		w.releaseTrailLocked()
	}
	return sqn
}

// releaseTrailLocked drops the record at trail and advances trail by one.
// Caller must hold w.mu for writing.
func (w *Window) releaseTrailLocked() {
	idx := w.trail % w.sqns
	if rec := w.records[idx]; rec != nil {
		w.releaseToPool(rec)
	}
	w.records[idx] = nil
	w.trail++
}

// Peek returns the record for sqn. It fails with pgmerr.ErrOutOfWindow if
// sqn is not currently within [trail, lead].
func (w *Window) Peek(sqn uint32) (*Record, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.empty || !inWindow(sqn, w.trail, w.lead) {
		return nil, fmt.Errorf("txw: %w: sqn %d not in [%d,%d]", pgmerr.ErrOutOfWindow, sqn, w.trail, w.lead)
	}
	r := w.records[sqn%w.sqns]
	if r == nil || r.Sqn != sqn {
		return nil, fmt.Errorf("txw: %w: sqn %d not in [%d,%d]", pgmerr.ErrOutOfWindow, sqn, w.trail, w.lead)
	}
	return r, nil
}

// Trail returns the current trail sequence.
func (w *Window) Trail() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.trail
}

// Lead returns the current lead sequence.
func (w *Window) Lead() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lead
}

// Snapshot returns (trail, lead) atomically, for SPM emission (§4.5's
// ordering guarantee that an SPM's advertised extremities are consistent
// with the burst that preceded it).
func (w *Window) Snapshot() (trail, lead uint32) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.trail, w.lead
}

// RetransmitPush enqueues a repair request for sqn. For a selective
// repair it fails with pgmerr.ErrOutOfWindow if sqn has already left the
// window. For a parity repair, shift gives the transmission group size
// as k = 1<<shift (used to compute the group base) and nParity gives
// n-k, the number of parity indices available per group; the allocated
// index wraps modulo nParity per Open Question (a) in §9 — this
// implementation preserves that wraparound rather than fixing it.
// It returns the number of entries enqueued (0 if suppressed as a
// duplicate of the current queue head, 1 otherwise).
func (w *Window) RetransmitPush(sqn uint32, isParity bool, shift uint, nParity uint8) (int, error) {
	if isParity {
		groupBase := sqn &^ ((uint32(1) << shift) - 1)
		w.rqMu.Lock()
		h := w.rq.allocParityIndex(groupBase, nParity)
		n := w.rq.push(RepairRequest{IsParity: true, GroupBase: groupBase, RSH: h})
		w.rqMu.Unlock()
		return n, nil
	}

	w.mu.RLock()
	inside := !w.empty && inWindow(sqn, w.trail, w.lead)
	w.mu.RUnlock()
	if !inside {
		return 0, fmt.Errorf("txw: %w: retransmit request for sqn %d no longer in window", pgmerr.ErrOutOfWindow, sqn)
	}

	w.rqMu.Lock()
	n := w.rq.push(RepairRequest{Sqn: sqn})
	w.rqMu.Unlock()
	return n, nil
}

// RetransmitEntry is the result of RetransmitTryPeek: the repair request
// at the head of Q together with the record and memoized partial
// checksum needed to synthesize the repair, for a selective request.
// Record and SavedPartialChecksum are unset for a parity request — the
// fec package gathers the group's k records itself via Peek.
type RetransmitEntry struct {
	Request             RepairRequest
	Record              *Record
	SavedPartialChecksum uint32
	IsParity            bool
}

// RetransmitTryPeek reads the head of Q without removing it. It returns
// false if Q is empty.
func (w *Window) RetransmitTryPeek() (RetransmitEntry, bool) {
	w.rqMu.Lock()
	req, ok := w.rq.tryPeek()
	w.rqMu.Unlock()
	if !ok {
		return RetransmitEntry{}, false
	}
	if req.IsParity {
		return RetransmitEntry{Request: req, IsParity: true}, true
	}
	rec, err := w.Peek(req.Sqn)
	if err != nil {
		return RetransmitEntry{Request: req}, true
	}
	return RetransmitEntry{
		Request:              req,
		Record:               rec,
		SavedPartialChecksum: rec.PartialChecksum,
	}, true
}

// RetransmitRemoveHead advances Q exactly once, discarding the current
// head. It is a no-op if Q is empty.
func (w *Window) RetransmitRemoveHead() {
	w.rqMu.Lock()
	defer w.rqMu.Unlock()
	w.rq.removeHead()
}
