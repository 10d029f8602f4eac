// Package ratelimit implements the byte-granularity token bucket egress
// gate described in §4.8: SPMs and ODATA/RDATA consume tokens at
// txw_max_rte bytes/sec, NCFs bypass it entirely.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pgmsend/core/internal/pgmerr"
)

// Flags mirrors the send flags of §4.4/§4.8: DONTWAIT for rate-
// nonblocking checks, WaitAll for packet-blocking (atomic batch)
// reservation. WaitAll without DontWait is rejected by Check, per the
// "legal combinations" rule in §6: DONTWAIT alone, WAITALL alone,
// DONTWAIT|WAITALL.
type Flags uint8

const (
	DontWait Flags = 1 << iota
	WaitAll
)

// Bucket is a token bucket replenished continuously at rateBytesPerSec,
// capped at burstBytes (or, while a blocking Check for more than
// burstBytes waits, at that request's size).
type Bucket struct {
	mu sync.Mutex

	rate  float64 // bytes/sec
	burst float64 // cap
	tokens float64
	last  time.Time
}

// New constructs a Bucket starting full, replenished at rateBytesPerSec
// and bounded to burstBytes.
func New(rateBytesPerSec, burstBytes float64) *Bucket {
	return &Bucket{
		rate:   rateBytesPerSec,
		burst:  burstBytes,
		tokens: burstBytes,
		last:   time.Time{},
	}
}

func (b *Bucket) refillLocked(now time.Time, limit float64) {
	if b.last.IsZero() {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > limit {
		b.tokens = limit
	}
	b.last = now
}

// Check reserves n bytes of budget. With DONTWAIT|WAITALL it is a single
// atomic check: if n bytes aren't immediately available it returns
// pgmerr.ErrRateLimited without consuming any tokens. With only DontWait
// set there is no rate-blocking variant distinct from the atomic check
// at byte granularity, so DontWait alone behaves the same as
// DontWait|WaitAll here. Without DontWait, Check blocks (honoring ctx)
// until n bytes are available; while such a request for more than the
// burst cap waits, its refills may fill the bucket up to n.
func (b *Bucket) Check(ctx context.Context, n int, flags Flags) error {
	if flags&WaitAll != 0 && flags&DontWait == 0 {
		return fmt.Errorf("ratelimit: %w: WAITALL without DONTWAIT is not a legal flag combination", pgmerr.ErrInvalid)
	}

	nonBlocking := flags&DontWait != 0
	limit := b.burst
	if !nonBlocking && float64(n) > limit {
		limit = float64(n)
	}

	for {
		b.mu.Lock()
		b.refillLocked(time.Now(), limit)
		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		if nonBlocking {
			return fmt.Errorf("ratelimit: %w: %d bytes requested, insufficient tokens", pgmerr.ErrRateLimited, n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// pollInterval bounds how long a blocking Check sleeps between retries
// while waiting for tokens to refill.
const pollInterval = 5 * time.Millisecond
