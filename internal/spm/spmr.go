package spm

import (
	"sync"
	"time"
)

// ResponsePolicy rate-limits SPM-Request responses to one per IHB_MIN
// interval per TSI (§4.5): both a unicast SPMR addressed to this sender
// and an SPMR observed on the multicast group for the same TSI count
// against the same budget, so a peer's own SPMR suppresses a duplicate
// response this sender would otherwise have sent.
type ResponsePolicy struct {
	mu     sync.Mutex
	ihbMin time.Duration
	last   map[string]time.Time
}

// NewResponsePolicy builds a ResponsePolicy with the given IHB_MIN
// interval.
func NewResponsePolicy(ihbMin time.Duration) *ResponsePolicy {
	return &ResponsePolicy{ihbMin: ihbMin, last: make(map[string]time.Time)}
}

// Observe records an SPMR for tsi at time now and reports whether an SPM
// response should be emitted: true if no response has been sent for tsi
// within the last IHB_MIN, false if one already has (whether that prior
// response was our own or is inferred from a peer's overheard SPMR for
// the same TSI).
func (p *ResponsePolicy) Observe(tsi string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.last[tsi]; ok && now.Sub(last) < p.ihbMin {
		return false
	}
	p.last[tsi] = now
	return true
}
