// Package nak implements the NAK/NCF path of §4.6: verifying an incoming
// NAK, building its sequence list (primary nak_sqn plus any
// OPT_NAK_LIST), enqueueing retransmit requests with duplicate
// suppression, and producing the NCF that confirms receipt.
package nak

import (
	"fmt"

	"github.com/pgmsend/core/internal/pgmerr"
	"github.com/pgmsend/core/internal/txw"
	"github.com/pgmsend/core/internal/wire"
)

// Config is the per-transport policy the Handler needs beyond the
// transmit window itself.
type Config struct {
	// HeaderTemplate supplies SourcePort, DestPort, and GSI for any NCF
	// this Handler builds; its Type/Options/Checksum/TSDULength are
	// overwritten per packet.
	HeaderTemplate wire.Header

	// OnDemandParity gates whether a parity NAK (OPT_PARITY set) is
	// honored at all; if false, parity NAKs are rejected as Malformed.
	OnDemandParity bool

	// GroupShift and NParity describe the transmission-group shape used
	// to resolve a parity NAK's requested sequence into a group base and
	// allocate a parity index, per txw.Window.RetransmitPush.
	GroupShift uint
	NParity    uint8
}

// Handler processes incoming NAK/NNAK packets against one Window.
type Handler struct {
	w   *txw.Window
	id  wire.Identity
	cfg Config
}

// New constructs a Handler bound to w, validating incoming NAKs against
// id (the sender's own unicast address and configured multicast group).
func New(w *txw.Window, id wire.Identity, cfg Config) *Handler {
	return &Handler{w: w, id: id, cfg: cfg}
}

// Result reports what Handle did with one NAK, for statistics and
// for deciding whether to wake the timer thread.
type Result struct {
	NCF       *wire.NAK // nil if the NAK was rejected
	Notify    bool      // at least one sequence was newly enqueued
	IsParity  bool
	Malformed bool
}

// Handle verifies buf as a NAK (§4.3), rejects a parity NAK when
// on-demand parity is disabled, pushes every requested sequence (the
// primary nak_sqn plus any OPT_NAK_LIST entries) onto the window's
// retransmit queue, and returns the NCF to emit immediately. Per Open
// Question (b) in §9, the NCF is built and returned only after the NAK
// has been fully verified and its sequence list fully pushed — there is
// no path here that emits before validation completes.
func (h *Handler) Handle(buf []byte) (Result, error) {
	n, err := wire.VerifyNAK(buf, h.id)
	if err != nil {
		return Result{Malformed: true}, err
	}

	isParity := wire.IsParityNAK(n)
	if isParity && !h.cfg.OnDemandParity {
		return Result{Malformed: true, IsParity: true},
			fmt.Errorf("nak: %w: parity NAK received with on-demand parity disabled", pgmerr.ErrMalformed)
	}

	seqs := make([]uint32, 0, 1+len(n.NakList))
	seqs = append(seqs, n.NakSqn)
	seqs = append(seqs, n.NakList...)

	notify := false
	for _, sqn := range seqs {
		count, pushErr := h.w.RetransmitPush(sqn, isParity, h.cfg.GroupShift, h.cfg.NParity)
		if pushErr != nil {
			// Sqn already left the window: the repair request is simply
			// dropped, not a protocol violation.
			continue
		}
		if count > 0 {
			notify = true
		}
	}

	ncfHeader := h.cfg.HeaderTemplate
	ncfHeader.Type = wire.TypeNCF
	ncfHeader.Options = 0
	ncfHeader.TSDULength = 0
	if len(n.NakList) > 0 {
		ncfHeader.Options |= wire.OptPresent
	}

	ncf := &wire.NAK{
		Header:    ncfHeader,
		NakSqn:    n.NakSqn,
		SourceNLA: n.SourceNLA,
		GroupNLA:  n.GroupNLA,
	}
	if len(n.NakList) > 0 {
		ncf.NakList = n.NakList
	}

	return Result{NCF: ncf, Notify: notify, IsParity: isParity}, nil
}
