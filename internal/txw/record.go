package txw

import "time"

// Record is one Packet Record (§4.1): the owned wire bytes of a single
// ODATA/RDATA TPDU plus the bookkeeping needed to retransmit it without
// reserializing or rehashing the TSDU. Once the sender has filled a
// record in on first transmission, only DataTrail, Type, the type/trail/
// checksum bytes of Buf (rewritten for RDATA), and the parity zero-padding
// (Buf's tail and ZeroPadded) change; PartialChecksum is written exactly
// once, on first transmission.
type Record struct {
	Sqn      uint32
	FirstTx  time.Time
	Buf      []byte // full TPDU: header + options + TSDU
	DataOff  int    // offset of the TSDU within Buf
	FragOff  int    // offset of the OPT_FRAGMENT option within Buf, -1 if absent

	// TrueLen is the TSDU length as originally transmitted, before any
	// zero-padding §4.7 applies for parity-group alignment. It never
	// changes once the record is created.
	TrueLen int

	// ZeroPadded tracks whether the TSDU has already been padded to a
	// transmission group's maximum length for parity generation (§4.7);
	// the padding a second generation round would perform is a no-op
	// when this is already true.
	ZeroPadded bool

	// PartialChecksum is the unfolded RFC 1071 partial sum of the TSDU,
	// memoized at first transmission so RDATA emission only has to
	// recombine it with the (cheap) header partial sum rather than
	// rescan the TSDU bytes. A typed field here, not an alias onto the
	// port bytes of Buf as the original C implementation does (§9).
	PartialChecksum uint32
	haveChecksum    bool

	DataTrail uint32
	Type      byte
}

// SetPartialChecksum memoizes the TSDU partial checksum. Subsequent calls
// are no-ops: the field is written once, on first transmission.
func (r *Record) SetPartialChecksum(csum uint32) {
	if r.haveChecksum {
		return
	}
	r.PartialChecksum = csum
	r.haveChecksum = true
}

// HasPartialChecksum reports whether SetPartialChecksum has been called.
func (r *Record) HasPartialChecksum() bool { return r.haveChecksum }
