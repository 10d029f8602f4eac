// Package fec synthesizes Reed-Solomon parity packets for PGM
// transmission groups (§4.7), using github.com/klauspost/reedsolomon as
// the systematic (n,k) erasure code — the same library and Encode
// contract the kcptun FEC layer builds on.
package fec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/pgmsend/core/internal/txw"
	"github.com/pgmsend/core/internal/wire"
)

// EncodedNull marks a combined OPT_FRAGMENT field whose source packet
// carried no OPT_FRAGMENT of its own: a zero-filled placeholder, not real
// fragmentation metadata, for the records that didn't need to fragment.
const EncodedNull = 0xFFFFFFFF

// Encoder is the systematic (k+parity, k) RS encoder for one configured
// transmission-group shape. A sender typically owns one Encoder per
// (k, n-k) pair it's configured to use.
type Encoder struct {
	k        int
	nParity  int
	n        int
	codec    reedsolomon.Encoder
}

// New builds an Encoder for groups of k original packets and up to
// nParity parity packets.
func New(k, nParity int) (*Encoder, error) {
	codec, err := reedsolomon.New(k, nParity)
	if err != nil {
		return nil, fmt.Errorf("fec: new(%d,%d): %w", k, nParity, err)
	}
	return &Encoder{k: k, nParity: nParity, n: k + nParity, codec: codec}, nil
}

// K reports the encoder's data-shard count.
func (e *Encoder) K() int { return e.k }

// NParity reports the encoder's parity-shard count (n-k).
func (e *Encoder) NParity() int { return e.nParity }

// Group is one transmission group: its k original packet records, in
// sequence order, gathered by the caller via txw.Window.Peek.
type Group struct {
	Base    uint32
	Records []*txw.Record
}

// EncodeParity synthesizes the h'th parity packet (h ∈ [0, n-k)) for g.
// Per §4.7 it first equalizes TSDU lengths: the maximum TSDU length in
// the group becomes the shard length, and any record shorter than that
// is zero-padded in place (idempotently, tracked by Record.ZeroPadded)
// with its true length appended as a 16-bit trailer, reported back as
// varPktLen so the caller sets OPT_VAR_PKTLEN. If any record carries an
// OPT_FRAGMENT, the fragment fields are combined through the same RS
// matrix, using EncodedNull placeholders for records that had none.
func (e *Encoder) EncodeParity(g Group, h int) (tsdu []byte, varPktLen bool, frag *wire.OptFragment, err error) {
	if len(g.Records) != e.k {
		return nil, false, nil, fmt.Errorf("fec: group has %d records, want %d", len(g.Records), e.k)
	}
	if h < 0 || h >= e.nParity {
		return nil, false, nil, fmt.Errorf("fec: parity index %d out of range [0,%d)", h, e.nParity)
	}

	maxLen := 0
	for _, r := range g.Records {
		if r.TrueLen > maxLen {
			maxLen = r.TrueLen
		}
	}
	for _, r := range g.Records {
		if r.TrueLen != maxLen {
			varPktLen = true
			break
		}
	}

	shardLen := maxLen
	if varPktLen {
		shardLen = maxLen + 2
	}

	shards := make([][]byte, e.n)
	for i, r := range g.Records {
		if varPktLen {
			if !r.ZeroPadded {
				want := r.DataOff + shardLen
				for len(r.Buf) < want {
					r.Buf = append(r.Buf, 0)
				}
				binary.BigEndian.PutUint16(r.Buf[r.DataOff+maxLen:r.DataOff+maxLen+2], uint16(r.TrueLen))
				r.ZeroPadded = true
			}
		}
		shards[i] = r.Buf[r.DataOff : r.DataOff+shardLen]
	}
	for i := e.k; i < e.n; i++ {
		shards[i] = make([]byte, shardLen)
	}

	if err := e.codec.Encode(shards); err != nil {
		return nil, false, nil, fmt.Errorf("fec: encode: %w", err)
	}

	if frag, err = e.combineFragments(g, h); err != nil {
		return nil, false, nil, err
	}

	return shards[e.k+h], varPktLen, frag, nil
}

// combineFragments RS-combines the OPT_FRAGMENT fields of g's records, if
// any of them carry one, returning the combined field for parity index h.
// It returns (nil, nil) if no record in the group has OPT_FRAGMENT.
func (e *Encoder) combineFragments(g Group, h int) (*wire.OptFragment, error) {
	any := false
	for _, r := range g.Records {
		if r.FragOff >= 0 {
			any = true
			break
		}
	}
	if !any {
		return nil, nil
	}

	const fieldLen = 12 // Sqn, FragOff, FragLen: 3 uint32s
	const optBodyOff = 3 // skip the 3-byte option header

	shards := make([][]byte, e.n)
	for i, r := range g.Records {
		b := make([]byte, fieldLen)
		if r.FragOff >= 0 {
			copy(b, r.Buf[r.FragOff+optBodyOff:r.FragOff+optBodyOff+fieldLen])
		} else {
			binary.BigEndian.PutUint32(b[0:4], EncodedNull)
			binary.BigEndian.PutUint32(b[4:8], EncodedNull)
			binary.BigEndian.PutUint32(b[8:12], EncodedNull)
		}
		shards[i] = b
	}
	for i := e.k; i < e.n; i++ {
		shards[i] = make([]byte, fieldLen)
	}

	if err := e.codec.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: combine OPT_FRAGMENT: %w", err)
	}

	combined := shards[e.k+h]
	return &wire.OptFragment{
		Sqn:     binary.BigEndian.Uint32(combined[0:4]),
		FragOff: binary.BigEndian.Uint32(combined[4:8]),
		FragLen: binary.BigEndian.Uint32(combined[8:12]),
	}, nil
}
