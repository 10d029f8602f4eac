package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pgmsend/core/internal/pgmerr"
)

// nakFixedLen is the size of the nak_sqn field preceding the two NLAs on
// NAK/NNAK/NCF packets.
const nakFixedLen = 4

// NAK describes a NAK, NNAK, or NCF packet: the three share an identical
// wire shape (§6), differing only in Header.Type and in whether an
// OPT_NAK_LIST trails the primary sequence.
type NAK struct {
	Header    Header
	NakSqn    uint32
	SourceNLA NLA
	GroupNLA  NLA
	NakList   []uint32 // additional sequences beyond NakSqn, via OPT_NAK_LIST
}

func (n NAK) optionsLen() int {
	if len(n.NakList) == 0 {
		return 0
	}
	return (OptLength{}).encodedLen() + OptNakList{Sqns: n.NakList}.encodedLen()
}

// TPDULen returns the total wire size PutNAK will produce for n.
func (n NAK) TPDULen() int {
	return HeaderLen + nakFixedLen + n.SourceNLA.EncodedLen() + n.GroupNLA.EncodedLen() + n.optionsLen()
}

// PutNAK serializes n (a NAK, NNAK, or NCF — Header.Type selects which)
// into buf, which must be at least n.TPDULen() bytes.
func PutNAK(buf []byte, n NAK) int {
	PutHeader(buf, n.Header)
	off := HeaderLen
	binary.BigEndian.PutUint32(buf[off:off+4], n.NakSqn)
	off += nakFixedLen
	off += putNLA(buf[off:], n.SourceNLA)
	off += putNLA(buf[off:], n.GroupNLA)

	if len(n.NakList) > 0 {
		optLen := n.optionsLen()
		off += putOptLength(buf[off:], uint16(optLen), false)
		off += putOptNakList(buf[off:], OptNakList{Sqns: n.NakList}, true)
	}
	return off
}

// ParseNAK parses a NAK/NNAK/NCF packet body. Malformed-ness per §4.3 is
// reported via pgmerr.ErrMalformed; callers (verify_nak et al.) decide how
// to additionally validate the NLAs against the sender's own identity.
func ParseNAK(buf []byte) (NAK, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return NAK{}, err
	}
	off := HeaderLen
	if len(buf) < off+nakFixedLen {
		return NAK{}, fmt.Errorf("wire: %w: NAK shorter than fixed prefix", pgmerr.ErrMalformed)
	}
	nakSqn := binary.BigEndian.Uint32(buf[off : off+4])
	off += nakFixedLen

	src, n, err := parseNLA(buf[off:])
	if err != nil {
		return NAK{}, fmt.Errorf("wire: %w: %v", pgmerr.ErrMalformed, err)
	}
	off += n
	grp, n, err := parseNLA(buf[off:])
	if err != nil {
		return NAK{}, fmt.Errorf("wire: %w: %v", pgmerr.ErrMalformed, err)
	}
	off += n

	nk := NAK{Header: h, NakSqn: nakSqn, SourceNLA: src, GroupNLA: grp}

	if h.Options&OptPresent != 0 {
		end, err := scanOptionChainEnd(buf[off:])
		if err != nil {
			return NAK{}, err
		}
		opts, err := ParseOptions(buf[off : off+end])
		if err != nil {
			return NAK{}, err
		}
		off += end
		if opts.NakList != nil {
			if len(opts.NakList.Sqns) > MaxNakListEntries {
				return NAK{}, fmt.Errorf("wire: %w: OPT_NAK_LIST exceeds %d entries", pgmerr.ErrMalformed, MaxNakListEntries)
			}
			nk.NakList = opts.NakList.Sqns
		}
	}

	if int(h.TSDULength) != 0 {
		return NAK{}, fmt.Errorf("wire: %w: NAK/NNAK/NCF must carry zero TSDU length, got %d", pgmerr.ErrMalformed, h.TSDULength)
	}
	if off != len(buf) {
		return NAK{}, fmt.Errorf("wire: %w: trailing bytes after NAK option chain", pgmerr.ErrMalformed)
	}
	return nk, nil
}
