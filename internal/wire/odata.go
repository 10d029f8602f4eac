package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pgmsend/core/internal/pgmerr"
)

// odataFixedLen is the size of the data_sqn/data_trail prefix that
// follows the fixed header on every ODATA/RDATA packet, before any
// options and the TSDU itself.
const odataFixedLen = 8

// ODATA describes the fields needed to serialize one original-data or
// repair-data packet. Fragment is nil for an unfragmented packet;
// ParityGrp is used only when this struct describes a parity packet
// (OPT_VAR_PKTLEN is a bit in Header.Options, not a field here).
type ODATA struct {
	Header    Header
	DataSqn   uint32
	DataTrail uint32
	Fragment  *OptFragment
	ParityGrp *OptParityGrp
	TSDU      []byte
}

// OptionsLen returns the byte size of the option chain that PutODATA will
// emit for this packet (0 if there are no options at all).
func (o ODATA) OptionsLen() int {
	if o.Fragment == nil && o.ParityGrp == nil {
		return 0
	}
	n := (OptLength{}).encodedLen()
	if o.Fragment != nil {
		n += (OptFragment{}).encodedLen()
	}
	if o.ParityGrp != nil {
		n += (OptParityGrp{}).encodedLen()
	}
	return n
}

// TPDULen returns the total wire size PutODATA will produce for o.
func (o ODATA) TPDULen() int {
	return HeaderLen + odataFixedLen + o.OptionsLen() + len(o.TSDU)
}

// PutODATA serializes o into buf, which must be at least o.TPDULen()
// bytes. It does not compute the header checksum field (callers memoize
// and combine partial TSDU checksums separately, per §4.2/§4.4); the
// Checksum field of o.Header is written as-is.
func PutODATA(buf []byte, o ODATA) int {
	PutHeader(buf, o.Header)
	off := HeaderLen
	binary.BigEndian.PutUint32(buf[off:off+4], o.DataSqn)
	binary.BigEndian.PutUint32(buf[off+4:off+8], o.DataTrail)
	off += odataFixedLen

	optLen := o.OptionsLen()
	if optLen > 0 {
		off += putOptLength(buf[off:], uint16(optLen), false)
		if o.Fragment != nil {
			off += putOptFragment(buf[off:], *o.Fragment, o.ParityGrp == nil)
		}
		if o.ParityGrp != nil {
			off += putOptParityGrp(buf[off:], *o.ParityGrp, true)
		}
	}
	copy(buf[off:], o.TSDU)
	return off + len(o.TSDU)
}

// ParseODATA parses a complete ODATA/RDATA TPDU, validating that the
// declared header TSDU length matches the actual packet length and that
// the option chain (if OPT_PRESENT is set) is well formed.
func ParseODATA(buf []byte) (ODATA, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return ODATA{}, err
	}
	if len(buf) < HeaderLen+odataFixedLen {
		return ODATA{}, fmt.Errorf("wire: %w: ODATA shorter than fixed prefix", pgmerr.ErrMalformed)
	}
	off := HeaderLen
	dataSqn := binary.BigEndian.Uint32(buf[off : off+4])
	dataTrail := binary.BigEndian.Uint32(buf[off+4 : off+8])
	off += odataFixedLen

	o := ODATA{Header: h, DataSqn: dataSqn, DataTrail: dataTrail}

	if h.Options&OptPresent != 0 {
		// The option chain length isn't known up front; scan for OPT_END
		// the same way ParseOptions's caller must for any chained type.
		end, err := scanOptionChainEnd(buf[off:])
		if err != nil {
			return ODATA{}, err
		}
		opts, err := ParseOptions(buf[off : off+end])
		if err != nil {
			return ODATA{}, err
		}
		off += end
		o.Fragment = opts.Fragment
		o.ParityGrp = opts.ParityGrp
	} else if h.Options&(OptParity|OptVarPkt) != 0 {
		return ODATA{}, fmt.Errorf("wire: %w: OPT_PARITY/OPT_VAR_PKTLEN set without OPT_PRESENT", pgmerr.ErrMalformed)
	}

	tsdu := buf[off:]
	if int(h.TSDULength) != len(tsdu) {
		return ODATA{}, fmt.Errorf("wire: %w: header TSDU length %d != actual %d", pgmerr.ErrMalformed, h.TSDULength, len(tsdu))
	}
	o.TSDU = tsdu
	return o, nil
}

// scanOptionChainEnd walks an option chain without interpreting it, just
// to find where it ends (the byte offset just past the OPT_END option),
// so the caller can slice exactly the option area before handing it to
// ParseOptions and treat everything after as payload.
func scanOptionChainEnd(buf []byte) (int, error) {
	off := 0
	for {
		if off+optHeaderLen > len(buf) {
			return 0, fmt.Errorf("wire: %w: option header extends past packet end", pgmerr.ErrMalformed)
		}
		typByte := buf[off]
		totalLen := int(buf[off+1])
		if totalLen < optHeaderLen || off+totalLen > len(buf) {
			return 0, fmt.Errorf("wire: %w: option extends past packet end", pgmerr.ErrMalformed)
		}
		off += totalLen
		if typByte&OptEnd != 0 {
			return off, nil
		}
	}
}
