package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pgmsend/core/internal/pgmerr"
)

// Option header is 3 bytes: opt_type (top bit = OPT_END, low 7 bits = type
// code), opt_length (total encoded size of the option including this
// header), opt_reserved (always zero on the wire).
const optHeaderLen = 3

const (
	OptEnd  byte = 1 << 7
	OptMask byte = 0x7f
)

// Option type codes (§6). OPT_LENGTH must be the first option in the
// chain if any options are present at all.
const (
	OptTypeLength    byte = 0x00
	OptTypeFragment  byte = 0x01
	OptTypeNakList   byte = 0x02
	OptTypeParityGrp byte = 0x09
)

// MaxNakListEntries bounds OPT_NAK_LIST so the option (62 × 4 bytes plus
// its 3-byte header, 251 bytes) fits the 255-byte limit implied by its
// single-byte opt_length.
const MaxNakListEntries = 62

// OptLength is the mandatory first option: it records the total size of
// the option area (including itself) so a parser can validate that the
// chain is fully contained within the packet before walking it.
type OptLength struct {
	TotalLength uint16
}

func (OptLength) encodedLen() int { return optHeaderLen + 2 }

func putOptLength(buf []byte, totalLength uint16, last bool) int {
	n := (OptLength{}).encodedLen()
	putOptHeader(buf, OptTypeLength, n, last)
	binary.BigEndian.PutUint16(buf[optHeaderLen:n], totalLength)
	return n
}

// OptFragment carries APDU fragmentation metadata (§4.4).
type OptFragment struct {
	Sqn     uint32 // sequence of the APDU's first fragment
	FragOff uint32 // byte offset of this fragment within the APDU
	FragLen uint32 // total APDU length
}

func (OptFragment) encodedLen() int { return optHeaderLen + 12 }

func putOptFragment(buf []byte, f OptFragment, last bool) int {
	n := f.encodedLen()
	putOptHeader(buf, OptTypeFragment, n, last)
	binary.BigEndian.PutUint32(buf[optHeaderLen:optHeaderLen+4], f.Sqn)
	binary.BigEndian.PutUint32(buf[optHeaderLen+4:optHeaderLen+8], f.FragOff)
	binary.BigEndian.PutUint32(buf[optHeaderLen+8:optHeaderLen+12], f.FragLen)
	return n
}

func parseOptFragment(body []byte) (OptFragment, error) {
	if len(body) < 12 {
		return OptFragment{}, fmt.Errorf("wire: OPT_FRAGMENT short body (%d bytes)", len(body))
	}
	return OptFragment{
		Sqn:     binary.BigEndian.Uint32(body[0:4]),
		FragOff: binary.BigEndian.Uint32(body[4:8]),
		FragLen: binary.BigEndian.Uint32(body[8:12]),
	}, nil
}

// OptNakList carries the secondary sequence numbers of a coalesced NAK or
// NCF, beyond the primary nak_sqn in the fixed payload.
type OptNakList struct {
	Sqns []uint32
}

func (o OptNakList) encodedLen() int { return optHeaderLen + 4*len(o.Sqns) }

func putOptNakList(buf []byte, o OptNakList, last bool) int {
	n := o.encodedLen()
	putOptHeader(buf, OptTypeNakList, n, last)
	off := optHeaderLen
	for _, s := range o.Sqns {
		binary.BigEndian.PutUint32(buf[off:off+4], s)
		off += 4
	}
	return n
}

func parseOptNakList(body []byte) (OptNakList, error) {
	if len(body)%4 != 0 {
		return OptNakList{}, fmt.Errorf("wire: OPT_NAK_LIST body not a multiple of 4 (%d bytes)", len(body))
	}
	sqns := make([]uint32, len(body)/4)
	for i := range sqns {
		sqns[i] = binary.BigEndian.Uint32(body[i*4 : i*4+4])
	}
	return OptNakList{Sqns: sqns}, nil
}

// OptParityGrp records the (n, k) the parity packet's transmission group
// was encoded under, so a receiver-side decoder (out of scope to
// implement here, but in scope to be encodable for) knows the shard
// counts without consulting out-of-band configuration.
type OptParityGrp struct {
	N, K uint8
}

func (OptParityGrp) encodedLen() int { return optHeaderLen + 2 }

func putOptParityGrp(buf []byte, o OptParityGrp, last bool) int {
	n := (OptParityGrp{}).encodedLen()
	putOptHeader(buf, OptTypeParityGrp, n, last)
	buf[optHeaderLen] = o.N
	buf[optHeaderLen+1] = o.K
	return n
}

func parseOptParityGrp(body []byte) (OptParityGrp, error) {
	if len(body) < 2 {
		return OptParityGrp{}, fmt.Errorf("wire: OPT_PARITY_GRP short body (%d bytes)", len(body))
	}
	return OptParityGrp{N: body[0], K: body[1]}, nil
}

func putOptHeader(buf []byte, typ byte, totalLen int, last bool) {
	t := typ & OptMask
	if last {
		t |= OptEnd
	}
	buf[0] = t
	buf[1] = byte(totalLen)
	buf[2] = 0
}

// Options is the parsed, order-preserving option chain of one packet.
type Options struct {
	Length      *OptLength
	Fragment    *OptFragment
	NakList     *OptNakList
	ParityGrp   *OptParityGrp
}

// ParseOptions walks buf (the bytes immediately following the fixed
// header, or the NAK/NCF fixed payload) as a PGM option chain and returns
// the parsed options. It implements the malformed-rejection rules of
// §4.3: OPT_LENGTH must come first, its declared size must match its
// actual encoded size, the chain must terminate with OPT_END, and no
// option may extend past the end of buf.
func ParseOptions(buf []byte) (Options, error) {
	var opts Options
	if len(buf) < optHeaderLen {
		return opts, fmt.Errorf("wire: %w: option area shorter than one option header", pgmerr.ErrMalformed)
	}

	off := 0
	first := true
	for {
		if off+optHeaderLen > len(buf) {
			return opts, fmt.Errorf("wire: %w: option header extends past packet end", pgmerr.ErrMalformed)
		}
		typByte := buf[off]
		totalLen := int(buf[off+1])
		isLast := typByte&OptEnd != 0
		typ := typByte & OptMask

		if totalLen < optHeaderLen || off+totalLen > len(buf) {
			return opts, fmt.Errorf("wire: %w: option extends past packet end", pgmerr.ErrMalformed)
		}
		body := buf[off+optHeaderLen : off+totalLen]

		if first && typ != OptTypeLength {
			return opts, fmt.Errorf("wire: %w: OPT_LENGTH must be first", pgmerr.ErrMalformed)
		}

		switch typ {
		case OptTypeLength:
			if totalLen != (OptLength{}).encodedLen() {
				return opts, fmt.Errorf("wire: %w: OPT_LENGTH size mismatch", pgmerr.ErrMalformed)
			}
			l := OptLength{TotalLength: binary.BigEndian.Uint16(body)}
			opts.Length = &l
		case OptTypeFragment:
			f, err := parseOptFragment(body)
			if err != nil {
				return opts, fmt.Errorf("%w: %v", pgmerr.ErrMalformed, err)
			}
			opts.Fragment = &f
		case OptTypeNakList:
			l, err := parseOptNakList(body)
			if err != nil {
				return opts, fmt.Errorf("%w: %v", pgmerr.ErrMalformed, err)
			}
			opts.NakList = &l
		case OptTypeParityGrp:
			p, err := parseOptParityGrp(body)
			if err != nil {
				return opts, fmt.Errorf("%w: %v", pgmerr.ErrMalformed, err)
			}
			opts.ParityGrp = &p
		default:
			// Unknown option types are skipped, per RFC 3208 extensibility.
		}

		off += totalLen
		first = false
		if isLast {
			break
		}
	}
	if opts.Length == nil {
		return opts, fmt.Errorf("wire: %w: option chain missing OPT_LENGTH", pgmerr.ErrMalformed)
	}
	if int(opts.Length.TotalLength) != off {
		return opts, fmt.Errorf("wire: %w: OPT_LENGTH total does not match chain length", pgmerr.ErrMalformed)
	}
	return opts, nil
}
