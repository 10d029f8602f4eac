package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pgmsend/core/internal/pgmerr"
)

// spmFixedLen is the size of the spm_sqn/spm_trail/spm_lead prefix that
// follows the fixed header, before the path NLA.
const spmFixedLen = 12

// SPM is a Source Path Message: it advertises the transmit window's
// extremities and carries the forwarding path NLA (§4.5).
type SPM struct {
	Header  Header
	SpmSqn  uint32
	Trail   uint32
	Lead    uint32
	PathNLA NLA
}

// TPDULen returns the total wire size PutSPM will produce for s.
func (s SPM) TPDULen() int {
	return HeaderLen + spmFixedLen + s.PathNLA.EncodedLen()
}

// PutSPM serializes s into buf, which must be at least s.TPDULen() bytes.
func PutSPM(buf []byte, s SPM) int {
	PutHeader(buf, s.Header)
	off := HeaderLen
	binary.BigEndian.PutUint32(buf[off:off+4], s.SpmSqn)
	binary.BigEndian.PutUint32(buf[off+4:off+8], s.Trail)
	binary.BigEndian.PutUint32(buf[off+8:off+12], s.Lead)
	off += spmFixedLen
	off += putNLA(buf[off:], s.PathNLA)
	return off
}

// ParseSPM parses a complete SPM TPDU.
func ParseSPM(buf []byte) (SPM, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return SPM{}, err
	}
	off := HeaderLen
	if len(buf) < off+spmFixedLen {
		return SPM{}, fmt.Errorf("wire: %w: SPM shorter than fixed prefix", pgmerr.ErrMalformed)
	}
	spmSqn := binary.BigEndian.Uint32(buf[off : off+4])
	trail := binary.BigEndian.Uint32(buf[off+4 : off+8])
	lead := binary.BigEndian.Uint32(buf[off+8 : off+12])
	off += spmFixedLen

	nla, n, err := parseNLA(buf[off:])
	if err != nil {
		return SPM{}, fmt.Errorf("wire: %w: %v", pgmerr.ErrMalformed, err)
	}
	off += n

	if off != len(buf) {
		return SPM{}, fmt.Errorf("wire: %w: trailing bytes after SPM path NLA", pgmerr.ErrMalformed)
	}
	return SPM{Header: h, SpmSqn: spmSqn, Trail: trail, Lead: lead, PathNLA: nla}, nil
}

// SPMR is an SPM-Request: a bare-header packet with no type-specific
// payload beyond the fixed header.
type SPMR struct {
	Header Header
}

// TPDULen returns HeaderLen: SPMR carries no payload.
func (SPMR) TPDULen() int { return HeaderLen }

// PutSPMR serializes r into buf, which must be at least HeaderLen bytes.
func PutSPMR(buf []byte, r SPMR) int {
	PutHeader(buf, r.Header)
	return HeaderLen
}

// ParseSPMR parses an SPMR TPDU, rejecting anything but a bare header
// with zero declared TSDU length (§4.3's verify_spmr contract).
func ParseSPMR(buf []byte) (SPMR, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return SPMR{}, err
	}
	if h.TSDULength != 0 {
		return SPMR{}, fmt.Errorf("wire: %w: SPMR must carry zero TSDU length, got %d", pgmerr.ErrMalformed, h.TSDULength)
	}
	if len(buf) != HeaderLen {
		return SPMR{}, fmt.Errorf("wire: %w: trailing bytes after SPMR header", pgmerr.ErrMalformed)
	}
	return SPMR{Header: h}, nil
}
