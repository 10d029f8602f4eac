// Package wire encodes and decodes PGM (RFC 3208) packets: the fixed
// header, the option chain, and the type-specific payloads (SPM, NAK,
// NNAK, NCF, ODATA, RDATA, SPMR). All multi-byte fields are network byte
// order, matching the wire, unlike the teacher's SA-MP/RakNet codec which
// is little-endian throughout.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Packet type codes (§6).
const (
	TypeSPM   byte = 0x00
	TypeODATA byte = 0x04
	TypeRDATA byte = 0x05
	TypeNAK   byte = 0x08
	TypeNNAK  byte = 0x09
	TypeNCF   byte = 0x0A
	TypeSPMR  byte = 0x40
)

// Header option bits (the "options" byte of the fixed header).
const (
	OptPresent byte = 1 << 0
	OptNetwork byte = 1 << 1
	OptParity  byte = 1 << 7
	OptVarPkt  byte = 1 << 6
)

// HeaderLen is the size of the fixed PGM header in bytes.
const HeaderLen = 16

// Header is the fixed 16-byte PGM header shared by every packet type.
type Header struct {
	SourcePort byte2
	DestPort   byte2
	Type       byte
	Options    byte
	Checksum   byte2
	GSI        [6]byte
	TSDULength byte2
}

// byte2 exists only for documentation; it is just a uint16 but spells out
// that the field is always network-order on the wire.
type byte2 = uint16

// PutHeader serializes h into buf[:HeaderLen]. buf must be at least
// HeaderLen bytes.
func PutHeader(buf []byte, h Header) {
	_ = buf[:HeaderLen]
	binary.BigEndian.PutUint16(buf[0:2], h.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], h.DestPort)
	buf[4] = h.Type
	buf[5] = h.Options
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
	copy(buf[8:14], h.GSI[:])
	binary.BigEndian.PutUint16(buf[14:16], h.TSDULength)
}

// ParseHeader reads the fixed header from buf. It returns an error only on
// short input; field-level validity (e.g. declared TSDU length vs actual
// packet length) is the caller's job via the Verify* functions, because
// that check differs per packet type.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	var h Header
	h.SourcePort = binary.BigEndian.Uint16(buf[0:2])
	h.DestPort = binary.BigEndian.Uint16(buf[2:4])
	h.Type = buf[4]
	h.Options = buf[5]
	h.Checksum = binary.BigEndian.Uint16(buf[6:8])
	copy(h.GSI[:], buf[8:14])
	h.TSDULength = binary.BigEndian.Uint16(buf[14:16])
	return h, nil
}
