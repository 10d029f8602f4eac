package wire

import (
	"fmt"
	"net"

	"github.com/pgmsend/core/internal/pgmerr"
)

// Identity is the sender's bound unicast address and configured
// multicast group, used to validate the source/group NLAs carried on an
// incoming NAK (§4.3): "NAK source NLA differs from the sender's unicast
// address" and "NAK group NLA differs from the configured multicast
// group" are both Malformed, not merely suspicious.
type Identity struct {
	Unicast net.IP
	Group   net.IP
}

// VerifyNAK parses and validates an incoming NAK (selective or parity;
// the caller distinguishes by OPT_PARITY on the header). It returns
// pgmerr.ErrMalformed for any of the §4.3 rejection reasons, including
// the NLA-identity checks that ParseNAK alone cannot perform.
func VerifyNAK(buf []byte, id Identity) (NAK, error) {
	n, err := ParseNAK(buf)
	if err != nil {
		return NAK{}, err
	}
	if !n.SourceNLA.Addr.Equal(id.Unicast) {
		return NAK{}, fmt.Errorf("wire: %w: NAK source NLA %s != sender unicast %s", pgmerr.ErrMalformed, n.SourceNLA.Addr, id.Unicast)
	}
	if !n.GroupNLA.Addr.Equal(id.Group) {
		return NAK{}, fmt.Errorf("wire: %w: NAK group NLA %s != configured group %s", pgmerr.ErrMalformed, n.GroupNLA.Addr, id.Group)
	}
	return n, nil
}

// VerifyNNAK parses and validates an incoming NNAK. NNAKs share the NAK
// wire shape and the same NLA-identity rule.
func VerifyNNAK(buf []byte, id Identity) (NAK, error) {
	return VerifyNAK(buf, id)
}

// VerifySPMR parses and validates an incoming SPMR.
func VerifySPMR(buf []byte) (SPMR, error) {
	return ParseSPMR(buf)
}

// IsParityNAK reports whether a parsed NAK's header carries OPT_PARITY,
// i.e. it requests a parity repair rather than a selective retransmit.
func IsParityNAK(n NAK) bool {
	return n.Header.Options&OptParity != 0
}
