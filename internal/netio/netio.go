// Package netio is the default implementation of the "socket creation
// and bind" collaborator spec.md leaves out of scope: it exists so
// cmd/pgmsend is actually runnable, not as part of the wire-protocol
// core. It binds a UDP socket, joins the destination multicast group,
// and sets the multicast socket options a PGM sender needs, using
// golang.org/x/sys/unix for the options net.UDPConn doesn't expose and
// github.com/higebu/netfd to reach the raw file descriptor, the same way
// the sockstats exporter reaches a connection's fd for TCP_INFO.
package netio

import (
	"fmt"
	"net"
	"unsafe"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/docker/docker/pkg/parsers/kernel"
)

// Network is the socket collaborator a Transport binds against. The
// default implementation is UDPNetwork; tests substitute a fake.
type Network interface {
	Bind(localAddr *net.UDPAddr) (*net.UDPConn, error)
	JoinGroup(conn *net.UDPConn, group net.IP, iface string) error
	SetMulticastTTL(conn *net.UDPConn, ttl int) error
	SetMulticastLoop(conn *net.UDPConn, loop bool) error
	WriteTo(conn *net.UDPConn, b []byte, addr *net.UDPAddr) (int, error)

	// EnablePktinfo turns on IP_PKTINFO so WriteMsgTo can steer each
	// packet's egress interface and source address individually.
	EnablePktinfo(conn *net.UDPConn) error
	// WriteMsgTo writes b to addr on conn carrying oob ancillary data
	// (built by PktinfoOOB) alongside it.
	WriteMsgTo(conn *net.UDPConn, b, oob []byte, addr *net.UDPAddr) (int, error)
}

// UDPNetwork is the default Network: plain UDP sockets with multicast
// options applied via raw socket-option calls.
type UDPNetwork struct{}

// Bind opens a UDP socket on localAddr.
func (UDPNetwork) Bind(localAddr *net.UDPAddr) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen %s: %w", localAddr, err)
	}
	return conn, nil
}

// JoinGroup joins conn to the multicast group, optionally bound to a
// named interface.
func (UDPNetwork) JoinGroup(conn *net.UDPConn, group net.IP, ifaceName string) error {
	fd := netfd.GetFdFromConn(conn)
	var ifIndex int32
	if ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return fmt.Errorf("netio: interface %s: %w", ifaceName, err)
		}
		ifIndex = int32(iface.Index)
	}
	mreq := &unix.IPMreqn{
		Multiaddr: [4]byte{group.To4()[0], group.To4()[1], group.To4()[2], group.To4()[3]},
		Ifindex:   ifIndex,
	}
	if err := unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		return fmt.Errorf("netio: IP_ADD_MEMBERSHIP: %w", err)
	}
	return nil
}

// SetMulticastTTL sets IP_MULTICAST_TTL on conn.
func (UDPNetwork) SetMulticastTTL(conn *net.UDPConn, ttl int) error {
	fd := netfd.GetFdFromConn(conn)
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl); err != nil {
		return fmt.Errorf("netio: IP_MULTICAST_TTL: %w", err)
	}
	return nil
}

// SetMulticastLoop sets IP_MULTICAST_LOOP on conn.
func (UDPNetwork) SetMulticastLoop(conn *net.UDPConn, loop bool) error {
	fd := netfd.GetFdFromConn(conn)
	v := 0
	if loop {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, v); err != nil {
		return fmt.Errorf("netio: IP_MULTICAST_LOOP: %w", err)
	}
	return nil
}

// WriteTo writes b to addr on conn.
func (UDPNetwork) WriteTo(conn *net.UDPConn, b []byte, addr *net.UDPAddr) (int, error) {
	return conn.WriteToUDP(b, addr)
}

// EnablePktinfo sets IP_PKTINFO on conn so every send can carry a
// per-packet egress interface and source address, the way
// malbeclabs-doublezero's uping sender enables it on its raw ICMP socket
// before building an IP_PKTINFO control message per probe.
func (UDPNetwork) EnablePktinfo(conn *net.UDPConn) error {
	fd := netfd.GetFdFromConn(conn)
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
		return fmt.Errorf("netio: IP_PKTINFO: %w", err)
	}
	return nil
}

// WriteMsgTo writes b to addr on conn along with oob ancillary data (an
// IP_PKTINFO control message from PktinfoOOB), steering this packet's
// egress interface and source address independently of the socket's bound
// address — what a multi-homed sender needs to pick a consistent source
// NLA when --iface selects among several interfaces.
func (UDPNetwork) WriteMsgTo(conn *net.UDPConn, b, oob []byte, addr *net.UDPAddr) (int, error) {
	n, _, err := conn.WriteMsgUDP(b, oob, addr)
	return n, err
}

// PktinfoOOB builds the IP_PKTINFO control message for one send: ifIndex
// selects the egress interface, source becomes the packet's Spec_dst
// (its source address). Mirrors malbeclabs-doublezero's buildPktinfoOOB.
// Returns nil if source isn't a valid IPv4 address.
func PktinfoOOB(ifIndex int, source net.IP) []byte {
	v4 := source.To4()
	if v4 == nil {
		return nil
	}
	oob := make([]byte, unix.CmsgSpace(unix.SizeofInet4Pktinfo))
	cm := (*unix.Cmsghdr)(unsafe.Pointer(&oob[0]))
	cm.Level = unix.IPPROTO_IP
	cm.Type = unix.IP_PKTINFO
	cm.SetLen(unix.CmsgLen(unix.SizeofInet4Pktinfo))

	data := oob[unix.CmsgLen(0):unix.CmsgLen(unix.SizeofInet4Pktinfo)]
	var pi unix.Inet4Pktinfo
	pi.Ifindex = int32(ifIndex)
	copy(pi.Spec_dst[:], v4)
	*(*unix.Inet4Pktinfo)(unsafe.Pointer(&data[0])) = pi
	return oob
}

// SupportsPktinfo reports whether the running kernel is new enough to
// support IP_PKTINFO-based source-address selection for multi-homed
// sends, gating the "supplemented feature" the teacher's kernel-version
// checks (pkg/linux/init.go's CheckKernelVersion) model for TCP_INFO
// field availability. PGM doesn't need this for single-homed senders;
// Open only enables it when NetworkInterface picks among several.
func SupportsPktinfo() bool {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		return false
	}
	return kernel.CompareKernelVersion(*v, kernel.VersionInfo{Kernel: 2, Major: 6, Minor: 0}) >= 0
}
