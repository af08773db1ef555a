package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// AddrKind discriminates the three SocksAddr variants. Callers read it
// from SocksAddr.Kind; the wire ATYP byte itself is only decoded and
// encoded in this file.
type AddrKind byte

const (
	AddrIPv4 AddrKind = AddrTypeIPv4
	AddrIPv6 AddrKind = AddrTypeIPv6
	AddrDNS  AddrKind = AddrTypeDomain
)

// SocksAddr is the tagged address+port value carried by SOCKS5 requests,
// replies, and UDP datagram headers (RFC 1928 §5, §7). Exactly one of IP
// or Name is meaningful, selected by Kind.
type SocksAddr struct {
	Kind AddrKind
	IP   net.IP // valid (4 or 16 bytes) when Kind is AddrIPv4/AddrIPv6
	Name string // ASCII printable, 1-255 bytes, valid when Kind is AddrDNS
	Port uint16
}

// Key returns the UdpSessionTable lookup key for this address: equality
// is (kind, canonicalized address string, port) per §4.6. IP forms use
// their textual form so that equivalent byte encodings of one IP (e.g.
// the 4-byte and 16-byte forms of the same IPv4 address) compare equal;
// Kind is part of the key, so an AddrIPv4 and an AddrIPv6 never match
// each other. Name forms compare by exact bytes since DNS names are
// never resolved by this codec.
type SocksAddrKey struct {
	Kind AddrKind
	Addr string
	Port uint16
}

// Key computes the table key for this address.
func (a SocksAddr) Key() SocksAddrKey {
	switch a.Kind {
	case AddrDNS:
		return SocksAddrKey{Kind: AddrDNS, Addr: a.Name, Port: a.Port}
	default:
		return SocksAddrKey{Kind: a.Kind, Addr: a.IP.String(), Port: a.Port}
	}
}

func (a SocksAddr) String() string {
	switch a.Kind {
	case AddrDNS:
		return fmt.Sprintf("%s:%d", a.Name, a.Port)
	default:
		return net.JoinHostPort(a.IP.String(), fmt.Sprint(a.Port))
	}
}

// replyErr is a SOCKS5 reply code carried as a Go error so that callers
// threading errors up through readRequest/decodeAddrPort/resolve can
// recover the wire reply without re-classifying the failure (mirrors
// §7's error-kind table: each failure already knows its reply code at
// the point it's produced).
type replyErr struct {
	code byte
	msg  string
}

func (e *replyErr) Error() string { return e.msg }

func newReplyErr(code byte, msg string) error { return &replyErr{code: code, msg: msg} }

// replyCodeFor extracts the SOCKS5 reply code carried by err, defaulting
// to ReplyServerFailure for anything that wasn't produced with a more
// specific code (§7: "Unknown errors map to GeneralFailure").
func replyCodeFor(err error) byte {
	var re *replyErr
	if errors.As(err, &re) {
		return re.code
	}
	return ReplyServerFailure
}

// DecodeAddrPort reads one ATYP-prefixed address and 2-byte big-endian
// port from data and returns the parsed SocksAddr plus the number of
// bytes consumed. It never performs name resolution — a domain name is
// returned verbatim. Short input and malformed IPv4/IPv6 payloads fail
// with ReplyServerFailure; an unrecognized ATYP fails with
// ReplyAddrNotSupported (§4.1).
func DecodeAddrPort(data []byte) (SocksAddr, int, error) {
	if len(data) < 1 {
		return SocksAddr{}, 0, newReplyErr(ReplyServerFailure, "short address: missing ATYP")
	}

	switch data[0] {
	case AddrTypeIPv4:
		const n = 1 + 4 + 2
		if len(data) < n {
			return SocksAddr{}, 0, newReplyErr(ReplyServerFailure, "short IPv4 address")
		}
		ip := net.IP(append([]byte(nil), data[1:5]...))
		port := binary.BigEndian.Uint16(data[5:7])
		return SocksAddr{Kind: AddrIPv4, IP: ip, Port: port}, n, nil

	case AddrTypeIPv6:
		const n = 1 + 16 + 2
		if len(data) < n {
			return SocksAddr{}, 0, newReplyErr(ReplyServerFailure, "short IPv6 address")
		}
		ip := net.IP(append([]byte(nil), data[1:17]...))
		port := binary.BigEndian.Uint16(data[17:19])
		return SocksAddr{Kind: AddrIPv6, IP: ip, Port: port}, n, nil

	case AddrTypeDomain:
		if len(data) < 2 {
			return SocksAddr{}, 0, newReplyErr(ReplyServerFailure, "short domain length")
		}
		l := int(data[1])
		if l == 0 {
			return SocksAddr{}, 0, newReplyErr(ReplyServerFailure, "zero-length domain name")
		}
		n := 1 + 1 + l + 2
		if len(data) < n {
			return SocksAddr{}, 0, newReplyErr(ReplyServerFailure, "short domain name or port")
		}
		name := string(data[2 : 2+l])
		if !isASCIIPrintable(name) {
			return SocksAddr{}, 0, newReplyErr(ReplyServerFailure, "non-printable domain name")
		}
		port := binary.BigEndian.Uint16(data[2+l : n])
		return SocksAddr{Kind: AddrDNS, Name: name, Port: port}, n, nil

	default:
		return SocksAddr{}, 0, newReplyErr(ReplyAddrNotSupported, fmt.Sprintf("unsupported address type: 0x%02x", data[0]))
	}
}

// EncodeAddrPort serializes a to its ATYP-prefixed wire form: 1-byte
// ATYP, the variant payload, then a 2-byte big-endian port.
func EncodeAddrPort(a SocksAddr) []byte {
	switch a.Kind {
	case AddrIPv4:
		ip4 := a.IP.To4()
		buf := make([]byte, 1+4+2)
		buf[0] = AddrTypeIPv4
		copy(buf[1:5], ip4)
		binary.BigEndian.PutUint16(buf[5:7], a.Port)
		return buf

	case AddrIPv6:
		ip16 := a.IP.To16()
		buf := make([]byte, 1+16+2)
		buf[0] = AddrTypeIPv6
		copy(buf[1:17], ip16)
		binary.BigEndian.PutUint16(buf[17:19], a.Port)
		return buf

	case AddrDNS:
		buf := make([]byte, 1+1+len(a.Name)+2)
		buf[0] = AddrTypeDomain
		buf[1] = byte(len(a.Name))
		copy(buf[2:2+len(a.Name)], a.Name)
		binary.BigEndian.PutUint16(buf[2+len(a.Name):], a.Port)
		return buf

	default:
		// Unreachable for values produced by DecodeAddrPort or the
		// constructors below; a zero Kind has no wire representation.
		return nil
	}
}

// AddrFromIP builds a SocksAddr for a concrete IP literal, choosing
// AddrIPv4 or AddrIPv6 based on the IP's form.
func AddrFromIP(ip net.IP, port uint16) SocksAddr {
	if v4 := ip.To4(); v4 != nil {
		return SocksAddr{Kind: AddrIPv4, IP: v4, Port: port}
	}
	return SocksAddr{Kind: AddrIPv6, IP: ip.To16(), Port: port}
}

// AddrFromName builds a SocksAddr for a DNS destination.
func AddrFromName(name string, port uint16) SocksAddr {
	return SocksAddr{Kind: AddrDNS, Name: name, Port: port}
}

func isASCIIPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// DecodeUDPHeader parses the header described in §6 ("UDP datagram
// framing") from the front of a datagram and returns the destination
// address and the remaining payload. FRAG must be 0 (§4.6, Non-goals);
// any other value is reported as ErrFragmentedDatagram so the caller can
// silently discard the datagram per spec.
func DecodeUDPHeader(data []byte) (SocksAddr, []byte, error) {
	if len(data) < 4 {
		return SocksAddr{}, nil, newReplyErr(ReplyServerFailure, "UDP datagram too short for header")
	}
	if data[0] != 0 || data[1] != 0 {
		return SocksAddr{}, nil, newReplyErr(ReplyServerFailure, "UDP header RSV must be zero")
	}
	if data[2] != 0 {
		return SocksAddr{}, nil, ErrFragmentedDatagram
	}
	addr, n, err := DecodeAddrPort(data[3:])
	if err != nil {
		return SocksAddr{}, nil, err
	}
	return addr, data[3+n:], nil
}

// EncodeUDPHeader prepends the SOCKS5 UDP header for addr to payload,
// returning the full datagram to send on the wire.
func EncodeUDPHeader(addr SocksAddr, payload []byte) []byte {
	addrBytes := EncodeAddrPort(addr)
	out := make([]byte, 3+len(addrBytes)+len(payload))
	// RSV(2) + FRAG(1) already zero by default.
	copy(out[3:], addrBytes)
	copy(out[3+len(addrBytes):], payload)
	return out
}
