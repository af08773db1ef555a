package socks5

import (
	"context"
	"net"
	"strconv"
)

// SocketKind distinguishes the socket type hint passed to Resolve, since
// a DNS name may resolve differently (or not at all, for some resolvers)
// depending on whether the caller wants a TCP or UDP destination (§4.2).
type SocketKind int

const (
	SocketTCP SocketKind = iota
	SocketUDP
)

// ConcreteAddr is a resolved network endpoint suitable for connect/bind
// (§3). It intentionally does not retain the SocksAddr it was resolved
// from — callers that need to preserve the client's literal address form
// (e.g. the UDP destination table, §4.6) keep the SocksAddr separately.
type ConcreteAddr struct {
	IP   net.IP
	Port uint16
}

func (c ConcreteAddr) udpAddr() *net.UDPAddr { return &net.UDPAddr{IP: c.IP, Port: int(c.Port)} }

func (c ConcreteAddr) String() string {
	return net.JoinHostPort(c.IP.String(), strconv.Itoa(int(c.Port)))
}

// Resolver turns a SocksAddr into a ConcreteAddr without ever being asked
// to - the codec (addr.go) never resolves, so every CONNECT and UDP
// ASSOCIATE path runs its destination through Resolver.Resolve first
// (§4.2).
type Resolver struct {
	// resolver is overridable in tests; defaults to net.DefaultResolver.
	resolver *net.Resolver
}

// NewResolver creates a Resolver backed by the host's standard name
// resolution.
func NewResolver() *Resolver {
	return &Resolver{resolver: net.DefaultResolver}
}

// Resolve resolves addr to a ConcreteAddr. IPv4/IPv6 literals
// short-circuit without a lookup; DNS names go through getaddrinfo-style
// resolution via net.Resolver.LookupIP. A failed lookup is reported as
// ReplyServerFailure — SOCKS5 has no dedicated DNS-failure reply code
// (§4.2, §7).
func (r *Resolver) Resolve(ctx context.Context, addr SocksAddr, kind SocketKind) (ConcreteAddr, error) {
	switch addr.Kind {
	case AddrIPv4, AddrIPv6:
		return ConcreteAddr{IP: addr.IP, Port: addr.Port}, nil

	case AddrDNS:
		// kind is retained in the signature for callers that need to
		// distinguish the eventual socket type (§4.2) even though plain
		// "ip" lookup serves both TCP and UDP destinations today.
		_ = kind
		ips, err := r.resolver.LookupIP(ctx, "ip", addr.Name)
		if err != nil || len(ips) == 0 {
			return ConcreteAddr{}, newReplyErr(ReplyServerFailure, "resolve "+addr.Name+": "+errString(err))
		}
		return ConcreteAddr{IP: ips[0], Port: addr.Port}, nil

	default:
		return ConcreteAddr{}, newReplyErr(ReplyAddrNotSupported, "unresolvable address kind")
	}
}

func errString(err error) string {
	if err == nil {
		return "no address records"
	}
	return err.Error()
}
