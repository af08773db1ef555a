package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/mistnet/socks5d/internal/logging"
)

// SOCKS5 protocol constants per RFC 1928.
const SOCKS5Version = 0x05

// Command types.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types (RFC 1928 §5). Kept alongside AddrKind (addr.go) since
// they are the same byte values — ATYP on the wire, AddrKind in memory.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Reply codes (RFC 1928 §6).
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// sessionState is the state-machine position from §3/§4.4. Terminal is
// absorbing; Connected moves to NeedAuth, Authed or Terminal, NeedAuth to
// Authed or Terminal, and Authed to Terminal.
type sessionState int

const (
	stateConnected sessionState = iota
	stateNeedAuth
	stateAuthed
	stateTerminal
)

// halfCloser is implemented by connections that support half-close
// (net.TCPConn). Used by the TCP relay to signal one-direction done
// without tearing down the whole connection.
type halfCloser interface {
	CloseWrite() error
}

// Dialer makes outbound TCP connections for the CONNECT command.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer connects directly to destinations using the standard
// library dialer.
type DirectDialer struct{}

// DialContext makes a direct TCP connection with context support.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// request is the parsed SOCKS5 request (§4.4, §6).
type request struct {
	Command byte
	Dest    SocksAddr
}

// Session runs one accepted client connection through the negotiation
// state machine and into the CONNECT or UDP ASSOCIATE relay (§3, §4.4).
// A Session is owned exclusively by one worker goroutine for its whole
// lifetime and is never reused.
type Session struct {
	conn   net.Conn
	policy AuthPolicy
	core   *Core

	resolver   *Resolver
	dialer     Dialer
	udpBindIP  net.IP
	udpEnabled bool
	metrics    SessionMetrics

	logger *slog.Logger

	state sessionState
}

// NewSession creates a Session for an accepted connection. policy and
// core are shared across all sessions of a supervisor; dialer defaults
// to DirectDialer when nil. udpEnabled gates the UDP ASSOCIATE command
// per the supervisor's configuration (§6 CLI surface).
func NewSession(conn net.Conn, policy AuthPolicy, core *Core, dialer Dialer, udpBindIP net.IP, udpEnabled bool, metrics SessionMetrics, logger *slog.Logger) *Session {
	if dialer == nil {
		dialer = &DirectDialer{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Session{
		conn:       conn,
		policy:     policy,
		core:       core,
		resolver:   NewResolver(),
		dialer:     dialer,
		udpBindIP:  udpBindIP,
		udpEnabled: udpEnabled,
		metrics:    metrics,
		logger:     logger,
		state:      stateConnected,
	}
}

// Run drives the session through negotiation and into its relay, then to
// Terminal. It always returns with the session in a state from which no
// further wire activity happens; the caller should close conn afterward.
func (s *Session) Run() error {
	if err := s.handleGreeting(); err != nil {
		s.state = stateTerminal
		return err
	}

	if s.state == stateNeedAuth {
		if err := s.handleUserPass(); err != nil {
			s.state = stateTerminal
			return err
		}
	}

	if s.state != stateAuthed {
		s.state = stateTerminal
		return nil
	}

	req, err := s.readRequest()
	if err != nil {
		s.state = stateTerminal
		var re *replyErr
		if errors.As(err, &re) {
			s.sendReply(re.code, nil, 0)
		}
		return err
	}

	switch req.Command {
	case CmdConnect:
		err = s.handleConnect(req)
	case CmdUDPAssociate:
		err = s.handleUDPAssociate(req)
	default:
		s.sendReply(ReplyCmdNotSupported, nil, 0)
		err = fmt.Errorf("unsupported command: %d", req.Command)
	}

	s.state = stateTerminal
	return err
}

// handleGreeting parses the greeting and sends exactly one
// method-selection reply (§4.4).
//
//	+----+----------+----------+
//	|VER | NMETHODS | METHODS  |
//	+----+----------+----------+
//	| 1  |    1     | 1 to 255 |
//	+----+----------+----------+
func (s *Session) handleGreeting() error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return err
	}
	if header[0] != SOCKS5Version {
		return fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(s.conn, methods); err != nil {
		return err
	}

	selected := s.policy.selectMethod(methods, s.conn.RemoteAddr(), s.core.AuthIPs)
	if _, err := s.conn.Write([]byte{SOCKS5Version, selected}); err != nil {
		return err
	}

	switch selected {
	case AuthMethodNoAuth:
		s.state = stateAuthed
		return nil
	case AuthMethodUserPass:
		s.state = stateNeedAuth
		return nil
	default:
		s.state = stateTerminal
		return errors.New("no acceptable authentication method")
	}
}

// handleUserPass runs the RFC 1929 sub-auth exchange and, on success in
// auth-once mode, records the peer in the AuthIPSet (§4.3).
func (s *Session) handleUserPass() error {
	auth := s.policy.authenticator()
	_, err := auth.Authenticate(s.conn, s.conn)
	if err != nil {
		s.state = stateTerminal
		s.metrics.RecordAuthFailure()
		return err
	}

	s.state = stateAuthed
	if s.policy.AuthOnce {
		s.core.AuthIPs.Add(s.conn.RemoteAddr())
	}
	return nil
}

// readRequest reads the SOCKS5 request (§4.4, §6).
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
func (s *Session) readRequest() (*request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return nil, err
	}
	if header[0] != SOCKS5Version {
		return nil, newReplyErr(ReplyServerFailure, fmt.Sprintf("unsupported SOCKS version: %d", header[0]))
	}

	// The ATYP byte (header[3]) plus whatever DecodeAddrPort needs next
	// must be read as one framed unit; read the fixed-size variant
	// payload ourselves since DecodeAddrPort expects the whole thing in
	// memory rather than streaming from conn.
	addr, err := s.readAddrPort(header[3])
	if err != nil {
		return nil, err
	}

	return &request{Command: header[1], Dest: addr}, nil
}

// readAddrPort reads the ATYP-dependent address payload and the 2-byte
// port directly off the wire, then hands the assembled bytes to
// DecodeAddrPort so there is exactly one place that interprets ATYP
// (addr.go) even though the request frame doesn't carry a length prefix
// the way a UDP datagram header does.
func (s *Session) readAddrPort(atyp byte) (SocksAddr, error) {
	var body []byte
	switch atyp {
	case AddrTypeIPv4:
		body = make([]byte, 1+4+2)
	case AddrTypeIPv6:
		body = make([]byte, 1+16+2)
	case AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(s.conn, lenBuf); err != nil {
			return SocksAddr{}, err
		}
		l := int(lenBuf[0])
		if l == 0 {
			return SocksAddr{}, newReplyErr(ReplyServerFailure, "zero-length domain name")
		}
		body = make([]byte, 1+1+l+2)
		body[1] = lenBuf[0]
		body[0] = atyp
		if _, err := io.ReadFull(s.conn, body[2:]); err != nil {
			return SocksAddr{}, err
		}
		addr, _, err := DecodeAddrPort(body)
		return addr, err
	default:
		return SocksAddr{}, newReplyErr(ReplyAddrNotSupported, fmt.Sprintf("unsupported address type: %d", atyp))
	}

	body[0] = atyp
	if _, err := io.ReadFull(s.conn, body[1:]); err != nil {
		return SocksAddr{}, err
	}
	addr, _, err := DecodeAddrPort(body)
	return addr, err
}

// sendReply sends the single SOCKS5 reply this session is permitted to
// send for its request (§3 invariant).
//
//	+----+-----+-------+------+----------+----------+
//	|VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+----+-----+-------+------+----------+----------+
func (s *Session) sendReply(reply byte, bindIP net.IP, bindPort uint16) error {
	var addr SocksAddr
	if ip4 := bindIP.To4(); ip4 != nil {
		addr = SocksAddr{Kind: AddrIPv4, IP: ip4, Port: bindPort}
	} else if bindIP != nil {
		addr = SocksAddr{Kind: AddrIPv6, IP: bindIP, Port: bindPort}
	} else {
		addr = SocksAddr{Kind: AddrIPv4, IP: net.IPv4zero.To4(), Port: bindPort}
	}

	addrBytes := EncodeAddrPort(addr)
	buf := make([]byte, 3+len(addrBytes))
	buf[0] = SOCKS5Version
	buf[1] = reply
	buf[2] = 0x00
	copy(buf[3:], addrBytes)

	_, err := s.conn.Write(buf)
	return err
}

// handleConnect implements the CONNECT command path (§4.4).
func (s *Session) handleConnect(req *request) error {
	target, err := s.resolver.Resolve(context.Background(), req.Dest, SocketTCP)
	if err != nil {
		s.sendReply(replyCodeFor(err), nil, 0)
		return err
	}

	// No app-level dial deadline here (§5: "Cancellation/timeout: none at
	// the core layer") — a slow-but-eventually-successful handshake is
	// never killed by this package; ETIMEDOUT comes from the kernel, the
	// same as the original's plain connect(2).
	start := time.Now()
	conn, err := s.dialer.DialContext(context.Background(), "tcp", target.String())
	s.metrics.RecordConnectLatency(time.Since(start).Seconds())
	if err != nil {
		s.sendReply(mapDialErrorToReply(err), nil, 0)
		return fmt.Errorf("dial %s: %w", target.String(), err)
	}
	defer conn.Close()

	localAddr, _ := conn.LocalAddr().(*net.TCPAddr)
	var localIP net.IP
	var localPort uint16
	if localAddr != nil {
		localIP = localAddr.IP
		localPort = uint16(localAddr.Port)
	}
	if err := s.sendReply(ReplySucceeded, localIP, localPort); err != nil {
		return err
	}

	s.conn.SetDeadline(time.Time{})
	conn.SetDeadline(time.Time{})

	return relayTCP(s.conn, conn, s.core.Traffic, s.logger)
}

// handleUDPAssociate implements the UDP ASSOCIATE command path (§4.4,
// §4.6).
func (s *Session) handleUDPAssociate(req *request) error {
	if !s.udpEnabled {
		s.sendReply(ReplyCmdNotSupported, nil, 0)
		return ErrUDPDisabled
	}

	var expectedClient *net.UDPAddr
	if req.Dest.Kind != AddrDNS && req.Dest.IP != nil && !req.Dest.IP.IsUnspecified() {
		expectedClient = &net.UDPAddr{IP: req.Dest.IP, Port: int(req.Dest.Port)}
	}

	relay, err := newUDPRelay(s.conn, s.udpBindIP, expectedClient, s.resolver, s.core, s.logger)
	if err != nil {
		s.sendReply(ReplyServerFailure, nil, 0)
		return fmt.Errorf("create UDP relay: %w", err)
	}

	local := relay.LocalAddr()
	replyIP := local.IP
	if tcpLocal, ok := s.conn.LocalAddr().(*net.TCPAddr); ok && !tcpLocal.IP.IsUnspecified() {
		replyIP = tcpLocal.IP
	}
	if err := s.sendReply(ReplySucceeded, replyIP, uint16(local.Port)); err != nil {
		relay.Close()
		return err
	}

	s.conn.SetDeadline(time.Time{})

	s.metrics.RecordUDPSessionStart()
	err = relay.Run()
	s.metrics.RecordUDPSessionEnd()
	relay.Close()
	return err
}

// mapDialErrorToReply converts a dial error to the appropriate SOCKS5
// reply code (§7).
func mapDialErrorToReply(err error) byte {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return ReplyTTLExpired
		}
		if sysErr, ok := opErr.Err.(interface{ Error() string }); ok {
			switch {
			case isConnRefused(sysErr):
				return ReplyConnectionRefused
			case isNetUnreachable(sysErr):
				return ReplyNetworkUnreachable
			case isHostUnreachable(sysErr):
				return ReplyHostUnreachable
			}
		}
		if opErr.Op == "dial" {
			return ReplyHostUnreachable
		}
	}
	return ReplyServerFailure
}

func isConnRefused(err error) bool    { return containsAny(err.Error(), "connection refused") }
func isNetUnreachable(err error) bool { return containsAny(err.Error(), "network is unreachable") }
func isHostUnreachable(err error) bool {
	return containsAny(err.Error(), "no route to host", "host is unreachable")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
