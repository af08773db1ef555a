package socks5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mistnet/socks5d/internal/logging"
	"github.com/mistnet/socks5d/internal/recovery"
)

// maxUDPDatagram is sized for the largest SOCKS5 UDP header (262 bytes:
// 3 fixed + 1 ATYP + 1 length + 255 domain + 2 port, worst case) plus a generous
// payload, per §4.6's buffer-size note.
const maxUDPDatagram = 262 + 65507

// upstreamSocket is one entry of the UdpSessionTable (§3, §4.6): a UDP
// socket connected to a single resolved destination, plus the
// client-declared SocksAddr it was created for so replies can be framed
// in the form the client originally used (DNS name preserved, not
// resolved).
type upstreamSocket struct {
	conn *net.UDPConn
	orig SocksAddr
}

// udpRelay implements the UDP ASSOCIATE relay of §4.6: one session UDP
// socket facing the client, a destination-keyed table of upstream
// sockets facing targets, and a watcher on the TCP control connection
// that tears the whole thing down the moment the client closes it. Each
// goroutine here plays the role one kqueue/epoll-registered fd would
// play in the single-threaded event loop described in §5 — §9 sanctions
// substituting a goroutine-per-fd task runtime for the literal event
// loop as long as the observable contract (one thread's worth of
// concurrency per session, from the client's point of view) holds.
type udpRelay struct {
	ctrl    net.Conn
	session *net.UDPConn

	resolver *Resolver
	core     *Core
	logger   *slog.Logger

	expectedClientIP net.IP // non-nil when the client declared a concrete address (§4.6 setup)
	clientAddr       atomic.Pointer[net.UDPAddr]

	mu     sync.Mutex
	byDest map[SocksAddrKey]*upstreamSocket

	ctx    context.Context
	cancel context.CancelFunc

	errCh chan error

	closeOnce sync.Once
}

// newUDPRelay creates the session UDP socket and the relay state around
// it. bindIP is the address to bind the relay socket to (typically the
// same interface the TCP control connection arrived on); expectedClient
// is non-nil when the client's UDP ASSOCIATE request named a concrete
// (non-wildcard) address, in which case the relay only ever accepts
// datagrams from that peer instead of learning it lazily.
func newUDPRelay(ctrl net.Conn, bindIP net.IP, expectedClient *net.UDPAddr, resolver *Resolver, core *Core, logger *slog.Logger) (*udpRelay, error) {
	if bindIP == nil {
		bindIP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &udpRelay{
		ctrl:     ctrl,
		session:  conn,
		resolver: resolver,
		core:     core,
		logger:   logger,
		byDest:   make(map[SocksAddrKey]*upstreamSocket),
		ctx:      ctx,
		cancel:   cancel,
	}
	if expectedClient != nil && expectedClient.IP != nil && !expectedClient.IP.IsUnspecified() {
		r.expectedClientIP = expectedClient.IP
		r.clientAddr.Store(expectedClient)
	}
	return r, nil
}

// LocalAddr returns the relay socket's bound endpoint, reported to the
// client in the UDP ASSOCIATE success reply (§4.4).
func (r *udpRelay) LocalAddr() *net.UDPAddr {
	return r.session.LocalAddr().(*net.UDPAddr)
}

// Run drives the relay until the control connection signals teardown or
// a fatal error occurs on the session socket, then closes every socket
// it owns before returning (§4.6 Teardown).
func (r *udpRelay) Run() error {
	errCh := make(chan error, 2)
	r.errCh = errCh

	go r.watchControl(errCh)
	go r.readSession(errCh)

	err := <-errCh
	r.cancel()
	r.Close()
	return err
}

// reportFatal pushes a fatal relay error onto errCh, matching the
// send-or-abandon-on-teardown pattern the rest of this file uses (§4.6:
// an already-torn-down relay has nowhere to send a late failure).
func (r *udpRelay) reportFatal(err error) {
	select {
	case r.errCh <- err:
	case <-r.ctx.Done():
	}
}

// watchControl implements "any inbound data signals client-initiated
// teardown" (§4.6): a read returning anything, including EOF, ends the
// session.
func (r *udpRelay) watchControl(errCh chan<- error) {
	defer recovery.RecoverWithLog(r.logger, "udpRelay.watchControl")
	buf := make([]byte, 1)
	_, err := r.ctrl.Read(buf)
	if err == nil {
		err = errors.New("unexpected data on UDP ASSOCIATE control connection")
	}
	select {
	case errCh <- err:
	case <-r.ctx.Done():
	}
}

// readSession implements the "Session UDP socket (client -> target)"
// half of §4.6.
func (r *udpRelay) readSession(errCh chan<- error) {
	defer recovery.RecoverWithLog(r.logger, "udpRelay.readSession")
	buf := make([]byte, maxUDPDatagram)
	for {
		n, peer, err := r.session.ReadFromUDP(buf)
		if err != nil {
			select {
			case errCh <- err:
			case <-r.ctx.Done():
			}
			return
		}

		if !r.admitPeer(peer) {
			continue
		}

		dest, payload, err := DecodeUDPHeader(buf[:n])
		if err != nil {
			if errors.Is(err, ErrFragmentedDatagram) {
				continue
			}
			select {
			case errCh <- err:
			case <-r.ctx.Done():
			}
			return
		}

		up, err := r.upstreamFor(dest)
		if err != nil {
			r.logger.Debug("UDP relay could not resolve destination",
				logging.KeyComponent, "relay_udp", logging.KeyAddress, dest.String(), logging.KeyError, err)
			continue
		}

		payloadCopy := append([]byte(nil), payload...)
		written, err := up.conn.Write(payloadCopy)
		if err != nil {
			r.logger.Debug("UDP relay upstream write failed",
				logging.KeyComponent, "relay_udp", logging.KeyAddress, dest.String(), logging.KeyError, err)
			continue
		}
		if written < len(payloadCopy) {
			r.reportFatal(fmt.Errorf("short UDP write to upstream %s: wrote %d of %d bytes", dest.String(), written, len(payloadCopy)))
			return
		}
		r.core.Traffic.AddUpload(uint64(written))
	}
}

// admitPeer implements the client-address lock: a pre-declared
// non-wildcard address is enforced from the first datagram; a wildcard
// declaration learns and locks the peer on the first datagram received
// (§4.6 setup step 2, "bind-to-peer-later").
func (r *udpRelay) admitPeer(peer *net.UDPAddr) bool {
	if r.expectedClientIP != nil {
		expected := r.clientAddr.Load()
		return peer.IP.Equal(expected.IP) && peer.Port == expected.Port
	}
	if existing := r.clientAddr.Load(); existing != nil {
		return peer.IP.Equal(existing.IP) && peer.Port == existing.Port
	}
	r.clientAddr.Store(peer)
	return true
}

// upstreamFor returns the existing upstream socket for dest, creating
// one on first use (§4.6 steps 3-4).
func (r *udpRelay) upstreamFor(dest SocksAddr) (*upstreamSocket, error) {
	key := dest.Key()

	r.mu.Lock()
	if up, ok := r.byDest[key]; ok {
		r.mu.Unlock()
		return up, nil
	}
	r.mu.Unlock()

	target, err := r.resolver.Resolve(r.ctx, dest, SocketUDP)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", nil, target.udpAddr())
	if err != nil {
		return nil, err
	}

	up := &upstreamSocket{conn: conn, orig: dest}

	r.mu.Lock()
	if existing, ok := r.byDest[key]; ok {
		r.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	r.byDest[key] = up
	r.mu.Unlock()

	go r.readUpstream(up)
	return up, nil
}

// readUpstream implements the "Upstream UDP socket (target -> client)"
// half of §4.6: one goroutine per destination, exiting when its socket
// is closed at teardown.
func (r *udpRelay) readUpstream(up *upstreamSocket) {
	defer recovery.RecoverWithLog(r.logger, "udpRelay.readUpstream")
	buf := make([]byte, maxUDPDatagram)
	for {
		n, err := up.conn.Read(buf)
		if err != nil {
			return
		}

		client := r.clientAddr.Load()
		if client == nil {
			continue
		}

		datagram := EncodeUDPHeader(up.orig, buf[:n])
		written, err := r.session.WriteToUDP(datagram, client)
		if err != nil {
			r.logger.Debug("UDP relay client write failed",
				logging.KeyComponent, "relay_udp", logging.KeyError, err)
			continue
		}
		if written < len(datagram) {
			r.reportFatal(fmt.Errorf("short UDP write to client %s: wrote %d of %d bytes", client, written, len(datagram)))
			return
		}
		r.core.Traffic.AddDownload(uint64(n))
	}
}

// Close closes the session socket and every upstream socket. Idempotent
// and safe to call after Run returns (§4.6 Teardown: "close all upstream
// sockets, free the table").
func (r *udpRelay) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.session.Close()
		r.mu.Lock()
		for _, up := range r.byDest {
			up.conn.Close()
		}
		r.byDest = nil
		r.mu.Unlock()
	})
}
