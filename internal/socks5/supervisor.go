package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mistnet/socks5d/internal/logging"
	"github.com/mistnet/socks5d/internal/recovery"
)

// defaultFailureBackoff is the accept/allocation failure pause from
// §4.7 ("pause FAILURE_TIMEOUT microseconds (default 64) and continue").
const defaultFailureBackoff = 64 * time.Microsecond

// SessionMetrics is the subset of internal/metrics.Metrics the
// supervisor and its sessions report through, kept as an interface so
// the socks5 package never imports the metrics package directly.
type SessionMetrics interface {
	RecordConnect()
	RecordDisconnect()
	RecordAuthFailure()
	RecordConnectLatency(seconds float64)
	RecordUDPSessionStart()
	RecordUDPSessionEnd()
}

type noopMetrics struct{}

func (noopMetrics) RecordConnect()                  {}
func (noopMetrics) RecordDisconnect()               {}
func (noopMetrics) RecordAuthFailure()              {}
func (noopMetrics) RecordConnectLatency(float64)    {}
func (noopMetrics) RecordUDPSessionStart()          {}
func (noopMetrics) RecordUDPSessionEnd()            {}

// SupervisorConfig configures a Supervisor (§4.7, §6 CLI surface).
type SupervisorConfig struct {
	// ListenAddress is the TCP address to accept SOCKS5 clients on.
	ListenAddress string

	// Policy is the authentication policy applied to every session
	// (§4.3).
	Policy AuthPolicy

	// UDPEnabled controls whether UDP ASSOCIATE requests are served or
	// rejected with ReplyCmdNotSupported.
	UDPEnabled bool

	// Dialer makes outbound TCP connections for CONNECT. Defaults to
	// DirectDialer.
	Dialer Dialer

	// IdleTimeout, when non-zero, sets a deadline on the client
	// connection at accept time, bounding negotiation. The deadline is
	// cleared once a CONNECT or UDP ASSOCIATE relay starts, so relays are
	// not timed out. Zero disables it.
	IdleTimeout time.Duration

	// FailureBackoff overrides defaultFailureBackoff; used by tests.
	FailureBackoff time.Duration

	Metrics SessionMetrics
	Logger  *slog.Logger
}

// Supervisor runs the single accept loop described in §4.7: reap
// finished sessions, accept a client, spawn a worker, back off on
// failure. It owns exactly one listener and one Core.
type Supervisor struct {
	cfg  SupervisorConfig
	core *Core

	listener net.Listener
	tracker  *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSupervisor creates a Supervisor. core is shared cross-session state
// (§3, §9) — construct it once per process and never as a package
// singleton.
func NewSupervisor(cfg SupervisorConfig, core *Core) *Supervisor {
	if cfg.Dialer == nil {
		cfg.Dialer = &DirectDialer{}
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = defaultFailureBackoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Supervisor{
		cfg:     cfg,
		core:    core,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Serve starts the listener and runs the accept loop until ctx is
// cancelled or Stop is called. It blocks until the loop exits.
func (s *Supervisor) Serve(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor already running")
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.cfg.Logger.Info("listening",
		logging.KeyComponent, "supervisor",
		logging.KeyAddress, listener.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopCh:
		}
	}()

	s.acceptLoop()
	s.wg.Wait()
	return nil
}

// Stop closes the listener, closes every tracked session, and causes
// Serve to return once outstanding workers finish.
func (s *Supervisor) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.tracker.closeAll()
	})
	return err
}

// Address returns the listener's bound address, or nil before Serve.
func (s *Supervisor) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of sessions currently being served.
func (s *Supervisor) SessionCount() int64 {
	return s.tracker.count()
}

// acceptLoop implements §4.7's numbered steps 1-4. Reap is implicit:
// connTracker.remove runs in each worker's own deferred cleanup rather
// than on a separate pass, since Go's connTracker (unlike a manually
// joined thread list) is safe to mutate concurrently from workers.
func (s *Supervisor) acceptLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.cfg.Logger.Warn("accept failed",
				logging.KeyComponent, "supervisor",
				logging.KeyError, err)
			time.Sleep(s.cfg.FailureBackoff)
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.runSession(conn)
	}
}

func (s *Supervisor) runSession(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()
	defer recovery.RecoverWithLog(s.cfg.Logger, "socks5.Session")

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	var udpBindIP net.IP
	if host, _, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
		udpBindIP = net.ParseIP(host)
	}

	s.cfg.Metrics.RecordConnect()
	defer s.cfg.Metrics.RecordDisconnect()

	logger := s.cfg.Logger.With(
		logging.KeyComponent, "session",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
	)
	session := NewSession(conn, s.cfg.Policy, s.core, s.cfg.Dialer, udpBindIP, s.cfg.UDPEnabled, s.cfg.Metrics, logger)

	if err := session.Run(); err != nil {
		logger.Debug("session ended", logging.KeyError, err)
	}
}
