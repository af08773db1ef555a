package socks5

import (
	"errors"
	"net"
	"sync"
)

var (
	// ErrFragmentedDatagram is returned when a fragmented UDP datagram is
	// received. Fragmentation is explicitly out of scope (§1 Non-goals).
	ErrFragmentedDatagram = errors.New("fragmented datagrams not supported")

	// ErrUDPDisabled is returned when a UDP ASSOCIATE request arrives but
	// the supervisor was not configured to relay UDP.
	ErrUDPDisabled = errors.New("UDP relay is disabled")
)

// TrafficUpdate is the snapshot handed to the host UI callback after each
// successful forwarding step (§3, §5: the callback is invoked while the
// counters' lock is held, so implementations must stay non-blocking).
type TrafficUpdate struct {
	UploadTotal   uint64
	DownloadTotal uint64
}

// TrafficUpdateFunc is the host-provided UI callback described in §6.
type TrafficUpdateFunc func(TrafficUpdate)

// TrafficCounters is the process-wide, monotonically increasing
// upload/download byte pair from §3. A zero value is ready to use.
type TrafficCounters struct {
	mu       sync.Mutex
	upload   uint64
	download uint64
	onUpdate TrafficUpdateFunc
}

// NewTrafficCounters creates a TrafficCounters that invokes onUpdate
// (if non-nil) after every AddUpload/AddDownload call.
func NewTrafficCounters(onUpdate TrafficUpdateFunc) *TrafficCounters {
	return &TrafficCounters{onUpdate: onUpdate}
}

// AddUpload records n client-to-target bytes successfully relayed.
func (t *TrafficCounters) AddUpload(n uint64) { t.add(n, 0) }

// AddDownload records n target-to-client bytes successfully relayed.
func (t *TrafficCounters) AddDownload(n uint64) { t.add(0, n) }

func (t *TrafficCounters) add(up, down uint64) {
	if up == 0 && down == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upload += up
	t.download += down
	if t.onUpdate != nil {
		t.onUpdate(TrafficUpdate{UploadTotal: t.upload, DownloadTotal: t.download})
	}
}

// Snapshot returns the current totals.
func (t *TrafficCounters) Snapshot() TrafficUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrafficUpdate{UploadTotal: t.upload, DownloadTotal: t.download}
}

// peerKey is the AuthIPSet element: family + address, port ignored (§3).
type peerKey struct {
	addr string
}

func peerKeyFor(addr net.Addr) (peerKey, bool) {
	host, _, err := splitHostPort(addr)
	if err != nil {
		return peerKey{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return peerKey{}, false
	}
	return peerKey{addr: ip.String()}, true
}

func splitHostPort(addr net.Addr) (string, string, error) {
	return net.SplitHostPort(addr.String())
}

// AuthIPSet is the process-wide set of peers that have previously
// completed password authentication, populated only in auth-once mode
// (§3, §4.3). The zero value is ready to use.
type AuthIPSet struct {
	mu   sync.RWMutex
	seen map[peerKey]struct{}
}

// NewAuthIPSet creates an empty AuthIPSet.
func NewAuthIPSet() *AuthIPSet {
	return &AuthIPSet{seen: make(map[peerKey]struct{})}
}

// Contains reports whether addr's (family, address) has previously
// authenticated. Takes the read lock (§4.3 step 2, §5).
func (s *AuthIPSet) Contains(addr net.Addr) bool {
	key, ok := peerKeyFor(addr)
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, found := s.seen[key]
	return found
}

// Add records addr as having authenticated. Idempotent; takes the write
// lock (§4.3 credential-check success path, §5).
func (s *AuthIPSet) Add(addr net.Addr) {
	key, ok := peerKeyFor(addr)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[peerKey]struct{})
	}
	s.seen[key] = struct{}{}
}

// Core bundles the two pieces of cross-session state named in §3: the
// auth-once allowlist and the process-wide traffic counters. It is
// constructed once by the host (cmd/socks5d) and passed by reference
// into the supervisor — never a package-level singleton (§9).
type Core struct {
	AuthIPs *AuthIPSet
	Traffic *TrafficCounters
}

// NewCore creates a Core with fresh, empty state.
func NewCore(onTraffic TrafficUpdateFunc) *Core {
	return &Core{
		AuthIPs: NewAuthIPSet(),
		Traffic: NewTrafficCounters(onTraffic),
	}
}
