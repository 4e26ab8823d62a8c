package rawtcp

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
	"github.com/soypat/rawtcp/internal/tcpctl"
	"github.com/soypat/rawtcp/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

const (
	defaultMaxSessions    = 1000
	defaultSessionTimeout = 10 * time.Second
	defaultWaitTime       = time.Second
	defaultPollInterval   = time.Millisecond
	defaultRecvBuffer     = 4096

	maxAttempts   = 3
	maxPendingUp  = 64 // Segments held for the state machines before the oldest is dropped.
	windowSize    = 1000
	hopLimit      = 64
	tosLowDelay   = 0x10
	ephemeralBase = 49152
)

// Flag unions used by the state machines.
const (
	synack    = seqs.FlagSYN | seqs.FlagACK
	pshack    = seqs.FlagPSH | seqs.FlagACK
	finack    = seqs.FlagFIN | seqs.FlagACK
	finpshack = seqs.FlagFIN | seqs.FlagPSH | seqs.FlagACK
	rstack    = seqs.FlagRST | seqs.FlagACK
)

// Common errors.
var (
	ErrTimeout      = errors.New("rawtcp: no response after retries")
	ErrRefused      = errors.New("rawtcp: connection refused")
	ErrUnreachable  = errors.New("rawtcp: destination unreachable")
	ErrPeerClosing  = errors.New("rawtcp: peer is closing the connection")
	ErrNotConnected = errors.New("rawtcp: no active session")
	ErrNoAddress    = errors.New("rawtcp: host has no address for network")
	errListenPort   = errors.New("rawtcp: invalid listen port")
)

// HostConfig configures a [Host]. Only an address and the hardware address are
// required, remaining fields take defaults when zero.
type HostConfig struct {
	HardwareAddr [6]byte
	// IPv4, IPv6 and LinkLocal are the host's addresses. At least one must be set.
	// LinkLocal is matched against segments arriving from link-local sources.
	IPv4      netip.Addr
	IPv6      netip.Addr
	LinkLocal netip.Addr
	// MaxSessions is the capacity of the passive session table. Default 1000.
	MaxSessions int
	// SessionTimeout is the inactivity after which a session expires. Default 10s.
	SessionTimeout time.Duration
	// WaitTime bounds each attempt of Connect, Send and Close. Default 1s.
	WaitTime time.Duration
	// PollInterval is the sleep between polls of received segments. Default 1ms.
	PollInterval time.Duration
	// RecvBufferSize is the size of the primary session receive buffer. Default 4096.
	RecvBufferSize int
	// Now is the clock used for session liveness. Default time.Now.
	Now func() time.Time
	// ISNSeed seeds initial sequence number generation. Zero seeds from the clock.
	ISNSeed uint32
	// Pool lends frame buffers. Default is a pool with no limit.
	Pool   *PacketPool
	Logger *slog.Logger
}

// Host is a single simulated host speaking TCP over raw Ethernet frames.
// It drives one primary session through [Host.Connect], [Host.Send] and
// [Host.Close] and answers every other TCP session addressed to it from
// [Host.Input]. Frames to transmit are placed on [Host.Outbound].
type Host struct {
	mu sync.Mutex

	hw        [6]byte
	ip4       netip.Addr
	ip6       netip.Addr
	linkLocal netip.Addr
	timeout   time.Duration
	wait      time.Duration
	poll      time.Duration
	now       func() time.Time
	pool      *PacketPool
	logger    *slog.Logger

	iss     tcpctl.ISS
	ipID    uint16
	primary tcpctl.SCB
	state   tcpctl.State
	// peerFIN is set once the primary session's peer FIN has been acknowledged.
	peerFIN    bool
	table      *tcpctl.Table
	listenPort uint16
	accepted   chan tcpctl.SCB
	rx         *ringbuffer.RingBuffer

	up  Queue // Segments of the primary session awaiting the state machines.
	out Queue
}

// NewHost returns a ready to use Host.
func NewHost(cfg HostConfig) (*Host, error) {
	switch {
	case !cfg.IPv4.IsValid() && !cfg.IPv6.IsValid() && !cfg.LinkLocal.IsValid():
		return nil, ErrNoAddress
	case cfg.IPv4.IsValid() && !cfg.IPv4.Is4():
		return nil, errors.New("rawtcp: IPv4 field set to non IPv4 address")
	case cfg.IPv6.IsValid() && !cfg.IPv6.Is6():
		return nil, errors.New("rawtcp: IPv6 field set to non IPv6 address")
	case cfg.LinkLocal.IsValid() && !cfg.LinkLocal.IsLinkLocalUnicast():
		return nil, errors.New("rawtcp: LinkLocal field set to non link-local address")
	case cfg.HardwareAddr == [6]byte{}:
		return nil, errors.New("rawtcp: zero hardware address")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = defaultWaitTime
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = defaultRecvBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ISNSeed == 0 {
		cfg.ISNSeed = uint32(cfg.Now().UnixNano())
	}
	if cfg.Pool == nil {
		cfg.Pool = NewPacketPool(0)
	}
	h := &Host{
		hw:        cfg.HardwareAddr,
		ip4:       cfg.IPv4,
		ip6:       cfg.IPv6,
		linkLocal: cfg.LinkLocal,
		timeout:   cfg.SessionTimeout,
		wait:      cfg.WaitTime,
		poll:      cfg.PollInterval,
		now:       cfg.Now,
		pool:      cfg.Pool,
		logger:    cfg.Logger,
		iss:       tcpctl.NewISS(cfg.ISNSeed),
		table:     tcpctl.NewTable(cfg.MaxSessions, cfg.SessionTimeout),
		accepted:  make(chan tcpctl.SCB, 1),
		rx:        ringbuffer.New(cfg.RecvBufferSize),
	}
	return h, nil
}

// Outbound returns the queue of frames the host wants transmitted.
// The consumer takes ownership of dequeued packets.
func (h *Host) Outbound() *Queue { return &h.out }

// HardwareAddr returns the host's Ethernet address.
func (h *Host) HardwareAddr() [6]byte { return h.hw }

// Primary returns a copy of the primary session control block.
func (h *Host) Primary() tcpctl.SCB {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.primary
}

// State returns the lifecycle state of the primary session.
func (h *Host) State() tcpctl.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Sessions returns the number of live sessions in the passive session table.
func (h *Host) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.table.Live(h.now())
}

// addrFor returns the host address used to reach dst.
func (h *Host) addrFor(dst netip.Addr) (netip.Addr, error) {
	var src netip.Addr
	switch {
	case dst.Is4():
		src = h.ip4
	case dst.IsLinkLocalUnicast():
		src = h.linkLocal
	default:
		src = h.ip6
	}
	if !src.IsValid() {
		return src, ErrNoAddress
	}
	return src, nil
}

// isLocal reports whether seg is addressed to this host.
func (h *Host) isLocal(seg *eth.Segment) bool {
	if seg.Eth.Destination != h.hw && seg.Eth.Destination != broadcastHW {
		return false
	}
	switch {
	case seg.Dst.Is4():
		return h.ip4.IsValid() && seg.Dst == h.ip4
	case seg.Src.IsLinkLocalUnicast():
		return h.linkLocal.IsValid() && seg.Dst == h.linkLocal
	default:
		return h.ip6.IsValid() && seg.Dst == h.ip6
	}
}

var broadcastHW = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (h *Host) trace(msg string, attrs ...slog.Attr) {
	h.logattrs(slog.LevelDebug-2, msg, attrs...)
}

func (h *Host) debug(msg string, attrs ...slog.Attr) {
	h.logattrs(slog.LevelDebug, msg, attrs...)
}

func (h *Host) info(msg string, attrs ...slog.Attr) {
	h.logattrs(slog.LevelInfo, msg, attrs...)
}

func (h *Host) logerr(msg string, attrs ...slog.Attr) {
	h.logattrs(slog.LevelError, msg, attrs...)
}

func (h *Host) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if h.logger != nil {
		h.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
