package tcpctl

import (
	"net/netip"
	"time"

	"github.com/soypat/lneto"
	"github.com/soypat/rawtcp/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

// SCB is a session control block. It holds everything needed to build the next
// outbound segment of a session and to recognise the session's inbound segments.
// The zero value denotes an unused table slot.
//
// Address perspective depends on the block's role: table slots record Src/Dst
// as seen on the inbound segment (Src is the remote peer) while the primary
// session records them as seen on outbound segments (Src is this host).
// Hardware addresses are always recorded as local and remote.
type SCB struct {
	SrcAddr, DstAddr  netip.Addr
	SrcPort, DstPort  uint16
	LocalHW, RemoteHW [6]byte
	Proto             lneto.IPProto
	// Net is the IP variant selected when the session was created.
	Net eth.Network

	// Seq is the next local sequence number, Ack the next expected remote one.
	Seq, Ack seqs.Value

	// Mirror of the last observed inbound segment.
	RFlags    seqs.Flags
	RSeq      seqs.Value
	RAck      seqs.Value
	RDataSize seqs.Size
	Window    uint16

	// Flags is the outbound intent, the flags of the next segment sent.
	Flags seqs.Flags
	// Timeout is the time of last activity on the session.
	Timeout time.Time
	// WaitTime bounds a single attempt of the active state machines.
	WaitTime time.Duration
	Active   bool
}

// IsZero reports whether the block is an unused slot.
func (scb *SCB) IsZero() bool { return *scb == SCB{} }

// Reset clears the block to the unused state.
func (scb *SCB) Reset() { *scb = SCB{} }

// Expired reports whether the block is unused or has seen no activity for longer than timeout.
func (scb *SCB) Expired(now time.Time, timeout time.Duration) bool {
	return scb.IsZero() || now.Sub(scb.Timeout) > timeout
}

// MatchInbound reports whether seg belongs to a block recorded from the inbound
// perspective, as table slots are.
func (scb *SCB) MatchInbound(seg *eth.Segment) bool {
	return scb.SrcAddr == seg.Src && scb.DstAddr == seg.Dst &&
		scb.SrcPort == seg.TCP.SourcePort && scb.DstPort == seg.TCP.DestinationPort
}

// MatchOutbound reports whether seg belongs to a block recorded from the
// outbound perspective, as the primary session is.
func (scb *SCB) MatchOutbound(seg *eth.Segment) bool {
	return scb.SrcAddr == seg.Dst && scb.DstAddr == seg.Src &&
		scb.SrcPort == seg.TCP.DestinationPort && scb.DstPort == seg.TCP.SourcePort
}

// Observe records seg as the last observed inbound segment.
func (scb *SCB) Observe(seg *eth.Segment) {
	scb.RFlags = seg.Flags()
	scb.RSeq = seg.TCP.Seq
	scb.RAck = seg.TCP.Ack
	scb.RDataSize = seqs.Size(sub0(seg.Length, seg.HeaderLength))
	scb.Window = seg.TCP.WindowSizeRaw
}

// Swapped returns a copy of the block with source and destination addresses
// and ports exchanged, converting between inbound and outbound perspective.
func (scb *SCB) Swapped() SCB {
	cp := *scb
	cp.SrcAddr, cp.DstAddr = scb.DstAddr, scb.SrcAddr
	cp.SrcPort, cp.DstPort = scb.DstPort, scb.SrcPort
	return cp
}

// Header returns the outbound header of the block's next segment. The block
// must be in outbound perspective.
func (scb *SCB) Header() eth.Header {
	return eth.Header{
		SrcHW:   scb.LocalHW,
		DstHW:   scb.RemoteHW,
		Src:     scb.SrcAddr,
		Dst:     scb.DstAddr,
		SrcPort: scb.SrcPort,
		DstPort: scb.DstPort,
		Seq:     scb.Seq,
		Ack:     scb.Ack,
		Flags:   scb.Flags,
	}
}

// InputFrom returns the decision table input for seg.
func InputFrom(seg *eth.Segment) Input {
	return Input{
		Flags:        seg.Flags(),
		Seq:          seg.TCP.Seq,
		Ack:          seg.TCP.Ack,
		Length:       seg.Length,
		HeaderLength: seg.HeaderLength,
	}
}
