package rawtcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/soypat/lneto"
	"github.com/soypat/rawtcp/internal/tcpctl"
	"github.com/soypat/rawtcp/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

// Disposition reports what [Host.Input] did with a frame.
type Disposition uint8

const (
	// Drop means the frame was consumed: answered by the passive path or discarded.
	Drop Disposition = iota
	// Up means the frame belongs to the primary session and was handed to the state machines.
	Up
)

func (d Disposition) String() string {
	if d == Up {
		return "up"
	}
	return "drop"
}

// ICMP destination unreachable message types.
const (
	icmpv4Unreachable = 3
	icmpv6Unreachable = 1
)

const backoffMax = 5 * time.Millisecond

// Serve runs the passive dispatcher over frames arriving on rx until ctx is done.
func (h *Host) Serve(ctx context.Context, rx *Queue) error {
	stalled := 0
	for {
		pkt := rx.Dequeue()
		if pkt != nil {
			stalled = 0
			h.Input(pkt)
			continue
		}
		// Exponential backoff.
		stalled++
		sleep := time.Microsecond << stalled
		if sleep > backoffMax || sleep <= 0 {
			sleep = backoffMax
			stalled--
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Input classifies a received frame, taking ownership of pkt. Frames of the
// live primary session are handed up to the state machines. Every other TCP
// segment addressed to the host is answered from the session table.
func (h *Host) Input(pkt *Packet) Disposition {
	seg, err := eth.Parse(pkt.Data)
	if err != nil {
		h.debug("input:parse", slog.String("err", err.Error()), slog.Int("plen", len(pkt.Data)))
		pkt.Release()
		return Drop
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.dispatch(&seg)
	if d == Up {
		if h.up.Len() >= maxPendingUp {
			// Nobody is polling the session, keep the newest segments only.
			if old := h.up.Dequeue(); old != nil {
				old.Release()
				h.debug("input:up queue full", slog.Int("limit", maxPendingUp))
			}
		}
		h.up.Enqueue(pkt)
	} else {
		pkt.Release()
	}
	return d
}

func (h *Host) dispatch(seg *eth.Segment) Disposition {
	if !h.isLocal(seg) {
		return Drop
	}
	if seg.IsICMP() {
		if h.primary.Active && isUnreachable(seg) {
			return Up
		}
		return Drop
	}
	if !seg.IsTCP() {
		return Drop
	}
	now := h.now()
	if h.primary.Active && h.primary.MatchOutbound(seg) {
		if !h.primary.Expired(now, h.timeout) {
			h.primary.Timeout = now
			return Up
		}
		h.resetStale(seg)
		return Drop
	}

	flags := seg.Flags()
	promote := false
	var scb *tcpctl.SCB
	if flags == seqs.FlagSYN {
		scb = h.table.Claim(seg, now, h.iss.Next())
		if scb == nil {
			h.info("dispatch:out of session", slog.String("src", seg.Src.String()),
				slog.Int("sport", int(seg.TCP.SourcePort)), slog.Int("capacity", h.table.Cap()))
			return Drop
		}
		promote = h.listenPort != 0 && seg.TCP.DestinationPort == h.listenPort
	} else {
		scb = h.table.Lookup(seg, now)
		if scb == nil {
			return Drop
		}
		if flags == seqs.FlagACK && scb.Flags == seqs.FlagFIN {
			// Final ACK of a passive close.
			h.debug("dispatch:session closed", slog.String("src", seg.Src.String()),
				slog.Int("sport", int(seg.TCP.SourcePort)))
			scb.Reset()
			return Drop
		}
	}
	scb.Timeout = now
	scb.Observe(seg)
	h.answer(seg, scb)
	if promote {
		h.promote(scb)
	}
	return Drop
}

// answer enqueues the table's replies to seg on behalf of slot scb.
func (h *Host) answer(seg *eth.Segment, scb *tcpctl.SCB) {
	pkt, r, err := h.reply(seg, scb)
	if err != nil {
		h.logerr("dispatch:reply", slog.String("err", err.Error()))
		return
	} else if pkt == nil {
		return // Nothing to say.
	}
	h.out.Enqueue(pkt)
	finSent := r.Flags.HasAny(seqs.FlagFIN)
	if r.PeerFIN {
		// Our FIN follows the ACK of the peer's FIN.
		scb.Flags = finack
		pkt, _, err = h.reply(seg, scb)
		if err != nil {
			h.logerr("dispatch:reply-fin", slog.String("err", err.Error()))
			return
		} else if pkt != nil {
			h.out.Enqueue(pkt)
			finSent = true
		}
	}
	if finSent && seg.Flags().HasAny(seqs.FlagFIN) {
		// Both FINs exchanged, await the peer's final ACK.
		scb.Flags = seqs.FlagFIN
	}
}

// resetStale answers a segment of the expired primary session with RST|FIN|ACK.
func (h *Host) resetStale(seg *eth.Segment) {
	rcb := tcpctl.SCB{
		Flags: seqs.FlagRST | seqs.FlagFIN | seqs.FlagACK,
		Seq:   h.iss.Next(),
	}
	pkt, _, err := h.reply(seg, &rcb)
	if err != nil {
		h.logerr("dispatch:reset", slog.String("err", err.Error()))
		return
	}
	h.out.Enqueue(pkt)
	h.info("dispatch:stale session reset", slog.String("src", seg.Src.String()),
		slog.Int("sport", int(seg.TCP.SourcePort)))
}

// promote makes the session held by slot the primary session and hands it to Accept.
func (h *Host) promote(slot *tcpctl.SCB) {
	p := slot.Swapped()
	p.Seq = seqs.Add(slot.Seq, 1) // Our SYN occupies one sequence number.
	p.Flags = seqs.FlagACK
	p.WaitTime = h.wait
	p.Active = true
	h.primary = p
	h.state = tcpctl.StateEstablished
	h.listenPort = 0
	h.peerFIN = false
	h.rx.Reset()
	h.up.Discard()
	select {
	case h.accepted <- p:
	default:
	}
	h.info("dispatch:accepted", slog.String("remote", p.DstAddr.String()), slog.Int("rport", int(p.DstPort)))
}

func isUnreachable(seg *eth.Segment) bool {
	if len(seg.Payload) == 0 {
		return false
	}
	if seg.Proto == lneto.IPProtoICMP {
		return seg.Payload[0] == icmpv4Unreachable
	}
	return seg.Payload[0] == icmpv6Unreachable
}
