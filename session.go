package rawtcp

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/lneto"
	"github.com/soypat/rawtcp/internal/tcpctl"
	"github.com/soypat/rawtcp/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

// errRetry ends an attempt early so that the next one starts right away.
var errRetry = errors.New("retry")

// segmentFunc inspects a segment of the primary session with h.mu held. The
// primary block already mirrors seg. Returning done stops the wait.
type segmentFunc func(seg *eth.Segment) (done bool, err error)

// tcpOnly wraps fn so that ICMP messages are skipped. The primary block only
// mirrors TCP segments, so fn would otherwise act on a stale segment.
func tcpOnly(fn segmentFunc) segmentFunc {
	return func(seg *eth.Segment) (bool, error) {
		if !seg.IsTCP() {
			return false, nil
		}
		return fn(seg)
	}
}

// drain feeds the queued segments of the primary session to fn until it
// reports done or the queue is empty. Must hold h.mu.
func (h *Host) drain(fn segmentFunc) (done bool, err error) {
	for {
		pkt := h.up.Dequeue()
		if pkt == nil {
			return false, nil
		}
		seg, perr := eth.Parse(pkt.Data)
		if perr == nil {
			if seg.IsTCP() {
				h.primary.Observe(&seg)
			}
			done, err = fn(&seg)
		}
		pkt.Release()
		if done || err != nil {
			return done, err
		}
	}
}

// await polls the primary session's segments every poll interval until fn
// reports done, the session wait time elapses or ctx is cancelled.
func (h *Host) await(ctx context.Context, fn segmentFunc) (done bool, err error) {
	h.mu.Lock()
	deadline := h.now().Add(h.primary.WaitTime)
	h.mu.Unlock()
	for {
		h.mu.Lock()
		done, err = h.drain(fn)
		h.mu.Unlock()
		if done || err != nil {
			return done, err
		}
		if !h.now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(h.poll):
		}
	}
}

// deactivate ends the primary session.
func (h *Host) deactivate() {
	h.mu.Lock()
	h.primary.Active = false
	h.state = tcpctl.StateClosed
	h.mu.Unlock()
}

// ackData buffers the payload of seg for Recv and acknowledges it, together
// with the peer's FIN if present and all data fit. Must hold h.mu.
func (h *Host) ackData(seg *eth.Segment) error {
	p := &h.primary
	n := 0
	if len(seg.Payload) > 0 {
		n, _ = h.rx.Write(seg.Payload)
	}
	p.Ack = seqs.Add(p.RSeq, seqs.Size(n))
	if n < len(seg.Payload) {
		h.info("recv:buffer full", slog.Int("dropped", len(seg.Payload)-n))
	} else if p.RFlags.HasAny(seqs.FlagFIN) {
		p.Ack = seqs.Add(p.Ack, 1)
		h.peerFIN = true
		h.state = tcpctl.StateCloseWait
	}
	return h.emit(seqs.FlagACK, nil)
}

// Connect opens the primary session to remote with a three-way handshake,
// replacing any previous primary session. A zero local address selects the
// host's address for remote's network and a zero local port an ephemeral one.
//
// Up to three SYNs are sent, each waiting the configured wait time. Connect
// returns [ErrUnreachable] on an ICMP destination unreachable, [ErrRefused] on
// a reset and [ErrTimeout] when no attempt succeeded.
func (h *Host) Connect(ctx context.Context, local, remote netip.AddrPort, remoteHW [6]byte) error {
	src := local.Addr()
	if !src.IsValid() {
		var err error
		src, err = h.addrFor(remote.Addr())
		if err != nil {
			return err
		}
	} else if src.Is4() != remote.Addr().Is4() {
		return ErrNoAddress
	}
	h.mu.Lock()
	port := local.Port()
	if port == 0 {
		port = ephemeralBase + uint16(uint32(h.iss.Next())%(1<<16-ephemeralBase))
	}
	h.primary = tcpctl.SCB{
		SrcAddr:  src,
		DstAddr:  remote.Addr(),
		SrcPort:  port,
		DstPort:  remote.Port(),
		LocalHW:  h.hw,
		RemoteHW: remoteHW,
		Proto:    lneto.IPProtoTCP,
		Net:      eth.NetworkFor(remote.Addr()),
		Timeout:  h.now(),
		WaitTime: h.wait,
		Active:   true,
	}
	h.state = tcpctl.StateSynSent
	h.peerFIN = false
	h.rx.Reset()
	h.up.Discard()
	h.mu.Unlock()
	h.info("connect:start", slog.String("remote", remote.String()), slog.Int("lport", int(port)))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		h.mu.Lock()
		h.primary.Seq = h.iss.Next()
		h.primary.Ack = 0
		err := h.emit(seqs.FlagSYN, nil)
		h.mu.Unlock()
		if err != nil {
			h.deactivate()
			return err
		}
		var result error
		done, err := h.await(ctx, func(seg *eth.Segment) (bool, error) {
			p := &h.primary
			if seg.IsICMP() {
				result = ErrUnreachable
				return true, nil
			}
			switch {
			case p.RFlags == synack && p.RAck == seqs.Add(p.Seq, 1):
				p.Seq = p.RAck
				p.Ack = seqs.Add(p.RSeq, 1)
				h.state = tcpctl.StateEstablished
				return true, h.emit(seqs.FlagACK, nil)
			case p.RFlags.HasAny(seqs.FlagRST):
				result = ErrRefused
				return true, nil
			}
			// Unexpected answer, reset it and start over.
			p.Seq = p.RAck
			p.Ack = p.RSeq
			result = errRetry
			return true, h.emit(rstack, nil)
		})
		if err != nil {
			h.deactivate()
			return err
		}
		if !done || result == errRetry {
			h.debug("connect:retry", slog.Int("attempt", attempt))
			continue
		} else if result != nil {
			h.deactivate()
			return result
		}
		h.info("connect:established", slog.String("remote", remote.String()))
		return nil
	}
	h.deactivate()
	return ErrTimeout
}

// Send transmits payload on the primary session as a single segment and waits
// for its acknowledgment, retransmitting up to three times. Data received
// meanwhile is acknowledged and buffered for [Host.Recv]. [ErrPeerClosing] is
// returned if the peer answers with its own FIN.
func (h *Host) Send(ctx context.Context, payload []byte) error {
	h.mu.Lock()
	if !h.primary.Active {
		h.mu.Unlock()
		return ErrNotConnected
	}
	_, err := h.drain(tcpOnly(func(seg *eth.Segment) (bool, error) {
		p := &h.primary
		if p.RFlags == pshack && p.Seq == p.RAck {
			return false, h.ackData(seg)
		}
		return false, nil
	}))
	start := h.primary.Seq
	h.mu.Unlock()
	if err != nil {
		return err
	}
	expect := seqs.Add(start, seqs.Size(len(payload)))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		h.mu.Lock()
		h.primary.Seq = start
		err = h.emitData(payload)
		h.mu.Unlock()
		if err != nil {
			return err
		}
		var result error
		done, err := h.await(ctx, tcpOnly(func(seg *eth.Segment) (bool, error) {
			p := &h.primary
			switch {
			case p.RFlags == seqs.FlagACK && p.RAck == expect:
				p.Seq = p.RAck
				p.Ack = p.RSeq
				return true, nil
			case p.RFlags == pshack:
				p.Seq = p.RAck
				err := h.ackData(seg)
				return p.Seq == expect, err
			case p.RFlags == finpshack:
				p.Seq = p.RAck
				result = ErrPeerClosing
				return true, h.ackData(seg)
			}
			result = errRetry
			return true, nil
		}))
		if err != nil {
			return err
		}
		if !done || result == errRetry {
			h.debug("send:retry", slog.Int("attempt", attempt), slog.Int("plen", len(payload)))
			continue
		}
		return result
	}
	return ErrTimeout
}

// Close terminates the primary session, completing either a regular four-way
// close or a simultaneous close if the peer's FIN already arrived. The session
// is inactive once Close returns.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.primary.Active {
		h.mu.Unlock()
		return ErrNotConnected
	}
	rfin := h.peerFIN
	_, err := h.drain(tcpOnly(func(seg *eth.Segment) (bool, error) {
		p := &h.primary
		switch {
		case p.RFlags == pshack && p.Seq == p.RAck:
			return false, h.ackData(seg)
		case p.RFlags == seqs.FlagACK:
			p.Seq = p.RAck
			p.Ack = p.RSeq
			return true, nil
		case p.RFlags.HasAll(finack):
			p.Seq = p.RAck
			rfin = true
			return false, h.ackData(seg)
		}
		return false, nil
	}))
	h.state = tcpctl.StateFinWait1
	h.mu.Unlock()
	if err != nil {
		h.deactivate()
		return err
	}

	const (
		gotFIN = 1 // Peer answered with ACK|FIN.
		gotACK = 2 // Peer acknowledged our FIN only.
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		h.mu.Lock()
		err = h.emit(finpshack, nil)
		h.mu.Unlock()
		if err != nil {
			h.deactivate()
			return err
		}
		state := 0
		_, err = h.await(ctx, tcpOnly(func(seg *eth.Segment) (bool, error) {
			p := &h.primary
			if p.RFlags.HasAll(finack) {
				state = gotFIN
			} else if p.RFlags == seqs.FlagACK {
				state = gotACK
			}
			return true, nil
		}))
		if err != nil {
			h.deactivate()
			return err
		}
		if state == 0 {
			h.debug("close:retry", slog.Int("attempt", attempt))
			continue
		}
		if rfin && state == gotACK {
			h.info("close:done", slog.Bool("simultaneous", true))
			h.deactivate()
			return nil
		}
		if state == gotACK {
			h.mu.Lock()
			h.state = tcpctl.StateFinWait2
			h.mu.Unlock()
			finSeen, err := h.await(ctx, tcpOnly(func(seg *eth.Segment) (bool, error) {
				p := &h.primary
				if p.RFlags.HasAny(seqs.FlagFIN) {
					p.Seq = p.RAck
					return true, nil
				}
				return false, nil
			}))
			if err != nil {
				h.deactivate()
				return err
			} else if !finSeen {
				h.deactivate()
				return ErrTimeout
			}
		} else {
			h.mu.Lock()
			h.primary.Seq = h.primary.RAck
			h.mu.Unlock()
		}
		h.mu.Lock()
		h.primary.Ack = seqs.Add(h.primary.Ack, 1)
		err = h.emit(seqs.FlagACK, nil)
		h.mu.Unlock()
		h.deactivate()
		if err == nil {
			h.info("close:done", slog.Bool("simultaneous", false))
		}
		return err
	}
	h.deactivate()
	return ErrTimeout
}

// Recv reads data received on the primary session into b, waiting up to the
// session wait time for a segment carrying data. Received segments are
// acknowledged. io.EOF is returned once the peer closed its side and every
// buffered byte was read.
func (h *Host) Recv(ctx context.Context, b []byte) (int, error) {
	h.mu.Lock()
	n := h.readBuffered(b)
	active, peerFIN := h.primary.Active, h.peerFIN
	h.mu.Unlock()
	switch {
	case n > 0:
		return n, nil
	case peerFIN:
		return 0, io.EOF
	case !active:
		return 0, ErrNotConnected
	}
	done, err := h.await(ctx, func(seg *eth.Segment) (bool, error) {
		p := &h.primary
		if !seg.IsTCP() || !p.RFlags.HasAny(seqs.FlagPSH|seqs.FlagFIN) {
			return false, nil
		}
		if p.RSeq != p.Ack {
			// Retransmission or gap, repeat our acknowledgment.
			return false, h.emit(seqs.FlagACK, nil)
		}
		return true, h.ackData(seg)
	})
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	n = h.readBuffered(b)
	peerFIN = h.peerFIN
	h.mu.Unlock()
	switch {
	case n > 0:
		return n, nil
	case peerFIN:
		return 0, io.EOF
	case !done:
		return 0, ErrTimeout
	}
	return 0, nil
}

// readBuffered reads from the receive buffer. Must hold h.mu.
func (h *Host) readBuffered(b []byte) int {
	if len(b) == 0 || h.rx.IsEmpty() {
		return 0
	}
	n, _ := h.rx.Read(b)
	return n
}

// Listen registers port so that the next SYN arriving on it becomes the
// primary session, to be picked up with [Host.Accept].
func (h *Host) Listen(port uint16) error {
	if port == 0 {
		return errListenPort
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listenPort = port
	if !h.primary.Active {
		h.state = tcpctl.StateListen
	}
	select {
	case <-h.accepted: // Discard a connection never accepted.
	default:
	}
	h.debug("listen", slog.Int("port", int(port)))
	return nil
}

// Accept blocks until a connection on the listen port became the primary
// session and returns the remote address.
func (h *Host) Accept(ctx context.Context) (netip.AddrPort, error) {
	select {
	case scb := <-h.accepted:
		return netip.AddrPortFrom(scb.DstAddr, scb.DstPort), nil
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}
