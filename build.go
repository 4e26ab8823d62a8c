package rawtcp

import (
	"log/slog"

	"github.com/pkg/errors"
	"github.com/soypat/rawtcp/internal/tcpctl"
	"github.com/soypat/rawtcp/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

// frame allocates a packet and writes hdr and payload onto it over network nw.
func (h *Host) frame(nw eth.Network, hdr *eth.Header, payload []byte) (*Packet, error) {
	pkt, err := h.pool.Get(nw.FrameSize(len(payload)))
	if err != nil {
		return nil, err
	}
	h.ipID++
	hdr.ID = h.ipID
	hdr.HopLimit = hopLimit
	err = nw.Put(pkt.Data, hdr, payload)
	if err != nil {
		pkt.Release()
		return nil, err
	}
	return pkt, nil
}

// emit enqueues a segment of the primary session with the given flags and
// payload. The local sequence number is left untouched. Must hold h.mu.
func (h *Host) emit(flags seqs.Flags, payload []byte) error {
	p := &h.primary
	p.Flags = flags
	hdr := p.Header()
	hdr.Window = windowSize
	hdr.ToS = tosLowDelay
	pkt, err := h.frame(p.Net, &hdr, payload)
	if err != nil {
		return errors.Wrapf(err, "building %s segment", flags)
	}
	p.Timeout = h.now()
	h.out.Enqueue(pkt)
	h.trace("emit", slog.String("flags", flags.String()), slog.Uint64("seq", uint64(p.Seq)),
		slog.Uint64("ack", uint64(p.Ack)), slog.Int("plen", len(payload)))
	return nil
}

// emitData enqueues payload on the primary session flagged PSH|ACK and
// advances the local sequence number past it. Must hold h.mu.
func (h *Host) emitData(payload []byte) error {
	err := h.emit(pshack, payload)
	if err != nil {
		return err
	}
	h.primary.Seq = seqs.Add(h.primary.Seq, seqs.Size(len(payload)))
	return nil
}

// reply builds the answer to the inbound segment seg on behalf of block scb,
// which is recorded in inbound perspective. Addresses and ports are those of
// seg swapped, TCP options are not echoed. A nil packet and nil error mean the
// decision table rejected the segment, in which case scb is left untouched.
func (h *Host) reply(seg *eth.Segment, scb *tcpctl.SCB) (*Packet, tcpctl.Reply, error) {
	nw := seg.Network()
	pkt, err := h.pool.Get(nw.FrameSize(0))
	if err != nil {
		return nil, tcpctl.Reply{}, err
	}
	r, ok := scb.Reply(tcpctl.InputFrom(seg))
	if !ok {
		pkt.Release()
		return nil, r, nil
	}
	hdr := eth.Header{
		SrcHW:    seg.Eth.Destination,
		DstHW:    seg.Eth.Source,
		Src:      seg.Dst,
		Dst:      seg.Src,
		SrcPort:  seg.TCP.DestinationPort,
		DstPort:  seg.TCP.SourcePort,
		Seq:      r.Seq,
		Ack:      r.Ack,
		Flags:    r.Flags,
		Window:   seg.TCP.WindowSizeRaw,
		HopLimit: hopLimit,
	}
	h.ipID++
	hdr.ID = h.ipID
	err = nw.Put(pkt.Data, &hdr, nil)
	if err != nil {
		pkt.Release()
		return nil, r, err
	}
	return pkt, r, nil
}
