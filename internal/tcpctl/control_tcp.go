package tcpctl

import (
	"github.com/soypat/seqs"
)

// Flag unions found throughout the decision table.
const (
	synack    = seqs.FlagSYN | seqs.FlagACK
	pshack    = seqs.FlagPSH | seqs.FlagACK
	finack    = seqs.FlagFIN | seqs.FlagACK
	finpsh    = seqs.FlagFIN | seqs.FlagPSH
	finpshack = seqs.FlagFIN | seqs.FlagPSH | seqs.FlagACK
)

// Input is the part of an inbound TCP segment that drives [Decide].
type Input struct {
	Flags    seqs.Flags
	Seq, Ack seqs.Value
	// Length is the TCP segment length, header and options included.
	Length int
	// HeaderLength is the TCP header length including options.
	HeaderLength int
}

// DataSize returns the payload length of the segment, never negative.
func (in Input) DataSize() seqs.Size {
	return seqs.Size(sub0(in.Length, in.HeaderLength))
}

// Reply is the outcome of [Decide] for an accepted segment.
type Reply struct {
	Flags    seqs.Flags
	Seq, Ack seqs.Value
	DataSize seqs.Size
	// PeerFIN is set when a FIN-class segment from the peer was acknowledged.
	// The reply may already carry our FIN when the current flags are ACK|FIN.
	// The caller follows up with a FIN-carrying segment and records outbound
	// flags ACK|FIN.
	PeerFIN bool
}

// Decide computes the reply to in given the current outbound flags and the
// local sequence number, which is only used when answering a SYN. ok is false
// when the segment warrants no reply, e.g. a bare ACK. Decide has no side effects.
//
// Replies whose outbound flags already carry RST keep them and acknowledge all
// of the sequence space the inbound segment occupies.
func Decide(in Input, current seqs.Flags, seq seqs.Value) (r Reply, ok bool) {
	r.Flags = current
	switch {
	case current.HasAny(seqs.FlagRST):
		seg := seqs.Segment{SEQ: in.Seq, DATALEN: in.DataSize(), Flags: in.Flags}
		r.Ack = seqs.Add(in.Seq, seg.LEN())

	case in.Flags == seqs.FlagSYN:
		r.Flags = synack
		r.Ack = seqs.Add(in.Seq, 1)

	case in.Flags == pshack:
		r.Flags = seqs.FlagACK
		r.DataSize = in.DataSize()
		r.Ack = seqs.Add(in.Seq, r.DataSize)

	case in.Flags == finack:
		r.Flags = finack
		r.Ack = seqs.Add(in.Seq, 1)

	case in.Flags == finpshack, in.Flags == finpsh:
		// Data and FIN in one segment: acknowledge the data only.
		r.DataSize = in.DataSize()
		r = replyFIN(r, in, current)

	case in.Flags == seqs.FlagFIN:
		r = replyFIN(r, in, current)

	default:
		return Reply{}, false
	}
	r.Seq = seq
	if in.Flags != seqs.FlagSYN {
		r.Seq = in.Ack
	}
	return r, true
}

func replyFIN(r Reply, in Input, current seqs.Flags) Reply {
	r.Flags = seqs.FlagACK
	if current == finack {
		r.Flags = finack
	}
	r.Ack = seqs.Add(in.Seq, r.DataSize)
	if r.DataSize == 0 {
		r.Ack = seqs.Add(r.Ack, 1)
	}
	r.PeerFIN = true
	return r
}

// Reply runs [Decide] for in against the block and records the outcome.
// Rejected segments leave the block untouched.
func (scb *SCB) Reply(in Input) (Reply, bool) {
	r, ok := Decide(in, scb.Flags, scb.Seq)
	if !ok {
		return r, false
	}
	scb.Flags = r.Flags
	scb.Seq = r.Seq
	scb.Ack = r.Ack
	return r, true
}

// prand32 generates a pseudo random number from a seed.
func prand32(seed uint32) uint32 {
	/* Algorithm "xor" from p. 4 of Marsaglia, "Xorshift RNGs" */
	seed ^= seed << 13
	seed ^= seed >> 17
	seed ^= seed << 5
	return seed
}
