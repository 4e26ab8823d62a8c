package tcpctl

import (
	"time"

	"github.com/soypat/rawtcp/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

// Table is the fixed capacity store of sessions answered by the passive path.
// Slots record addressing from the inbound perspective.
type Table struct {
	slots   []SCB
	timeout time.Duration
}

// NewTable returns a table with capacity slots whose sessions expire after
// timeout without activity.
func NewTable(capacity int, timeout time.Duration) *Table {
	return &Table{
		slots:   make([]SCB, capacity),
		timeout: timeout,
	}
}

// Cap returns the number of slots in the table.
func (t *Table) Cap() int { return len(t.slots) }

// Slot returns a pointer to the i'th slot.
func (t *Table) Slot(i int) *SCB { return &t.slots[i] }

// Live returns the number of slots holding a session that has not expired.
func (t *Table) Live(now time.Time) (n int) {
	for i := range t.slots {
		if !t.slots[i].Expired(now, t.timeout) {
			n++
		}
	}
	return n
}

// Lookup returns the live slot matching seg, or nil.
func (t *Table) Lookup(seg *eth.Segment, now time.Time) *SCB {
	for i := range t.slots {
		scb := &t.slots[i]
		if !scb.Expired(now, t.timeout) && scb.MatchInbound(seg) {
			return scb
		}
	}
	return nil
}

// Claim returns the slot to hold the session opened by seg. A live slot
// already recording the same tuple is preferred, otherwise the first unused or
// expired slot is taken. It returns nil when the table is full, in which case
// no slot is modified.
//
// The claimed slot is reinitialized from seg with initial sequence number iss.
func (t *Table) Claim(seg *eth.Segment, now time.Time, iss seqs.Value) *SCB {
	scb := t.Lookup(seg, now)
	for i := 0; scb == nil && i < len(t.slots); i++ {
		if t.slots[i].Expired(now, t.timeout) {
			scb = &t.slots[i]
		}
	}
	if scb == nil {
		return nil
	}
	*scb = SCB{
		SrcAddr:  seg.Src,
		DstAddr:  seg.Dst,
		SrcPort:  seg.TCP.SourcePort,
		DstPort:  seg.TCP.DestinationPort,
		LocalHW:  seg.Eth.Destination,
		RemoteHW: seg.Eth.Source,
		Proto:    seg.Proto,
		Net:      seg.Network(),
		Seq:      iss,
		Timeout:  now,
	}
	return scb
}

// ISS generates pseudo random initial sequence numbers.
type ISS struct {
	state uint32
}

// NewISS returns a generator seeded with seed. A zero seed is replaced since
// xorshift never leaves the zero state.
func NewISS(seed uint32) ISS {
	if seed == 0 {
		seed = 0x2545f491
	}
	return ISS{state: seed}
}

// Next returns a new initial sequence number and advances the generator.
func (g *ISS) Next() seqs.Value {
	if g.state == 0 {
		g.state = NewISS(0).state
	}
	g.state = prand32(g.state)
	return seqs.Value(g.state)
}
