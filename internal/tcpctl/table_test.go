package tcpctl

import (
	"net/netip"
	"testing"
	"time"

	"github.com/soypat/rawtcp/internal/tcpctl/eth"
	seqeth "github.com/soypat/seqs/eth"
)

func synFrom(remote string, port uint16) *eth.Segment {
	seg := &eth.Segment{
		Eth: seqeth.EthernetHeader{
			Source:      [6]byte{2, 0, 0, 0, 0, byte(port)},
			Destination: [6]byte{2, 0, 0, 0, 0, 1},
		},
		Src: netip.MustParseAddr(remote),
		Dst: netip.MustParseAddr("10.0.0.1"),
		TCP: seqeth.TCPHeader{
			SourcePort:      port,
			DestinationPort: 80,
			Seq:             1000,
		},
		Length:       eth.SizeTCPHeader,
		HeaderLength: eth.SizeTCPHeader,
	}
	seg.TCP.SetOffset(5)
	seg.TCP.SetFlags(SYN)
	return seg
}

func TestTableClaimFull(t *testing.T) {
	const timeout = 10 * time.Second
	now := time.Unix(1000, 0)
	tb := NewTable(2, timeout)
	a := tb.Claim(synFrom("10.0.0.2", 4000), now, 1)
	b := tb.Claim(synFrom("10.0.0.3", 4000), now, 2)
	if a == nil || b == nil || a == b {
		t.Fatal("expected two distinct slots")
	}
	if a.Seq != 1 || a.SrcPort != 4000 || a.DstPort != 80 || a.SrcAddr != netip.MustParseAddr("10.0.0.2") {
		t.Errorf("slot not initialized from segment: %+v", *a)
	}
	before := [2]SCB{*tb.Slot(0), *tb.Slot(1)}
	if c := tb.Claim(synFrom("10.0.0.4", 4000), now, 3); c != nil {
		t.Fatal("claimed slot on full table")
	}
	if *tb.Slot(0) != before[0] || *tb.Slot(1) != before[1] {
		t.Error("full table was modified")
	}
	if tb.Live(now) != 2 {
		t.Errorf("want 2 live sessions, got %d", tb.Live(now))
	}

	// Retransmitted SYN reuses its own slot.
	again := tb.Claim(synFrom("10.0.0.3", 4000), now, 4)
	if again != b || again.Seq != 4 {
		t.Error("exact tuple match did not reuse slot")
	}

	// Expired slots become eligible.
	later := now.Add(timeout + time.Second)
	if tb.Live(later) != 0 {
		t.Errorf("want no live sessions after timeout, got %d", tb.Live(later))
	}
	c := tb.Claim(synFrom("10.0.0.4", 4000), later, 5)
	if c != a {
		t.Error("expected first expired slot to be reused")
	}
}

func TestTableClaimPrefersMatch(t *testing.T) {
	now := time.Unix(1000, 0)
	tb := NewTable(3, time.Second)
	tb.Claim(synFrom("10.0.0.2", 4000), now, 1)
	b := tb.Claim(synFrom("10.0.0.3", 4000), now, 2)
	tb.Slot(0).Reset()
	// Slot 0 is free but the retransmitted SYN must land on its own slot.
	again := tb.Claim(synFrom("10.0.0.3", 4000), now, 3)
	if again != b {
		t.Fatal("retransmitted SYN claimed a new slot")
	}
	if tb.Live(now) != 1 {
		t.Errorf("want 1 live session, got %d", tb.Live(now))
	}
}

func TestTableLookup(t *testing.T) {
	const timeout = time.Second
	now := time.Unix(1000, 0)
	tb := NewTable(4, timeout)
	syn := synFrom("10.0.0.2", 4000)
	scb := tb.Claim(syn, now, 1)
	if got := tb.Lookup(syn, now); got != scb {
		t.Fatal("lookup missed claimed slot")
	}
	other := synFrom("10.0.0.2", 4001)
	if tb.Lookup(other, now) != nil {
		t.Error("lookup matched a different port")
	}
	if tb.Lookup(syn, now.Add(2*timeout)) != nil {
		t.Error("lookup returned expired slot")
	}
	scb.Reset()
	if !scb.IsZero() || tb.Lookup(syn, now) != nil {
		t.Error("cleared slot still matched")
	}
}

func TestSCBSwapped(t *testing.T) {
	syn := synFrom("10.0.0.2", 4000)
	tb := NewTable(1, time.Second)
	slot := tb.Claim(syn, time.Unix(1, 0), 1)
	primary := slot.Swapped()
	if primary.SrcAddr != syn.Dst || primary.DstAddr != syn.Src {
		t.Errorf("addresses not swapped: %s->%s", primary.SrcAddr, primary.DstAddr)
	}
	if primary.SrcPort != 80 || primary.DstPort != 4000 {
		t.Errorf("ports not swapped: %d->%d", primary.SrcPort, primary.DstPort)
	}
	if !primary.MatchOutbound(syn) || primary.MatchInbound(syn) {
		t.Error("swapped block should match in outbound perspective only")
	}
	h := primary.Header()
	if h.SrcHW != syn.Eth.Destination || h.DstHW != syn.Eth.Source {
		t.Error("hardware addresses not taken from local/remote")
	}
}
