package eth

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/soypat/lneto"
	"github.com/soypat/seqs"
)

var (
	hwA = [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	hwB = [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x02}
)

func testHeader(src, dst netip.Addr) Header {
	return Header{
		SrcHW:    hwA,
		DstHW:    hwB,
		Src:      src,
		Dst:      dst,
		SrcPort:  1024,
		DstPort:  80,
		Seq:      0xfffffffe,
		Ack:      1001,
		Flags:    seqs.FlagPSH | seqs.FlagACK,
		Window:   1000,
		ToS:      0x10,
		HopLimit: 64,
	}
}

func TestPutParseIPv4(t *testing.T) {
	h := testHeader(netip.MustParseAddr("192.168.1.1"), netip.MustParseAddr("192.168.1.2"))
	payload := []byte("hello, world") // Even length.
	testPutParse(t, IPv4, &h, payload)
	testPutParse(t, IPv4, &h, payload[:5]) // Odd length.
	testPutParse(t, IPv4, &h, nil)
}

func TestPutParseIPv6(t *testing.T) {
	h := testHeader(netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("fe80::2"))
	payload := []byte("hello, world")
	testPutParse(t, IPv6, &h, payload)
	testPutParse(t, IPv6, &h, payload[:5])
	testPutParse(t, IPv6, &h, nil)
}

func testPutParse(t *testing.T, nw Network, h *Header, payload []byte) {
	t.Helper()
	frame := make([]byte, nw.FrameSize(len(payload)))
	err := nw.Put(frame, h, payload)
	if err != nil {
		t.Fatal(err)
	}
	seg, err := Parse(frame)
	if err != nil {
		t.Fatal(err)
	}
	if seg.Network() != nw {
		t.Errorf("want IPv%d, got IPv%d", nw.Version(), seg.Network().Version())
	}
	if !seg.IsTCP() {
		t.Fatalf("want TCP, got proto %d", seg.Proto)
	}
	if seg.Src != h.Src || seg.Dst != h.Dst {
		t.Errorf("addresses mismatch: got %s->%s", seg.Src, seg.Dst)
	}
	if seg.TCP.SourcePort != h.SrcPort || seg.TCP.DestinationPort != h.DstPort {
		t.Errorf("ports mismatch: got %d->%d", seg.TCP.SourcePort, seg.TCP.DestinationPort)
	}
	if seg.TCP.Seq != h.Seq || seg.TCP.Ack != h.Ack {
		t.Errorf("seq/ack mismatch: got %d/%d", seg.TCP.Seq, seg.TCP.Ack)
	}
	if seg.Flags() != h.Flags {
		t.Errorf("flags mismatch: got %s, want %s", seg.Flags(), h.Flags)
	}
	if seg.HeaderLength != SizeTCPHeader || seg.Length != SizeTCPHeader+len(payload) {
		t.Errorf("bad lengths: hdr=%d len=%d", seg.HeaderLength, seg.Length)
	}
	if string(seg.Payload) != string(payload) {
		t.Errorf("payload mismatch: %q", seg.Payload)
	}
	if seg.HopLimit != h.HopLimit {
		t.Errorf("hop limit mismatch: %d", seg.HopLimit)
	}
	if seg.Eth.Source != h.SrcHW || seg.Eth.Destination != h.DstHW {
		t.Error("hardware address mismatch")
	}

	// A valid checksum folds the pseudo-header plus segment to zero.
	ipEnd := len(frame) - seg.Length
	segment := frame[ipEnd:]
	var pseudo []byte
	if nw.Version() == 4 {
		src, dst := h.Src.As4(), h.Dst.As4()
		pseudo = append(pseudo, src[:]...)
		pseudo = append(pseudo, dst[:]...)
		pseudo = append(pseudo, 0, uint8(lneto.IPProtoTCP))
		pseudo = binary.BigEndian.AppendUint16(pseudo, uint16(len(segment)))
		if sum(frame[SizeEthernetHeader:ipEnd]) != 0 {
			t.Error("bad IPv4 header checksum")
		}
	} else {
		src, dst := h.Src.As16(), h.Dst.As16()
		pseudo = append(pseudo, src[:]...)
		pseudo = append(pseudo, dst[:]...)
		pseudo = binary.BigEndian.AppendUint32(pseudo, uint32(len(segment)))
		pseudo = binary.BigEndian.AppendUint32(pseudo, uint32(lneto.IPProtoTCP))
	}
	if got := sum(append(pseudo, segment...)); got != 0 {
		t.Errorf("bad TCP checksum over IPv%d, residual %#04x", nw.Version(), got)
	}
}

func TestParseInvalid(t *testing.T) {
	h := testHeader(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"))
	good := make([]byte, IPv4.FrameSize(4))
	if err := IPv4.Put(good, &h, []byte("data")); err != nil {
		t.Fatal(err)
	}
	const ipOff = SizeEthernetHeader
	const tcpOff = SizeEthernetHeader + SizeIPv4Header
	for _, tc := range []struct {
		name   string
		mangle func(b []byte) []byte
	}{
		{"short ethernet", func(b []byte) []byte { return b[:10] }},
		{"short ip", func(b []byte) []byte { return b[:ipOff+12] }},
		{"ethertype", func(b []byte) []byte { b[12], b[13] = 0x08, 0x06; return b }},
		{"version", func(b []byte) []byte { b[ipOff] = 6<<4 | 5; return b }},
		{"ihl", func(b []byte) []byte { b[ipOff] = 4<<4 | 3; return b }},
		{"total length", func(b []byte) []byte { binary.BigEndian.PutUint16(b[ipOff+2:], 1400); return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-1] }},
		{"tcp offset small", func(b []byte) []byte { b[tcpOff+12] = 4 << 4; return b }},
		{"tcp offset large", func(b []byte) []byte { b[tcpOff+12] = 15 << 4; return b }},
	} {
		frame := tc.mangle(append([]byte{}, good...))
		_, err := Parse(frame)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestPutErrors(t *testing.T) {
	h := testHeader(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("2001:db8::2"))
	frame := make([]byte, 2*MTU)
	if err := IPv4.Put(frame, &h, nil); err != errAddrFamily {
		t.Errorf("want address family error, got %v", err)
	}
	if err := IPv6.Put(frame, &h, nil); err != errAddrFamily {
		t.Errorf("want address family error, got %v", err)
	}
	h.Dst = netip.MustParseAddr("10.0.0.2")
	if err := IPv4.Put(frame[:IPv4.FrameSize(0)-1], &h, nil); err != errShortBuffer {
		t.Errorf("want short buffer error, got %v", err)
	}
	if err := IPv4.Put(frame, &h, make([]byte, MTU)); err != errExceedMTU {
		t.Errorf("want MTU error, got %v", err)
	}
}

func TestNetworkFor(t *testing.T) {
	if NetworkFor(netip.MustParseAddr("1.2.3.4")) != IPv4 {
		t.Error("want IPv4")
	}
	if NetworkFor(netip.MustParseAddr("::1")) != IPv6 {
		t.Error("want IPv6")
	}
}

func FuzzParse(f *testing.F) {
	h := testHeader(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"))
	frame := make([]byte, IPv4.FrameSize(3))
	IPv4.Put(frame, &h, []byte("abc"))
	f.Add(frame)
	h = testHeader(netip.MustParseAddr("::1"), netip.MustParseAddr("::2"))
	frame = make([]byte, IPv6.FrameSize(3))
	IPv6.Put(frame, &h, []byte("abc"))
	f.Add(frame)
	f.Fuzz(func(t *testing.T, data []byte) {
		seg, err := Parse(data)
		if err != nil {
			return
		}
		if seg.IsTCP() && seg.HeaderLength+len(seg.Payload) != seg.Length {
			t.Fatalf("inconsistent lengths hdr=%d payload=%d total=%d", seg.HeaderLength, len(seg.Payload), seg.Length)
		}
	})
}

// Checksum is the 16-bit one's complement of the one's complement sum of a
// pseudo header of information from the IP header, the TCP header, and the
// data, padded with zero octets at the end (if necessary) to make a
// multiple of two octets.
func sum(b []byte) uint16 {
	var sum uint32
	count := len(b)
	for count > 1 {
		sum += uint32(binary.BigEndian.Uint16(b[len(b)-count:]))
		count -= 2
	}
	if count > 0 {
		// If any bytes left, pad the bytes and add.
		sum += uint32(b[len(b)-1]) << 8
	}
	// Fold sum to 16 bits: add carrier to result.
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(^sum) // One's complement.
}
