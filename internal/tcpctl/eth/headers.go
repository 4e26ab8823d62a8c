/*
package eth parses and builds the Ethernet frames exchanged by the TCP engine.
A frame is an Ethernet II header followed by an IPv4 or IPv6 header and a TCP
segment:

	| Ethernet 14B | IPv4 20..60B or IPv6 40B | TCP 20..60B | data |

Field encoding is done by github.com/soypat/seqs/eth (Ethernet, IPv4, TCP) and
github.com/soypat/lneto/ipv6 (IPv6). This package validates length fields
before any slicing takes place, extracts addresses and computes checksums.
Outbound TCP headers never carry options.

ICMP and ICMPv6 datagrams are also accepted by [Parse] so that callers can
observe destination unreachable notifications.
*/
package eth

import (
	"errors"
	"net/netip"

	"github.com/soypat/lneto"
	"github.com/soypat/lneto/ipv6"
	"github.com/soypat/seqs"
	seqeth "github.com/soypat/seqs/eth"
)

// These are minimum sizes that do not take into consideration the presence of
// options or VLAN tags.
const (
	SizeEthernetHeader = seqeth.SizeEthernetHeader
	SizeIPv4Header     = seqeth.SizeIPv4Header
	SizeIPv6Header     = 40
	SizeTCPHeader      = seqeth.SizeTCPHeader
	// MTU is the largest IP datagram built or accepted.
	MTU = 1500

	ipVersion4 = 4<<4 | 5
)

var (
	errShortFrame       = errors.New("eth: frame too short")
	errShortBuffer      = errors.New("eth: buffer too short for frame")
	errUnsupportedEther = errors.New("eth: unsupported ethertype")
	errBadVersion       = errors.New("eth: bad IP version")
	errBadIHL           = errors.New("eth: bad IPv4 IHL")
	errBadLength        = errors.New("eth: IP length field exceeds frame")
	errBadTCPOffset     = errors.New("eth: bad TCP data offset")
	errAddrFamily       = errors.New("eth: address family does not match network")
	errExceedMTU        = errors.New("eth: datagram exceeds MTU")
)

// Segment is a validated view of a received frame. Payload aliases the frame.
type Segment struct {
	Eth seqeth.EthernetHeader
	// TCP is only valid when Proto is TCP.
	TCP      seqeth.TCPHeader
	Src, Dst netip.Addr
	Proto    lneto.IPProto
	// HopLimit is the IPv4 TTL or the IPv6 hop limit.
	HopLimit uint8
	// Length is the IP payload length. For TCP it is the segment length
	// including the TCP header and options.
	Length int
	// HeaderLength is the TCP header length in bytes including options.
	HeaderLength int
	// Payload holds TCP data, or the whole IP payload for other protocols.
	Payload []byte

	net Network
}

// Network returns the IP variant the segment was received over.
func (s *Segment) Network() Network { return s.net }

// IsTCP reports whether the frame carries a TCP segment.
func (s *Segment) IsTCP() bool { return s.Proto == lneto.IPProtoTCP }

// IsICMP reports whether the frame carries an ICMP or ICMPv6 message.
func (s *Segment) IsICMP() bool {
	return s.Proto == lneto.IPProtoICMP || s.Proto == lneto.IPProtoIPv6ICMP
}

// Flags returns the TCP flags of the segment.
func (s *Segment) Flags() seqs.Flags { return s.TCP.Flags() }

// Seg returns the sequence space representation of the TCP segment.
func (s *Segment) Seg() seqs.Segment { return s.TCP.Segment(len(s.Payload)) }

// Parse validates frame and decodes its headers. Frames that are neither IPv4
// nor IPv6 return an error. The returned segment references frame memory.
func Parse(frame []byte) (seg Segment, err error) {
	if len(frame) < SizeEthernetHeader {
		return seg, errShortFrame
	}
	seg.Eth = seqeth.DecodeEthernetHeader(frame)
	switch seg.Eth.AssertType() {
	case seqeth.EtherTypeIPv4:
		seg.net = IPv4
	case seqeth.EtherTypeIPv6:
		seg.net = IPv6
	default:
		return seg, errUnsupportedEther
	}
	ipPayload, err := seg.net.decode(&seg, frame[SizeEthernetHeader:])
	if err != nil {
		return seg, err
	}
	seg.Length = len(ipPayload)
	if !seg.IsTCP() {
		seg.Payload = ipPayload
		return seg, nil
	}
	if len(ipPayload) < SizeTCPHeader {
		return seg, errShortFrame
	}
	var off uint8
	seg.TCP, off = seqeth.DecodeTCPHeader(ipPayload)
	if off < SizeTCPHeader || int(off) > len(ipPayload) {
		return seg, errBadTCPOffset
	}
	seg.HeaderLength = int(off)
	seg.Payload = ipPayload[off:]
	return seg, nil
}

// Header holds the link, network and transport fields of an outbound segment.
type Header struct {
	SrcHW, DstHW     [6]byte
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Seq, Ack         seqs.Value
	Flags            seqs.Flags
	Window           uint16
	// ToS is the IPv4 type of service. Ignored over IPv6.
	ToS uint8
	// ID is the IPv4 identification field. Ignored over IPv6.
	ID       uint16
	HopLimit uint8
}

func (h *Header) tcp() seqeth.TCPHeader {
	thdr := seqeth.TCPHeader{
		SourcePort:      h.SrcPort,
		DestinationPort: h.DstPort,
		Seq:             h.Seq,
		Ack:             h.Ack,
		WindowSizeRaw:   h.Window,
	}
	thdr.SetOffset(SizeTCPHeader / 4)
	thdr.SetFlags(h.Flags)
	return thdr
}

// Network is the IP variant capability used to encode and decode frames.
// It is selected once per session, see [NetworkFor].
type Network interface {
	// Version returns 4 or 6.
	Version() int
	// FrameSize returns the full frame length of a TCP segment carrying
	// payloadLen bytes of data and no options.
	FrameSize(payloadLen int) int
	// Put writes a complete frame for h and payload onto frame, checksums
	// included. frame must be at least FrameSize(len(payload)) long.
	Put(frame []byte, h *Header, payload []byte) error

	decode(seg *Segment, b []byte) (ipPayload []byte, err error)
}

// Available network variants.
var (
	IPv4 Network = ipv4Net{}
	IPv6 Network = ipv6Net{}
)

// NetworkFor returns the variant able to carry addr.
func NetworkFor(addr netip.Addr) Network {
	if addr.Is4() {
		return IPv4
	}
	return IPv6
}

type ipv4Net struct{}

func (ipv4Net) Version() int { return 4 }

func (ipv4Net) FrameSize(payloadLen int) int {
	return SizeEthernetHeader + SizeIPv4Header + SizeTCPHeader + payloadLen
}

func (n ipv4Net) Put(frame []byte, h *Header, payload []byte) error {
	size := n.FrameSize(len(payload))
	switch {
	case len(frame) < size:
		return errShortBuffer
	case size-SizeEthernetHeader > MTU:
		return errExceedMTU
	case !h.Src.Is4() || !h.Dst.Is4():
		return errAddrFamily
	}
	ehdr := seqeth.EthernetHeader{
		Destination:     h.DstHW,
		Source:          h.SrcHW,
		SizeOrEtherType: uint16(seqeth.EtherTypeIPv4),
	}
	ehdr.Put(frame)
	ip := seqeth.IPv4Header{
		VersionAndIHL: ipVersion4,
		ToS:           h.ToS,
		TotalLength:   uint16(size - SizeEthernetHeader),
		ID:            h.ID,
		TTL:           h.HopLimit,
		Protocol:      uint8(lneto.IPProtoTCP),
		Source:        h.Src.As4(),
		Destination:   h.Dst.As4(),
	}
	ip.Checksum = ip.CalculateChecksum()
	ip.Put(frame[SizeEthernetHeader:])

	thdr := h.tcp()
	thdr.Checksum = thdr.CalculateChecksumIPv4(&ip, nil, payload)
	off := SizeEthernetHeader + SizeIPv4Header
	thdr.Put(frame[off:])
	copy(frame[off+SizeTCPHeader:size], payload)
	return nil
}

func (ipv4Net) decode(seg *Segment, b []byte) ([]byte, error) {
	if len(b) < SizeIPv4Header {
		return nil, errShortFrame
	}
	ip, off := seqeth.DecodeIPv4Header(b)
	switch {
	case ip.Version() != 4:
		return nil, errBadVersion
	case off < SizeIPv4Header:
		return nil, errBadIHL
	case int(ip.TotalLength) > len(b) || int(ip.TotalLength) < int(off):
		return nil, errBadLength
	}
	seg.Src = netip.AddrFrom4(ip.Source)
	seg.Dst = netip.AddrFrom4(ip.Destination)
	seg.Proto = lneto.IPProto(ip.Protocol)
	seg.HopLimit = ip.TTL
	return b[off:ip.TotalLength], nil
}

type ipv6Net struct{}

func (ipv6Net) Version() int { return 6 }

func (ipv6Net) FrameSize(payloadLen int) int {
	return SizeEthernetHeader + SizeIPv6Header + SizeTCPHeader + payloadLen
}

func (n ipv6Net) Put(frame []byte, h *Header, payload []byte) error {
	size := n.FrameSize(len(payload))
	switch {
	case len(frame) < size:
		return errShortBuffer
	case size-SizeEthernetHeader > MTU:
		return errExceedMTU
	case !h.Src.Is6() || !h.Dst.Is6():
		return errAddrFamily
	}
	ehdr := seqeth.EthernetHeader{
		Destination:     h.DstHW,
		Source:          h.SrcHW,
		SizeOrEtherType: uint16(seqeth.EtherTypeIPv6),
	}
	ehdr.Put(frame)
	ifrm, err := ipv6.NewFrame(frame[SizeEthernetHeader:size])
	if err != nil {
		return err
	}
	ifrm.SetVersionTrafficAndFlow(6, 0, 0)
	ifrm.SetPayloadLength(uint16(SizeTCPHeader + len(payload)))
	ifrm.SetNextHeader(lneto.IPProtoTCP)
	ifrm.SetHopLimit(h.HopLimit)
	*ifrm.SourceAddr() = h.Src.As16()
	*ifrm.DestinationAddr() = h.Dst.As16()

	thdr := h.tcp()
	thdr.Checksum = ChecksumIPv6(ifrm.SourceAddr(), ifrm.DestinationAddr(), &thdr, payload)
	off := SizeEthernetHeader + SizeIPv6Header
	thdr.Put(frame[off:])
	copy(frame[off+SizeTCPHeader:size], payload)
	return nil
}

func (ipv6Net) decode(seg *Segment, b []byte) ([]byte, error) {
	ifrm, err := ipv6.NewFrame(b)
	if err != nil {
		return nil, errShortFrame
	}
	var v lneto.Validator
	ifrm.ValidateSize(&v)
	if v.HasError() {
		return nil, v.Err()
	}
	if version, _, _ := ifrm.VersionTrafficAndFlow(); version != 6 {
		return nil, errBadVersion
	}
	seg.Src = netip.AddrFrom16(*ifrm.SourceAddr())
	seg.Dst = netip.AddrFrom16(*ifrm.DestinationAddr())
	seg.Proto = ifrm.NextHeader()
	seg.HopLimit = ifrm.HopLimit()
	return ifrm.Payload(), nil
}
