package eth

import (
	"github.com/soypat/lneto"
	seqeth "github.com/soypat/seqs/eth"
)

// ChecksumIPv6 calculates the TCP checksum over the IPv6 pseudo-header, the
// TCP header (checksum field taken as zero, no options) and payload:
//
//	+---------------------------------------+
//	|            Source Address             |
//	+---------------------------------------+
//	|          Destination Address          |
//	+---------------------------------------+
//	|        Upper-Layer Packet Length      |
//	+-----------------------+---------------+
//	|         zero          |  Next Header  |
//	+-----------------------+---------------+
func ChecksumIPv6(src, dst *[16]byte, thdr *seqeth.TCPHeader, payload []byte) uint16 {
	var crc seqeth.CRC791
	crc.Write(src[:])
	crc.Write(dst[:])
	crc.AddUint32(uint32(SizeTCPHeader + len(payload)))
	crc.AddUint32(uint32(lneto.IPProtoTCP))
	crc.AddUint16(thdr.SourcePort)
	crc.AddUint16(thdr.DestinationPort)
	crc.AddUint32(uint32(thdr.Seq))
	crc.AddUint32(uint32(thdr.Ack))
	crc.AddUint16(thdr.OffsetAndFlags[0])
	crc.AddUint16(thdr.WindowSizeRaw)
	crc.AddUint16(thdr.UrgentPtr)
	crc.Write(payload)
	return crc.Sum16()
}
