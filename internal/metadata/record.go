// Package metadata defines the fixed-size per-packet tuple shared between
// ParserWorkers and AnalyzerWorkers, and the protocol classification used to
// weight it in the spectral pipeline.
package metadata

import (
	"encoding/binary"
	"math"
)

// ProtoCode classifies the protocol of a decoded packet. Each tag maps to a
// fixed integer weight used by the analyzer's encoder.
type ProtoCode uint16

const (
	ProtoTCPSyn ProtoCode = 1
	ProtoTCPFin ProtoCode = 40
	// ProtoTCPRst shares its integer value with ProtoTCPSyn in the original
	// decoder; see DESIGN.md for the decision to preserve this collision
	// rather than silently renumber it.
	ProtoTCPRst   ProtoCode = 1
	ProtoTCPOther ProtoCode = 1000
	ProtoUDP      ProtoCode = 3
	ProtoICMP     ProtoCode = 10
	ProtoIGMP     ProtoCode = 9
	ProtoUnknown  ProtoCode = 10
)

// Record is the fixed-size metadata tuple produced by a ParserWorker and
// consumed by exactly one AnalyzerWorker. It is passed by value between the
// two stages.
type Record struct {
	// SrcAddr is the IPv4 source address in host byte order. It is the
	// aggregation key used to group records into per-flow series.
	SrcAddr uint32
	// Proto classifies the packet; see ProtoCode.
	Proto ProtoCode
	// Length is the IPv4 total length in bytes.
	Length uint16
	// Timestamp is the monotonic capture time in fractional seconds. It is
	// overwritten in place with an inter-arrival delta during analysis; see
	// internal/analyzer.
	Timestamp float64
}

// wireSize is the byte layout of a Record on the wire: 4 (addr) + 2 (proto) +
// 2 (length) + 8 (timestamp) = 16 bytes, network byte order for the integer
// fields.
const wireSize = 16

// Encode writes r to its on-wire byte representation, network byte order.
func Encode(r Record) [wireSize]byte {
	var buf [wireSize]byte
	binary.BigEndian.PutUint32(buf[0:4], r.SrcAddr)
	binary.BigEndian.PutUint16(buf[4:6], uint16(r.Proto))
	binary.BigEndian.PutUint16(buf[6:8], r.Length)
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(r.Timestamp))
	return buf
}

// Decode parses a Record from its on-wire byte representation. Decode(Encode(r))
// is the identity for every valid IPv4+{TCP,UDP,ICMP,IGMP} Record.
func Decode(buf [wireSize]byte) Record {
	return Record{
		SrcAddr:   binary.BigEndian.Uint32(buf[0:4]),
		Proto:     ProtoCode(binary.BigEndian.Uint16(buf[4:6])),
		Length:    binary.BigEndian.Uint16(buf[6:8]),
		Timestamp: math.Float64frombits(binary.BigEndian.Uint64(buf[8:16])),
	}
}
