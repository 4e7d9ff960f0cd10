package metadata

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{SrcAddr: 0x0A000001, Proto: ProtoTCPSyn, Length: 60, Timestamp: 1.0},
		{SrcAddr: 0xFFFFFFFF, Proto: ProtoUDP, Length: 1500, Timestamp: 123456.789},
		{SrcAddr: 0, Proto: ProtoICMP, Length: 28, Timestamp: 0},
		{SrcAddr: 1, Proto: ProtoIGMP, Length: 32, Timestamp: -1.5},
	}

	for _, want := range cases {
		got := Decode(Encode(want))
		if got != want {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestProtoCollision(t *testing.T) {
	// TCP_SYN and TCP_RST intentionally share an integer value; this is
	// preserved from the original decoder rather than "fixed" (see
	// DESIGN.md).
	if ProtoTCPSyn != ProtoTCPRst {
		t.Fatalf("expected ProtoTCPSyn == ProtoTCPRst, got %d != %d", ProtoTCPSyn, ProtoTCPRst)
	}
}
