// Package capture implements the packet-receive primitive and the
// per-packet L3/L4 decode that spec.md treats as an external collaborator.
// Burst receive is backed by github.com/google/gopacket/pcap: a live device
// for production use, or an offline pcap file for deterministic replay and
// tests.
package capture

import (
	"context"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
)

// defaultSnapLen mirrors the common tcpdump default.
const defaultSnapLen = 262144

// readTimeout bounds how long a live capture handle blocks between polls, so
// BurstReceive can return control to the caller for m_stop checks even when
// no packets arrive.
const readTimeout = 50 * time.Millisecond

// Reader is the burst-receive contract: receive at most n frames,
// non-blocking beyond readTimeout. It models one (NIC, RX queue) pair.
type Reader interface {
	// BurstReceive returns up to maxBurst packets without blocking
	// indefinitely. An empty, nil-error result means "nothing available
	// right now", not EOF.
	BurstReceive(maxBurst int) ([]gopacket.Packet, error)

	// Close releases the underlying capture handle.
	Close() error
}

// OpenLive opens a live capture handle against the named device.
func OpenLive(device string, bpf string) (Reader, error) {
	handle, err := pcap.OpenLive(device, defaultSnapLen, true, readTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "capture: open live device %q", device)
	}
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, errors.Wrapf(err, "capture: set BPF filter %q on %q", bpf, device)
		}
	}
	return &handleReader{handle: handle}, nil
}

// OpenOffline opens a pcap file for deterministic replay (tests, offline
// analysis runs).
func OpenOffline(path string, bpf string) (Reader, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, errors.Wrapf(err, "capture: open offline file %q", path)
	}
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, errors.Wrapf(err, "capture: set BPF filter %q on %q", bpf, path)
		}
	}
	return &handleReader{handle: handle}, nil
}

// handleReader adapts a *pcap.Handle to Reader by reading up to maxBurst
// packets per call directly from the handle. On a live handle each blocking
// read is bounded by readTimeout; a timeout or the end of an offline file
// ends the burst early.
type handleReader struct {
	handle *pcap.Handle
}

func (r *handleReader) BurstReceive(maxBurst int) ([]gopacket.Packet, error) {
	out := make([]gopacket.Packet, 0, maxBurst)
	for i := 0; i < maxBurst; i++ {
		data, ci, err := r.handle.ZeroCopyReadPacketData()
		if err == pcap.NextErrorTimeoutExpired {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			// EOF on an offline file is a normal end of burst, not a fatal
			// receive error.
			if err.Error() == "EOF" {
				break
			}
			return out, errors.Wrap(err, "capture: read packet data")
		}
		// ZeroCopyReadPacketData's backing array is only valid until the
		// next read; copy it so packets can be queued and decoded later.
		buf := make([]byte, len(data))
		copy(buf, data)
		pkt := gopacket.NewPacket(buf, r.handle.LinkType(), gopacket.DecodeOptions{
			Lazy:   true,
			NoCopy: true,
		})
		pkt.Metadata().CaptureInfo = ci
		pkt.Metadata().Timestamp = ci.Timestamp
		out = append(out, pkt)
	}
	return out, nil
}

func (r *handleReader) Close() error {
	r.handle.Close()
	return nil
}
