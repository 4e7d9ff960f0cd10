// Package handoff implements the bounded single-producer/single-consumer
// buffer used to move metadata.Record values from a ParserWorker to its
// owning AnalyzerWorker.
//
// The original implementation guards the buffer with a POSIX binary
// semaphore. Per the redesign note in spec.md §9, this is replaced with a
// typed bounded buffer whose mutual exclusion is a buffered channel of
// capacity 1 acting as a binary semaphore token: Append and DrainUpTo both
// take the token before touching the slice or index, and return it
// afterward. This preserves the "semaphore covers both index mutation and
// memory copy" invariant without introducing a third-party dependency — the
// channel primitive is the idiomatic Go replacement the redesign note calls
// for, not a gap to fill with a library.
package handoff

import (
	"fmt"

	"github.com/flowsense/whisper/internal/metadata"
)

// MaxCapacity is the hard ceiling on a Handoff's capacity (2^25), per
// spec.md §3.
const MaxCapacity = 1 << 25

// DefaultMaxFetch is the soft cap on a single drain, keeping the critical
// section short (spec.md §4.2).
const DefaultMaxFetch = 1 << 17

// Handoff is a fixed-capacity sequence of metadata.Record plus a write
// index. It is owned by exactly one ParserWorker (the producer) and read by
// exactly one AnalyzerWorker (the consumer).
type Handoff struct {
	records  []metadata.Record
	capacity int
	writeIdx int

	// token is the binary semaphore: a full channel means "available",
	// Acquire drains it, Release refills it.
	token chan struct{}

	// OnOverflow, if set, is called whenever an Append saturates the buffer
	// and the write index resets to zero. It is a non-fatal warning hook.
	OnOverflow func()
}

// New creates a Handoff with the given capacity, which must be positive and
// at most MaxCapacity.
func New(capacity int) (*Handoff, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("handoff: invalid capacity %d", capacity)
	}
	if capacity > MaxCapacity {
		return nil, fmt.Errorf("handoff: capacity %d exceeds ceiling %d", capacity, MaxCapacity)
	}

	h := &Handoff{
		records:  make([]metadata.Record, capacity),
		capacity: capacity,
		token:    make(chan struct{}, 1),
	}
	h.token <- struct{}{}
	return h, nil
}

// Capacity returns the fixed capacity of the buffer.
func (h *Handoff) Capacity() int {
	return h.capacity
}

// acquire takes the binary semaphore token.
func (h *Handoff) acquire() {
	<-h.token
}

// release returns the binary semaphore token.
func (h *Handoff) release() {
	h.token <- struct{}{}
}

// Append appends r at the current write index under the semaphore. On
// saturation (write index reaches capacity) the index resets to zero,
// dropping the records that were never drained, and OnOverflow is invoked.
// This is O(1); no burst-level batching is required for correctness.
func (h *Handoff) Append(r metadata.Record) {
	h.acquire()
	h.records[h.writeIdx] = r
	h.writeIdx++
	if h.writeIdx == h.capacity {
		h.writeIdx = 0
		if h.OnOverflow != nil {
			h.OnOverflow()
		}
	}
	h.release()
}

// DrainUpTo copies up to min(writeIdx, maxFetch, len(dst)) records from the
// head of the buffer into dst, returning the number copied. The producer's
// write index is decremented by exactly the number copied — NOT shifted, so
// any tail left uncopied (when the drain is capped by maxFetch or by the
// consumer's own free space) is not preserved at the front of the buffer.
//
// This mirrors the original implementation precisely, including the
// documented-but-unfixed hazard from spec.md §9: when copied < writeIdx,
// the tail [copied, writeIdx) is left in place while the write index moves
// back to writeIdx-copied, and the next drain reads from position 0 again.
// Records at [0, min(copied, writeIdx-copied)) are therefore delivered a
// second time, and the records at [max(copied, writeIdx-copied), writeIdx)
// are never delivered: later Appends overwrite them. Do not "fix"
// this without updating the contract in spec.md; it is flagged there as an
// open question, not a defect to patch silently.
func (h *Handoff) DrainUpTo(dst []metadata.Record, maxFetch int) int {
	h.acquire()
	defer h.release()

	copied := h.writeIdx
	if maxFetch < copied {
		copied = maxFetch
	}
	if len(dst) < copied {
		copied = len(dst)
	}
	if copied <= 0 {
		return 0
	}

	copy(dst[:copied], h.records[:copied])
	h.writeIdx -= copied
	return copied
}

// WriteIndex returns the current write index. Intended for tests and
// metrics; callers must not rely on it being stable without holding no
// concurrent Append/DrainUpTo in flight.
func (h *Handoff) WriteIndex() int {
	h.acquire()
	defer h.release()
	return h.writeIdx
}
