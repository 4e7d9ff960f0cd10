// Package analyzer implements the AnalyzerWorker described in spec.md §4.3:
// draining one or more parser handoffs, binning records by source address,
// and running each address's spectral pipeline through the training or
// detection branch.
package analyzer

import (
	"log/slog"
	"math"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/flowsense/whisper/internal/config"
	"github.com/flowsense/whisper/internal/handoff"
	"github.com/flowsense/whisper/internal/learner"
	"github.com/flowsense/whisper/internal/metadata"
	"github.com/flowsense/whisper/internal/spectral"
)

// maxClusterDist is the hard ceiling a detection score is clamped to,
// spec.md §4.3.
const maxClusterDist = 1e12

// minInterArrival is the floor applied to every inter-arrival delta,
// including the synthetic first sample, spec.md §4.3.a.
const minInterArrival = 1e-5

// protoWeightDivisor and logWeight are the constants in the encoder's
// w = 10*length + proto_code/10 + 15.68*(-log2(delta)) formula, spec.md
// §4.3.b.
const (
	lengthWeight       = 10.0
	protoWeightDivisor = 10.0
	logWeight          = 15.68
)

// Source is the drain contract an AnalyzerWorker needs from each parser it
// owns. *handoff.Handoff satisfies this directly.
type Source interface {
	DrainUpTo(dst []metadata.Record, maxFetch int) int
}

// Stats are the per-core performance counters supplemented from the
// original's verbose/perf-counter taps (spec.md §9): not part of the
// distilled spec's data model, but present in original_source and not
// excluded by any Non-goal.
type Stats struct {
	Ticks               int64
	RecordsDrained       int64
	GroupsProcessed      int64
	GroupsDiscarded      int64
	TrainSamplesSubmitted int64
	DetectionsScored     int64
}

// Worker is one AnalyzerWorker: it owns a fixed-capacity scratch buffer, a
// set of parser sources to drain, and a reference to the shared Learner.
type Worker struct {
	id     int
	cfg    config.Analyzer
	sources []Source
	learner *learner.Learner
	ops     spectral.Ops
	rng     *rand.Rand
	logger  *slog.Logger

	buffer []metadata.Record
	bufLen int

	// ipTarget is the parsed form of cfg.VerboseIPTarget, valid only when
	// ipTargetSet is true (spec.md §9's verbose_ip_target tap).
	ipTarget    uint32
	ipTargetSet bool

	isTrain        atomic.Bool
	centersMu      sync.RWMutex
	centers        [][]float64
	detectionStart time.Time

	results *resultRing

	stats Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an AnalyzerWorker. isTrain starts true unless the shared
// learner already has centers loaded (spec.md §4.4's preload path), in
// which case the worker enters detection mode directly (scenario 6 of
// spec.md §8).
func New(id int, cfg config.Analyzer, sources []Source, l *learner.Learner, ops spectral.Ops) *Worker {
	w := &Worker{
		id:      id,
		cfg:     cfg,
		sources: sources,
		learner: l,
		ops:     ops,
		rng:     rand.New(rand.NewSource(int64(id) + 1)),
		logger:  slog.Default().With("component", "analyzer", "core", id),
		buffer:  make([]metadata.Record, cfg.MetaPktArrSize),
		results: newResultRing(cfg.ResultBufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if l.FinishLearn() {
		w.centers = l.Centers()
		w.isTrain.Store(false)
		w.detectionStart = time.Now()
	} else {
		w.isTrain.Store(true)
	}

	if cfg.IPVerbose {
		if ip, ok := parseIPv4(cfg.VerboseIPTarget); ok {
			w.ipTarget = ip
			w.ipTargetSet = true
		}
	}
	return w
}

// Run executes the tick loop until Stop is called. It is meant to run in
// its own goroutine, one per owned core.
func (w *Worker) Run() {
	defer close(w.doneCh)

	pause := time.Duration(w.cfg.PauseTimeUs) * time.Microsecond
	if pause <= 0 {
		pause = 50 * time.Millisecond
	}
	ticker := time.NewTicker(pause)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// Stop signals Run to exit and blocks until it has returned.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Stats returns a snapshot of the performance counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Ticks:                 atomic.LoadInt64(&w.stats.Ticks),
		RecordsDrained:        atomic.LoadInt64(&w.stats.RecordsDrained),
		GroupsProcessed:       atomic.LoadInt64(&w.stats.GroupsProcessed),
		GroupsDiscarded:       atomic.LoadInt64(&w.stats.GroupsDiscarded),
		TrainSamplesSubmitted: atomic.LoadInt64(&w.stats.TrainSamplesSubmitted),
		DetectionsScored:      atomic.LoadInt64(&w.stats.DetectionsScored),
	}
}

// Results returns a snapshot of the FlowRecord ring, oldest first.
func (w *Worker) Results() []FlowRecord {
	return w.results.Snapshot()
}

// DetectionStartedAt returns the time this worker transitioned from
// training to detection mode, per spec.md §4.3.e. The zero Time means the
// worker is still training. A worker that started with pre-loaded centers
// reports the time it was constructed.
func (w *Worker) DetectionStartedAt() time.Time {
	w.centersMu.RLock()
	defer w.centersMu.RUnlock()
	return w.detectionStart
}

// tick runs exactly one iteration of the main loop: drain, aggregate,
// per-group pipeline.
func (w *Worker) tick() {
	atomic.AddInt64(&w.stats.Ticks, 1)

	w.drain()
	groups := w.aggregate()

	for _, idxs := range groups {
		if len(idxs) < 2*w.cfg.NFFT {
			atomic.AddInt64(&w.stats.GroupsDiscarded, 1)
			continue
		}
		w.processGroup(idxs)
		atomic.AddInt64(&w.stats.GroupsProcessed, 1)
	}

	// wave_analyze clears the input buffer regardless of outcome, spec.md
	// §4.3.
	w.bufLen = 0
}

// drain pulls up to handoff.DefaultMaxFetch records from each owned source
// into the analyzer's scratch buffer, stopping early if the buffer fills.
func (w *Worker) drain() {
	for _, src := range w.sources {
		if w.bufLen >= len(w.buffer) {
			break
		}
		n := src.DrainUpTo(w.buffer[w.bufLen:], handoff.DefaultMaxFetch)
		w.bufLen += n
		atomic.AddInt64(&w.stats.RecordsDrained, int64(n))
	}
}

// aggregate groups the scratch buffer's first bufLen records by source
// address into per-address index lists, in encounter order.
func (w *Worker) aggregate() map[uint32][]int {
	groups := make(map[uint32][]int)
	for i := 0; i < w.bufLen; i++ {
		addr := w.buffer[i].SrcAddr
		groups[addr] = append(groups[addr], i)
	}
	return groups
}

// processGroup runs the per-group pipeline of spec.md §4.3 on the records
// at the given indices into the analyzer's buffer.
func (w *Worker) processGroup(idxs []int) {
	recs := make([]metadata.Record, len(idxs))
	for i, idx := range idxs {
		recs[i] = w.buffer[idx]
	}

	w.computeInterArrivalDeltas(recs)
	signal := w.encode(recs)

	power := w.ops.STFT(signal, w.cfg.NFFT)
	if len(power) == 0 {
		return
	}
	spectrogram := w.ops.Log2PlusOne(power)
	w.ops.Sanitize(spectrogram)

	addr := recs[0].SrcAddr
	if w.isTrain.Load() {
		w.trainOn(addr, spectrogram)
	} else {
		w.detectOn(addr, spectrogram, len(recs))
	}
}

// computeInterArrivalDeltas rewrites each record's Timestamp in place with
// the inter-arrival delta from its predecessor, back-to-front so every
// subtraction uses an unmodified value, per spec.md §4.3.a.
//
// This assumes recs is already in non-decreasing timestamp order within the
// group. When a single analyzer owns more than one parser, records from
// different parsers are interleaved by drain order, not merged by
// timestamp — so that assumption can be violated, producing a spurious
// negative-then-clamped delta. This is the timestamp-reordering hazard
// flagged in spec.md §9; it is preserved here rather than "fixed" with a
// sort, matching the documented, tested behavior.
func (w *Worker) computeInterArrivalDeltas(recs []metadata.Record) {
	for i := len(recs) - 1; i >= 1; i-- {
		delta := recs[i].Timestamp - recs[i-1].Timestamp
		if delta <= 0 {
			delta = minInterArrival
		}
		recs[i].Timestamp = delta
	}
	recs[0].Timestamp = minInterArrival
}

// encode turns a sequence of records (with Timestamp already rewritten to
// inter-arrival deltas) into the scalar signal the spectral pipeline
// consumes, per spec.md §4.3.b.
func (w *Worker) encode(recs []metadata.Record) []float64 {
	signal := make([]float64, len(recs))
	for i, r := range recs {
		signal[i] = lengthWeight*float64(r.Length) +
			float64(r.Proto)/protoWeightDivisor +
			logWeight*(-math.Log2(r.Timestamp))
	}
	return signal
}

// trainOn implements spec.md §4.3.e's training branch for one address's
// spectrogram.
func (w *Worker) trainOn(addr uint32, spectrogram [][]float64) {
	frames := len(spectrogram)

	if frames > w.cfg.MeanWinTrain+1 && !w.learner.ReachLearn() {
		for i := 0; i < w.cfg.NumTrainSample; i++ {
			maxStart := frames - w.cfg.MeanWinTrain
			start := w.rng.Intn(maxStart + 1)
			sample := w.ops.MeanRows(spectrogram, start, start+w.cfg.MeanWinTrain)
			w.learner.AddTrainData(sample)
			atomic.AddInt64(&w.stats.TrainSamplesSubmitted, 1)
		}
	} else {
		sample := w.ops.MeanRows(spectrogram, 0, frames)
		w.learner.AddTrainData(sample)
		atomic.AddInt64(&w.stats.TrainSamplesSubmitted, 1)
	}

	started, err := w.learner.TryStartTrain()
	if err != nil {
		w.logger.Warn("training failed", "err", err)
	}
	if started {
		w.logger.Info("training triggered", "addr", addr)
	}

	if w.learner.FinishLearn() && w.isTrain.Load() {
		centers := w.learner.Centers()
		w.centersMu.Lock()
		w.centers = centers
		w.detectionStart = time.Now()
		w.centersMu.Unlock()
		w.isTrain.Store(false)
		atomic.StoreInt64(&w.stats.TrainSamplesSubmitted, 0)
		w.logger.Info("entering detection mode", "core", w.id, "centers", len(centers))

		// verbose_center_core tap (spec.md §9): this core prints its learned
		// centers once, on the training→detection transition.
		if w.cfg.CenterVerbose && w.id == w.cfg.VerboseCenterCore {
			w.logger.Info("learned cluster centers", "core", w.id, "centers", centers)
		}
	}
}

// detectOn implements spec.md §4.3.e's detection branch for one address's
// spectrogram, recording the resulting score into the results ring.
func (w *Worker) detectOn(addr uint32, spectrogram [][]float64, count int) {
	w.centersMu.RLock()
	centers := w.centers
	w.centersMu.RUnlock()
	if len(centers) == 0 {
		return
	}

	frames := len(spectrogram)
	var score float64

	if frames > w.cfg.MeanWinTest {
		windows := frames / w.cfg.MeanWinTest
		score = 0
		for i := 0; i < windows; i++ {
			from := i * w.cfg.MeanWinTest
			to := from + w.cfg.MeanWinTest
			mean := w.ops.MeanRows(spectrogram, from, to)
			d := minDistance(mean, centers)
			if d > score {
				score = d
			}
		}
	} else {
		mean := w.ops.MeanRows(spectrogram, 0, frames)
		score = minDistance(mean, centers)
	}

	if score > maxClusterDist {
		score = maxClusterDist
	}

	w.results.Push(FlowRecord{Addr: addr, MinDistance: score, PacketCount: count})
	atomic.AddInt64(&w.stats.DetectionsScored, 1)

	// verbose_ip_target tap (spec.md §9): log every scored packet for one
	// configured source IP.
	if w.ipTargetSet && addr == w.ipTarget {
		w.logger.Info("scored packet for verbose ip target", "addr", addr, "distance", score, "count", count)
	}
}

// parseIPv4 converts a dotted-quad string to the same big-endian uint32
// encoding internal/capture uses for metadata.Record.SrcAddr, so the
// verbose_ip_target tap can compare by value.
func parseIPv4(s string) (uint32, bool) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, false
	}
	b := ip.To4()
	if b == nil {
		return 0, false
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}

// minDistance returns the smallest L2 distance from v to any row of
// centers.
func minDistance(v []float64, centers [][]float64) float64 {
	best := floats.Distance(v, centers[0], 2)
	for i := 1; i < len(centers); i++ {
		d := floats.Distance(v, centers[i], 2)
		if d < best {
			best = d
		}
	}
	return best
}
