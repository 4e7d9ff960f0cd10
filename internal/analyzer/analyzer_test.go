package analyzer

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowsense/whisper/internal/config"
	"github.com/flowsense/whisper/internal/learner"
	"github.com/flowsense/whisper/internal/metadata"
)

// sliceSource is a test Source backed by a plain slice, so analyzer tests
// don't need a real handoff.Handoff.
type sliceSource struct {
	recs []metadata.Record
}

func (s *sliceSource) DrainUpTo(dst []metadata.Record, maxFetch int) int {
	n := len(s.recs)
	if n > maxFetch {
		n = maxFetch
	}
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, s.recs[:n])
	s.recs = s.recs[n:]
	return n
}

// identityOps is a deterministic, trivially invertible spectral.Ops stand-in
// so analyzer tests can assert on exact numbers instead of real FFT output.
// STFT returns one "frame" per nFFT-sized chunk of signal, with the chunk
// itself as the row (padded/truncated isn't needed since tests size signals
// as exact multiples).
type identityOps struct{}

func (identityOps) STFT(signal []float64, nFFT int) [][]float64 {
	var out [][]float64
	for start := 0; start+nFFT <= len(signal); start += nFFT {
		row := make([]float64, nFFT)
		copy(row, signal[start:start+nFFT])
		out = append(out, row)
	}
	return out
}

func (identityOps) Log2PlusOne(power [][]float64) [][]float64 {
	out := make([][]float64, len(power))
	for i, row := range power {
		newRow := make([]float64, len(row))
		copy(newRow, row)
		out[i] = newRow
	}
	return out
}

func (identityOps) Sanitize(m [][]float64) {
	for _, row := range m {
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				row[j] = 0
			}
		}
	}
}

func (identityOps) MeanRows(rows [][]float64, from, to int) []float64 {
	nCols := len(rows[0])
	acc := make([]float64, nCols)
	for i := from; i < to; i++ {
		for j, v := range rows[i] {
			acc[j] += v
		}
	}
	for j := range acc {
		acc[j] /= float64(to - from)
	}
	return acc
}

func testAnalyzerConfig() config.Analyzer {
	return config.Analyzer{
		NFFT:             4,
		MeanWinTrain:     2,
		MeanWinTest:      2,
		NumTrainSample:   3,
		PauseTimeUs:      1000,
		MetaPktArrSize:   1024,
		ResultBufferSize: 8,
	}
}

func makeRecords(n int, addr uint32) []metadata.Record {
	recs := make([]metadata.Record, n)
	for i := range recs {
		recs[i] = metadata.Record{
			SrcAddr:   addr,
			Proto:     metadata.ProtoTCPSyn,
			Length:    uint16(40 + i),
			Timestamp: float64(i) * 0.01,
		}
	}
	return recs
}

func TestAggregateGroupsBySourceAddress(t *testing.T) {
	src := &sliceSource{recs: append(makeRecords(3, 1), makeRecords(2, 2)...)}
	l, err := learner.New(learner.Config{ValK: 1, NumTrainData: 1000}, learner.LloydKMeans{})
	require.NoError(t, err)

	w := New(1, testAnalyzerConfig(), []Source{src}, l, identityOps{})
	w.drain()
	groups := w.aggregate()

	require.Len(t, groups[1], 3)
	require.Len(t, groups[2], 2)
}

func TestPartialGroupDiscarded(t *testing.T) {
	// nFFT=4 requires groups of at least 8 records; 5 records is partial.
	src := &sliceSource{recs: makeRecords(5, 1)}
	l, err := learner.New(learner.Config{ValK: 1, NumTrainData: 1000}, learner.LloydKMeans{})
	require.NoError(t, err)

	w := New(1, testAnalyzerConfig(), []Source{src}, l, identityOps{})
	w.tick()

	stats := w.Stats()
	require.Equal(t, int64(0), stats.GroupsProcessed)
	require.Equal(t, int64(1), stats.GroupsDiscarded)
}

func TestInterArrivalDeltaClampAndFirstSample(t *testing.T) {
	recs := []metadata.Record{
		{Timestamp: 1.0},
		{Timestamp: 1.5},
		{Timestamp: 1.4}, // non-monotonic: produces a non-positive delta, clamped
		{Timestamp: 3.0},
	}
	w := &Worker{}
	w.computeInterArrivalDeltas(recs)

	require.Equal(t, minInterArrival, recs[0].Timestamp)
	require.InDelta(t, 0.5, recs[1].Timestamp, 1e-9)
	require.Equal(t, minInterArrival, recs[2].Timestamp) // 1.4-1.5 < 0, clamped
	require.InDelta(t, 1.6, recs[3].Timestamp, 1e-9)
}

func TestEncodeFormula(t *testing.T) {
	w := &Worker{}
	recs := []metadata.Record{
		{Length: 100, Proto: metadata.ProtoUDP, Timestamp: 0.01},
	}
	signal := w.encode(recs)
	require.Len(t, signal, 1)

	want := lengthWeight*100 + float64(metadata.ProtoUDP)/protoWeightDivisor + logWeight*(-math.Log2(0.01))
	require.InDelta(t, want, signal[0], 1e-9)
}

func TestTrainingTransitionsToDetectionAfterQuota(t *testing.T) {
	cfg := testAnalyzerConfig()
	cfg.NFFT = 2
	cfg.MeanWinTrain = 2
	cfg.NumTrainSample = 2

	l, err := learner.New(learner.Config{ValK: 1, NumTrainData: 2}, learner.LloydKMeans{})
	require.NoError(t, err)

	w := New(1, cfg, nil, l, identityOps{})
	require.True(t, w.isTrain.Load())

	// Build a group of 8 constant-ish records so STFT(identityOps) produces
	// 4 frames of length nFFT=2, well above mean_win_train+1=3.
	recs := makeRecords(8, 42)
	for i := range recs {
		recs[i].Timestamp = float64(i+1) * 0.1
	}
	w.processGroup(indicesInto(w, recs))

	// The first group submits NumTrainSample=2 samples; ReachLearn needs
	// strictly more than NumTrainData=2, so the quota is not reached yet.
	require.False(t, l.ReachLearn())

	// Drive a couple more ticks worth of group processing so TryStartTrain
	// and the finish-learn transition both get a chance to run.
	for i := 0; i < 3 && w.isTrain.Load(); i++ {
		recs2 := makeRecords(8, 42)
		for j := range recs2 {
			recs2[j].Timestamp = float64(j+1) * 0.1
		}
		w.processGroup(indicesInto(w, recs2))
	}

	require.False(t, w.isTrain.Load())
	require.True(t, l.FinishLearn())
}

// indicesInto copies recs into w's scratch buffer starting at offset 0 and
// returns the indices they occupy, so tests can call processGroup directly
// without going through drain/aggregate.
func indicesInto(w *Worker, recs []metadata.Record) []int {
	idxs := make([]int, len(recs))
	for i, r := range recs {
		w.buffer[i] = r
		idxs[i] = i
	}
	return idxs
}

func TestDetectionScoresAndClamps(t *testing.T) {
	cfg := testAnalyzerConfig()
	cfg.NFFT = 2
	cfg.MeanWinTest = 2

	l, err := learner.New(learner.Config{ValK: 1, NumTrainData: 1000000}, learner.LloydKMeans{})
	require.NoError(t, err)

	w := New(1, cfg, nil, l, identityOps{})
	w.isTrain.Store(false)
	w.centers = [][]float64{{0, 0}}

	recs := makeRecords(8, 7)
	for i := range recs {
		recs[i].Timestamp = float64(i+1) * 0.1
	}
	w.processGroup(indicesInto(w, recs))

	results := w.Results()
	require.Len(t, results, 1)
	require.Equal(t, uint32(7), results[0].Addr)
	require.Equal(t, 8, results[0].PacketCount)
	require.True(t, results[0].MinDistance >= 0 && results[0].MinDistance <= maxClusterDist)
}

// captureLogs installs a slog default logger writing to an in-memory
// buffer for the duration of the test, restoring the previous default on
// cleanup.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestVerboseIPTargetTapLogsMatchingAddr(t *testing.T) {
	buf := captureLogs(t)

	cfg := testAnalyzerConfig()
	cfg.NFFT = 2
	cfg.MeanWinTest = 2
	cfg.IPVerbose = true
	cfg.VerboseIPTarget = "0.0.0.7"

	l, err := learner.New(learner.Config{ValK: 1, NumTrainData: 1000000}, learner.LloydKMeans{})
	require.NoError(t, err)

	w := New(1, cfg, nil, l, identityOps{})
	require.True(t, w.ipTargetSet)
	require.Equal(t, uint32(7), w.ipTarget)

	w.isTrain.Store(false)
	w.centers = [][]float64{{0, 0}}

	recs := makeRecords(8, 7)
	for i := range recs {
		recs[i].Timestamp = float64(i+1) * 0.1
	}
	w.processGroup(indicesInto(w, recs))

	require.Contains(t, buf.String(), "scored packet for verbose ip target")
}

func TestVerboseIPTargetTapSilentOnMismatch(t *testing.T) {
	buf := captureLogs(t)

	cfg := testAnalyzerConfig()
	cfg.NFFT = 2
	cfg.MeanWinTest = 2
	cfg.IPVerbose = true
	cfg.VerboseIPTarget = "0.0.0.99"

	l, err := learner.New(learner.Config{ValK: 1, NumTrainData: 1000000}, learner.LloydKMeans{})
	require.NoError(t, err)

	w := New(1, cfg, nil, l, identityOps{})
	w.isTrain.Store(false)
	w.centers = [][]float64{{0, 0}}

	recs := makeRecords(8, 7)
	for i := range recs {
		recs[i].Timestamp = float64(i+1) * 0.1
	}
	w.processGroup(indicesInto(w, recs))

	require.NotContains(t, buf.String(), "scored packet for verbose ip target")
}

func TestVerboseCenterCoreTapLogsOnTransition(t *testing.T) {
	buf := captureLogs(t)

	cfg := testAnalyzerConfig()
	cfg.NFFT = 2
	cfg.MeanWinTrain = 2
	cfg.NumTrainSample = 2
	cfg.CenterVerbose = true
	cfg.VerboseCenterCore = 2

	l, err := learner.New(learner.Config{ValK: 1, NumTrainData: 2}, learner.LloydKMeans{})
	require.NoError(t, err)

	w := New(2, cfg, nil, l, identityOps{})

	recs := makeRecords(8, 42)
	for i := range recs {
		recs[i].Timestamp = float64(i+1) * 0.1
	}
	w.processGroup(indicesInto(w, recs))

	for i := 0; i < 3 && w.isTrain.Load(); i++ {
		recs2 := makeRecords(8, 42)
		for j := range recs2 {
			recs2[j].Timestamp = float64(j+1) * 0.1
		}
		w.processGroup(indicesInto(w, recs2))
	}

	require.True(t, l.FinishLearn())
	require.Contains(t, buf.String(), "learned cluster centers")
}

func TestResultRingOverwritesOnWrap(t *testing.T) {
	r := newResultRing(2)
	r.Push(FlowRecord{Addr: 1})
	r.Push(FlowRecord{Addr: 2})
	r.Push(FlowRecord{Addr: 3})

	snap := r.Snapshot()
	require.Equal(t, []FlowRecord{{Addr: 2}, {Addr: 3}}, snap)
}

func TestWriteResultsRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w := &Worker{id: 3, results: newResultRing(4)}
	w.results.Push(FlowRecord{Addr: 1, MinDistance: 2.5, PacketCount: 7})
	w.results.Push(FlowRecord{Addr: 2, MinDistance: 3.5, PacketCount: 8})

	require.NoError(t, w.WriteResults(dir, "results_core"))

	data, err := os.ReadFile(dir + "/results_core3.json")
	require.NoError(t, err)

	var doc struct {
		Results [][3]float64 `json:"Results"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, [][3]float64{{1, 2.5, 7}, {2, 3.5, 8}}, doc.Results)
}
