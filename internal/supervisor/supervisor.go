// Package supervisor builds the parser/analyzer/learner topology described
// in spec.md §4.5: it partitions the configured core budget, opens capture
// sources, binds analyzers to their owned parsers, starts every worker, and
// tears the pipeline down cleanly on SIGINT/SIGTERM.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/flowsense/whisper/internal/analyzer"
	"github.com/flowsense/whisper/internal/capture"
	"github.com/flowsense/whisper/internal/config"
	"github.com/flowsense/whisper/internal/handoff"
	"github.com/flowsense/whisper/internal/learner"
	"github.com/flowsense/whisper/internal/parser"
	"github.com/flowsense/whisper/internal/spectral"
	"github.com/flowsense/whisper/internal/util/sets"
)

// Supervisor owns the full pipeline: every ParserWorker, every
// AnalyzerWorker, and the shared Learner.
type Supervisor struct {
	cfg      *config.Config
	logger   *slog.Logger
	runID    string
	parsers  []*parser.Worker
	analyzers []*analyzer.Worker
	learner  *learner.Learner
	readers  []capture.Reader
}

// New validates cfg and builds the topology (capture sources, parser/
// analyzer binding, shared learner) without starting any worker yet. Each
// run is tagged with a fresh UUID so operators can correlate a results
// directory with a specific process invocation.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "supervisor: invalid configuration")
	}
	if logger == nil {
		logger = slog.Default()
	}

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)
	logger.Info("starting whisper pipeline")

	s := &Supervisor{cfg: cfg, logger: logger, runID: runID}

	l, err := learner.New(learner.Config{
		ValK:           cfg.Learner.ValK,
		NumTrainData:   cfg.Learner.NumTrainData,
		SaveResult:     cfg.Learner.SaveResult,
		SaveResultFile: cfg.Learner.SaveResultFile,
		LoadResult:     cfg.Learner.LoadResult,
		LoadResultFile: cfg.Learner.LoadResultFile,
		Verbose:        cfg.Learner.Verbose,
		NFFT:           cfg.Analyzer.NFFT,
	}, learner.LloydKMeans{})
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: learner init")
	}
	s.learner = l

	readers, err := openSources(cfg.DPDK)
	if err != nil {
		return nil, err
	}
	s.readers = readers

	parserQueues := assignQueuesToParsers(readers, cfg.DPDK.CoreUseForParser)
	handoffs := make([]*handoff.Handoff, 0, len(parserQueues))
	for i, queues := range parserQueues {
		if len(queues) == 0 {
			s.logger.Warn("parser has empty queue assignment, skipping", "parser", i)
			continue
		}
		h, err := handoff.New(cfg.Parser.MetaPktArrSize)
		if err != nil {
			return nil, errors.Wrap(err, "supervisor: handoff init")
		}
		handoffs = append(handoffs, h)

		verboseInterval := time.Duration(cfg.Parser.VerboseInterval * float64(time.Second))
		pw := parser.New(i, queues, h, cfg.Parser.MaxReceiveBurst, uint8(cfg.Parser.Verbosity()), verboseInterval)
		s.parsers = append(s.parsers, pw)
	}

	groups := assignParsersToAnalyzers(handoffs, cfg.DPDK.CoreUseForAnalyze)
	ops := spectral.GonumOps{}
	for i, owned := range groups {
		if len(owned) == 0 {
			continue
		}
		sources := make([]analyzer.Source, len(owned))
		for j, h := range owned {
			sources[j] = h
		}
		aw := analyzer.New(i, cfg.Analyzer, sources, s.learner, ops)
		s.analyzers = append(s.analyzers, aw)
	}

	return s, nil
}

// openSources opens one capture.Reader per (device, queue) pair named by
// dpdk.DpdkPortVec x dpdk.NumberRxQueue, per SPEC_FULL.md §4.5's
// reinterpretation of DPDK topology. dpdk_port_vec is deduplicated first: a
// device name repeated in the config (a common copy-paste mistake) would
// otherwise open the same NIC/file twice under two different readers.
func openSources(dpdk config.DPDK) ([]capture.Reader, error) {
	names := sets.NewOrderedSet(dpdk.DpdkPortVec...).AsSlice()

	var readers []capture.Reader
	for _, name := range names {
		for q := 0; q < dpdk.NumberRxQueue; q++ {
			r, err := openSource(name)
			if err != nil {
				for _, opened := range readers {
					opened.Close()
				}
				return nil, err
			}
			readers = append(readers, r)
		}
	}
	return readers, nil
}

// openSource opens name as an offline pcap file if it exists on disk,
// otherwise as a live device. This lets the same dpdk_port_vec entry serve
// either a replay file (tests, offline analysis) or a NIC device name.
func openSource(name string) (capture.Reader, error) {
	if _, err := os.Stat(name); err == nil {
		return capture.OpenOffline(name, "")
	}
	return capture.OpenLive(name, "")
}

// assignQueuesToParsers round-robins readers across numParsers slots with
// at-most-one imbalance, per spec.md §4.5.
func assignQueuesToParsers(readers []capture.Reader, numParsers int) [][]capture.Reader {
	if numParsers <= 0 {
		numParsers = 1
	}
	out := make([][]capture.Reader, numParsers)
	for i, r := range readers {
		slot := i % numParsers
		out[slot] = append(out[slot], r)
	}
	return out
}

// assignParsersToAnalyzers binds each analyzer to floor(parsers/analyzers)
// parsers, and the last parsers%analyzers analyzers take one extra each, so
// the remainder is distributed from the tail, per spec.md §4.5.
func assignParsersToAnalyzers(handoffs []*handoff.Handoff, numAnalyzers int) [][]*handoff.Handoff {
	if numAnalyzers <= 0 {
		numAnalyzers = 1
	}
	out := make([][]*handoff.Handoff, numAnalyzers)
	if len(handoffs) == 0 {
		return out
	}

	base := len(handoffs) / numAnalyzers
	remainder := len(handoffs) % numAnalyzers
	idx := 0
	for a := 0; a < numAnalyzers; a++ {
		n := base
		// Remainder distributed from the tail: the last `remainder`
		// analyzers get one extra parser each.
		if a >= numAnalyzers-remainder {
			n++
		}
		out[a] = append(out[a], handoffs[idx:idx+n]...)
		idx += n
	}
	return out
}

// Run starts every worker, blocks until SIGINT/SIGTERM or ctx is canceled,
// then stops workers, prints aggregate statistics, and persists results.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, p := range s.parsers {
		wg.Add(1)
		go func(p *parser.Worker) {
			defer wg.Done()
			p.Run()
		}(p)
	}
	for _, a := range s.analyzers {
		wg.Add(1)
		go func(a *analyzer.Worker) {
			defer wg.Done()
			a.Run()
		}(a)
	}

	<-sigCtx.Done()
	s.logger.Info("stop signal received, shutting down")

	for _, p := range s.parsers {
		p.Stop()
	}
	for _, a := range s.analyzers {
		a.Stop()
	}
	wg.Wait()

	s.printStats()
	return s.persistResults()
}

func (s *Supervisor) printStats() {
	var total parser.Stats
	for _, p := range s.parsers {
		st := p.Stats()
		s.logger.Info("parser stats", "packets", st.PacketsParsed, "bytes", st.BytesParsed,
			"dropped", st.PacketsDropped, "overflows", st.Overflows)
		total.PacketsParsed += st.PacketsParsed
		total.BytesParsed += st.BytesParsed
		total.PacketsDropped += st.PacketsDropped
		total.Overflows += st.Overflows
	}
	var detections int64
	for _, a := range s.analyzers {
		st := a.Stats()
		s.logger.Info("analyzer stats", "ticks", st.Ticks, "drained", st.RecordsDrained,
			"processed", st.GroupsProcessed, "discarded", st.GroupsDiscarded,
			"train_samples", st.TrainSamplesSubmitted, "detections", st.DetectionsScored)
		detections += st.DetectionsScored
	}
	s.logger.Info("aggregate stats", "packets", total.PacketsParsed, "bytes", total.BytesParsed,
		"dropped", total.PacketsDropped, "overflows", total.Overflows, "detections", detections)
}

func (s *Supervisor) persistResults() error {
	if !s.cfg.Analyzer.SaveToFile {
		return nil
	}
	prefix := s.cfg.Analyzer.SaveFilePrefix + s.runID + "_"
	for _, a := range s.analyzers {
		if err := a.WriteResults(s.cfg.Analyzer.SaveDir, prefix); err != nil {
			return errors.Wrap(err, "supervisor: persist results")
		}
	}
	return nil
}

// Close releases every opened capture source. Call after Run returns.
func (s *Supervisor) Close() {
	for _, r := range s.readers {
		r.Close()
	}
}
