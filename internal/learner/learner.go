// Package learner implements the shared, one-shot clustering state machine
// described in spec.md §4.4: analyzers feed training samples in, exactly
// one of them triggers the fit, and all of them read the resulting centers
// afterward without synchronization.
package learner

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Clusterer is the second capability boundary named in spec.md §9: any
// algorithm that can fit k centers to a set of samples may be substituted.
type Clusterer interface {
	Fit(samples [][]float64, k int) (centers [][]float64, err error)
}

// Config mirrors spec.md §6's "Learner" JSON section, plus NFFT threaded in
// from the Analyzer section so a loaded centers file can be validated
// against the spectral pipeline's actual column width (spec.md §6: "Dimensions
// must match val_K and the analyzer's n_fft at load time").
type Config struct {
	ValK           int
	NumTrainData   int
	SaveResult     bool
	SaveResultFile string
	LoadResult     bool
	LoadResultFile string
	Verbose        bool

	// NFFT is the analyzer's configured FFT window size. A loaded centers
	// file's row width must equal NFFT/2+1, the STFT bin count. NFFT <= 0
	// skips the column-width check (used by tests that only exercise the K
	// dimension).
	NFFT int
}

// Learner is the shared accumulator and one-shot clusterer. It is safe for
// concurrent use by multiple AnalyzerWorkers.
//
// Two independent locks guard it, matching spec.md §4.4 exactly:
//   - dataMu serializes appends to trainSet.
//   - learnMu serializes the "who starts training" decision, guaranteeing
//     startTrainLocked runs at most once.
//
// startLearn/finishLearn are atomic.Bool flags written under learnMu (or in
// New, before the Learner is shared); spec.md §5 explicitly tolerates readers observing them without
// locking (staleness delays the transition by at most one tick), so reads
// go through atomic.Bool for a torn-free peek without taking learnMu.
type Learner struct {
	cfg       Config
	clusterer Clusterer

	dataMu   sync.Mutex
	trainSet [][]float64

	learnMu     sync.Mutex
	startLearn  atomic.Bool
	finishLearn atomic.Bool

	resultMu sync.RWMutex
	centers  [][]float64
}

// New constructs a Learner. If cfg.LoadResult is set, centers are loaded
// immediately and the state machine starts already finished, matching
// spec.md §4.4's "pre-loaded from disk" path.
func New(cfg Config, clusterer Clusterer) (*Learner, error) {
	l := &Learner{cfg: cfg, clusterer: clusterer}

	if cfg.LoadResult {
		centers, err := loadCenters(cfg.LoadResultFile, cfg.ValK, cfg.NFFT)
		if err != nil {
			return nil, errors.Wrap(err, "learner: load centers")
		}
		l.resultMu.Lock()
		l.centers = centers
		l.resultMu.Unlock()
		l.startLearn.Store(true)
		l.finishLearn.Store(true)
	}

	return l, nil
}

// AddTrainData appends a single sample under dataMu.
func (l *Learner) AddTrainData(sample []float64) {
	l.dataMu.Lock()
	l.trainSet = append(l.trainSet, sample)
	l.dataMu.Unlock()
}

// AddTrainBatch appends a batch of samples under dataMu.
func (l *Learner) AddTrainBatch(samples [][]float64) {
	l.dataMu.Lock()
	l.trainSet = append(l.trainSet, samples...)
	l.dataMu.Unlock()
}

// ReachLearn reports whether the training quota has been met, or centers
// were preloaded from disk.
func (l *Learner) ReachLearn() bool {
	if l.cfg.LoadResult {
		return true
	}
	l.dataMu.Lock()
	n := len(l.trainSet)
	l.dataMu.Unlock()
	return n > l.cfg.NumTrainData
}

// StartLearn reports whether training has been triggered.
func (l *Learner) StartLearn() bool { return l.startLearn.Load() }

// FinishLearn reports whether centers are ready.
func (l *Learner) FinishLearn() bool { return l.finishLearn.Load() }

// TryStartTrain is the election step from spec.md §4.4's scenario 4: it
// takes learnMu, and if the quota is reached and training has not yet
// started, runs startTrainLocked and returns true. Exactly one caller across all
// concurrent analyzers will see the election succeed.
func (l *Learner) TryStartTrain() (started bool, err error) {
	l.learnMu.Lock()
	defer l.learnMu.Unlock()

	if !l.ReachLearn() || l.startLearn.Load() {
		return false, nil
	}
	if err := l.startTrainLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// startTrainLocked runs k-means over the accumulated samples and stores the
// resulting centers. Callers must hold learnMu.
func (l *Learner) startTrainLocked() error {
	l.startLearn.Store(true)

	if l.cfg.LoadResult {
		// Centers were already loaded in New; nothing further to do.
		return nil
	}

	l.dataMu.Lock()
	samples := make([][]float64, len(l.trainSet))
	copy(samples, l.trainSet)
	l.dataMu.Unlock()

	if len(samples) == 0 {
		return errors.New("learner: configuration for learner not found (empty training set)")
	}

	centers, err := l.clusterer.Fit(samples, l.cfg.ValK)
	if err != nil {
		return errors.Wrap(err, "learner: k-means fit")
	}

	l.resultMu.Lock()
	l.centers = centers
	l.resultMu.Unlock()

	l.finishLearn.Store(true)

	if l.cfg.SaveResult {
		if err := saveCenters(l.cfg.SaveResultFile, centers); err != nil {
			return errors.Wrap(err, "learner: save centers")
		}
	}
	return nil
}

// Centers returns a defensive copy of the cluster centers. After
// FinishLearn() is true, this is immutable and may be called from any
// goroutine without further synchronization beyond the RWMutex's read lock.
func (l *Learner) Centers() [][]float64 {
	l.resultMu.RLock()
	defer l.resultMu.RUnlock()

	out := make([][]float64, len(l.centers))
	for i, row := range l.centers {
		cp := make([]float64, len(row))
		copy(cp, row)
		out[i] = cp
	}
	return out
}

// K returns the configured number of cluster centers.
func (l *Learner) K() int { return l.cfg.ValK }

// loadCenters reads and validates a saved centers file. Dimensions must
// match both k (the row count) and nFFT/2+1 (the column count, the STFT bin
// width) — spec.md §6 requires both, and spec.md §7 lists a centers-file
// dimension mismatch of either kind as Fatal. nFFT <= 0 skips the column
// check.
func loadCenters(path string, k, nFFT int) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %q", path)
	}
	var centers [][]float64
	if err := json.Unmarshal(data, &centers); err != nil {
		return nil, errors.Wrapf(err, "parse %q", path)
	}
	if len(centers) != k {
		return nil, errors.Errorf("cluster centers number mismatch: file has %d, want %d", len(centers), k)
	}
	if nFFT > 0 {
		wantCols := nFFT/2 + 1
		for i, row := range centers {
			if len(row) != wantCols {
				return nil, errors.Errorf("cluster center %d column mismatch: file has %d, want %d (n_fft/2+1)", i, len(row), wantCols)
			}
		}
	}
	return centers, nil
}

func saveCenters(path string, centers [][]float64) error {
	data, err := json.Marshal(centers)
	if err != nil {
		return errors.Wrap(err, "marshal centers")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %q", path)
	}
	return nil
}
