package learner

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// LloydKMeans is the Clusterer implementation used when no centers file is
// preloaded. No packaged k-means library appears anywhere in the retrieved
// example corpus (no go.mod in the pack requires one), so this implements
// Lloyd's algorithm directly with k-means++ seeding, using
// gonum.org/v1/gonum/floats for the per-iteration vector arithmetic. See
// DESIGN.md for the corpus search that justifies the hand-rolled loop.
type LloydKMeans struct {
	// MaxIterations caps the refinement loop. Zero selects a sane default.
	MaxIterations int
	// Rand supplies randomness for seeding; nil selects a new source seeded
	// with 1 on each Fit call, so such fits are deterministic.
	Rand *rand.Rand
}

var _ Clusterer = LloydKMeans{}

const defaultMaxIterations = 100

// Fit clusters samples into k centers. It returns an error if there are
// fewer samples than k or if any sample has a different dimensionality than
// the first.
func (l LloydKMeans) Fit(samples [][]float64, k int) ([][]float64, error) {
	if k <= 0 {
		return nil, errors.New("kmeans: k must be positive")
	}
	if len(samples) < k {
		return nil, errors.Errorf("kmeans: %d samples is fewer than k=%d", len(samples), k)
	}
	dim := len(samples[0])
	for _, s := range samples {
		if len(s) != dim {
			return nil, errors.New("kmeans: ragged sample dimensionality")
		}
	}

	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	rng := l.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	centers := seedPlusPlus(samples, k, rng)
	assignments := make([]int, len(samples))

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, s := range samples {
			best := nearestCenter(s, centers)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, s := range samples {
			c := assignments[i]
			floats.Add(sums[c], s)
			counts[c]++
		}

		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Re-seed an empty cluster from the farthest sample, so a
				// center never silently collapses to zero.
				centers[c] = farthestSample(samples, centers)
				continue
			}
			floats.Scale(1.0/float64(counts[c]), sums[c])
			centers[c] = sums[c]
		}

		if !changed && iter > 0 {
			break
		}
	}

	return centers, nil
}

func nearestCenter(s []float64, centers [][]float64) int {
	best := 0
	bestDist := floats.Distance(s, centers[0], 2)
	for i := 1; i < len(centers); i++ {
		d := floats.Distance(s, centers[i], 2)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func farthestSample(samples, centers [][]float64) []float64 {
	var best []float64
	bestDist := -1.0
	for _, s := range samples {
		d := floats.Distance(s, centers[nearestCenter(s, centers)], 2)
		if d > bestDist {
			bestDist = d
			best = s
		}
	}
	cp := make([]float64, len(best))
	copy(cp, best)
	return cp
}

// seedPlusPlus picks k initial centers using k-means++: the first is
// uniform random, each subsequent one is chosen with probability
// proportional to its squared distance from the nearest already-chosen
// center.
func seedPlusPlus(samples [][]float64, k int, rng *rand.Rand) [][]float64 {
	centers := make([][]float64, 0, k)
	first := cloneRow(samples[rng.Intn(len(samples))])
	centers = append(centers, first)

	dist := make([]float64, len(samples))
	for len(centers) < k {
		var total float64
		for i, s := range samples {
			d := floats.Distance(s, centers[nearestCenter(s, centers)], 2)
			dist[i] = d * d
			total += dist[i]
		}

		if total == 0 {
			// All remaining samples coincide with a chosen center; fall
			// back to uniform pick to keep seeding progressing.
			centers = append(centers, cloneRow(samples[rng.Intn(len(samples))]))
			continue
		}

		target := rng.Float64() * total
		var acc float64
		chosen := len(samples) - 1
		for i, d := range dist {
			acc += d
			if acc >= target {
				chosen = i
				break
			}
		}
		centers = append(centers, cloneRow(samples[chosen]))
	}
	return centers
}

func cloneRow(row []float64) []float64 {
	cp := make([]float64, len(row))
	copy(cp, row)
	return cp
}
