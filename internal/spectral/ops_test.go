package spectral

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSTFTShape(t *testing.T) {
	nFFT := 8
	signal := make([]float64, 40)
	for i := range signal {
		signal[i] = float64(i)
	}

	ops := GonumOps{}
	spec := ops.STFT(signal, nFFT)
	require.NotEmpty(t, spec)
	for _, row := range spec {
		require.Len(t, row, nFFT/2+1)
	}
}

func TestSTFTTooShortSignal(t *testing.T) {
	ops := GonumOps{}
	require.Nil(t, ops.STFT([]float64{1, 2, 3}, 8))
}

func TestConstantSignalProducesConstantSpectrogram(t *testing.T) {
	// Scenario 5 from spec.md §8: a constant input produces a constant
	// spectrogram, so non-overlapping windows produce equal means.
	nFFT := 8
	signal := make([]float64, 200)
	for i := range signal {
		signal[i] = 3.0
	}

	ops := GonumOps{}
	spec := ops.STFT(signal, nFFT)
	spec = ops.Log2PlusOne(spec)
	require.True(t, len(spec) >= 2)

	first := spec[0]
	for _, row := range spec {
		for j, v := range row {
			require.InDelta(t, first[j], v, 1e-9)
		}
	}
}

func TestLog2PlusOneAndSanitize(t *testing.T) {
	ops := GonumOps{}
	m := [][]float64{{0, 3, math.NaN()}, {math.Inf(1), math.Inf(-1), -1}}

	log := ops.Log2PlusOne(m)
	require.InDelta(t, 0, log[0][0], 1e-9)
	require.InDelta(t, 2, log[0][1], 1e-9) // log2(3+1) = 2

	ops.Sanitize(log)
	for _, row := range log {
		for _, v := range row {
			require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}
}

func TestMeanRows(t *testing.T) {
	ops := GonumOps{}
	rows := [][]float64{
		{1, 1},
		{3, 3},
		{5, 5},
	}
	mean := ops.MeanRows(rows, 0, 3)
	require.InDeltaSlice(t, []float64{3, 3}, mean, 1e-9)

	mean2 := ops.MeanRows(rows, 1, 3)
	require.InDeltaSlice(t, []float64{4, 4}, mean2, 1e-9)
}
