// Package spectral implements the SpectralOps capability boundary named in
// spec.md §9: short-time Fourier transform, log-compression, and the row
// reductions the analyzer's training/detection branches need. It is backed
// by gonum.org/v1/gonum/dsp/fourier and gonum.org/v1/gonum/floats so the
// numerical core rides on the corpus's numerical library rather than
// hand-rolled transform code.
package spectral

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Ops is the capability boundary: any implementation satisfying it may be
// substituted for the analyzer's spectral pipeline.
type Ops interface {
	// STFT returns the power spectrogram of signal as a (frames, nFFT/2+1)
	// matrix, using a hop length of nFFT/4 (matching the reference
	// implementation's default windowing) and no centering pad.
	STFT(signal []float64, nFFT int) [][]float64
	// Log2PlusOne applies log2(x+1) element-wise, returning a new matrix.
	Log2PlusOne(power [][]float64) [][]float64
	// Sanitize replaces NaN/Inf with 0 in place.
	Sanitize(m [][]float64)
	// MeanRows returns the column-wise mean of rows [from, to).
	MeanRows(rows [][]float64, from, to int) []float64
}

// GonumOps is the default Ops implementation.
type GonumOps struct{}

var _ Ops = GonumOps{}

// STFT computes the short-time power spectrogram of signal using
// non-centered, rectangular-windowed frames of size nFFT with hop nFFT/4.
// Each frame's squared-magnitude FFT coefficients form one row of the
// returned (frames, nFFT/2+1) matrix.
func (GonumOps) STFT(signal []float64, nFFT int) [][]float64 {
	if nFFT <= 0 || len(signal) < nFFT {
		return nil
	}

	hop := nFFT / 4
	if hop < 1 {
		hop = 1
	}

	fft := fourier.NewFFT(nFFT)
	nBins := nFFT/2 + 1

	var out [][]float64
	frame := make([]float64, nFFT)
	for start := 0; start+nFFT <= len(signal); start += hop {
		copy(frame, signal[start:start+nFFT])
		coeffs := fft.Coefficients(nil, frame)

		row := make([]float64, nBins)
		for i := 0; i < nBins && i < len(coeffs); i++ {
			c := coeffs[i]
			row[i] = real(c)*real(c) + imag(c)*imag(c)
		}
		out = append(out, row)
	}
	return out
}

// Log2PlusOne applies log2(x+1) element-wise.
func (GonumOps) Log2PlusOne(power [][]float64) [][]float64 {
	out := make([][]float64, len(power))
	for i, row := range power {
		newRow := make([]float64, len(row))
		for j, v := range row {
			newRow[j] = math.Log2(v + 1)
		}
		out[i] = newRow
	}
	return out
}

// Sanitize replaces NaN/Inf with 0 in place, matching the contract that a
// distance is always finite (spec.md §4.3).
func (GonumOps) Sanitize(m [][]float64) {
	for _, row := range m {
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				row[j] = 0
			}
		}
	}
}

// MeanRows returns the column-wise mean of rows[from:to]. Panics if the
// range is invalid or rows is empty, matching callers that have already
// checked bounds (spec.md's per-group pipeline only calls this on non-empty
// spectrograms).
func (GonumOps) MeanRows(rows [][]float64, from, to int) []float64 {
	nCols := len(rows[0])
	acc := make([]float64, nCols)
	n := to - from
	for i := from; i < to; i++ {
		floats.Add(acc, rows[i])
	}
	floats.Scale(1.0/float64(n), acc)
	return acc
}
