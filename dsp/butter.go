package dsp

import (
	"math"

	"github.com/pkg/errors"
)

// Biquad is one second-order section in direct form, normalized so A[0] == 1.
type Biquad struct {
	B [3]float64
	A [3]float64
}

// SOS is a cascade of second-order sections.
type SOS []Biquad

// Butterworth designs a low-pass Butterworth filter of the given order as
// second-order sections. cutoff and fs are in Hz. The bilinear transform is
// prewarped at the cutoff so the -3 dB point lands exactly on it.
func Butterworth(order int, cutoff, fs float64) (SOS, error) {
	if order < 1 {
		return nil, errors.Errorf("filter order must be positive, got %d", order)
	}
	if fs <= 0 || cutoff <= 0 || cutoff >= fs/2 {
		return nil, errors.Errorf("cutoff %v Hz must be between 0 and nyquist (%v Hz)", cutoff, fs/2)
	}
	k := math.Tan(math.Pi * cutoff / fs)
	k2 := k * k

	var sos SOS
	for i := 0; i < order/2; i++ {
		q := -1 / (2 * math.Cos(math.Pi*float64(2*i+order+1)/float64(2*order)))
		norm := 1 / (1 + k/q + k2)
		b0 := k2 * norm
		sos = append(sos, Biquad{
			B: [3]float64{b0, 2 * b0, b0},
			A: [3]float64{1, 2 * (k2 - 1) * norm, (1 - k/q + k2) * norm},
		})
	}
	if order%2 == 1 {
		norm := 1 / (1 + k)
		sos = append(sos, Biquad{
			B: [3]float64{k * norm, k * norm, 0},
			A: [3]float64{1, (k - 1) * norm, 0},
		})
	}
	return sos, nil
}

// steadyState returns the initial delay-line state of one section for a unit
// step input, the state that makes the output start without a transient.
func (s Biquad) steadyState() [2]float64 {
	b0, b1, b2 := s.B[0], s.B[1], s.B[2]
	a1, a2 := s.A[1], s.A[2]
	u0 := b1 - a1*b0
	u1 := b2 - a2*b0
	z0 := (u0 + u1) / (1 + a1 + a2)
	return [2]float64{z0, u1 - a2*z0}
}

func (s Biquad) dcGain() float64 {
	return (s.B[0] + s.B[1] + s.B[2]) / (s.A[0] + s.A[1] + s.A[2])
}

// initialState returns the per-section state for a steady input of 1.
func (sos SOS) initialState() [][2]float64 {
	zi := make([][2]float64, len(sos))
	scale := 1.0
	for i, s := range sos {
		ss := s.steadyState()
		zi[i] = [2]float64{scale * ss[0], scale * ss[1]}
		scale *= s.dcGain()
	}
	return zi
}

// filter runs the cascade over x in place using transposed direct form II,
// starting from state zi scaled by x0.
func (sos SOS) filter(x []float64, x0 float64) {
	zi := sos.initialState()
	for i := range zi {
		zi[i][0] *= x0
		zi[i][1] *= x0
	}
	for n, v := range x {
		for i, s := range sos {
			y := s.B[0]*v + zi[i][0]
			zi[i][0] = s.B[1]*v - s.A[1]*y + zi[i][1]
			zi[i][1] = s.B[2]*v - s.A[2]*y
			v = y
		}
		x[n] = v
	}
}
