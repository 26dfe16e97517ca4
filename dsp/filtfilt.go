package dsp

import "github.com/pkg/errors"

// FiltFilt applies sos forward and then backward over x so the result has no
// phase lag. Both ends are extended by padLen samples of odd reflection, and
// each pass starts from the steady state of its first sample.
func FiltFilt(sos SOS, x []float64, padLen int) ([]float64, error) {
	if len(sos) == 0 {
		return nil, errors.New("filter has no sections")
	}
	if padLen < 0 {
		return nil, errors.Errorf("pad length must not be negative, got %d", padLen)
	}
	if len(x) <= padLen {
		return nil, errors.Errorf("input has %d samples, must be longer than pad length %d", len(x), padLen)
	}

	ext := oddExtend(x, padLen)
	sos.filter(ext, ext[0])
	reverse(ext)
	sos.filter(ext, ext[0])
	reverse(ext)

	out := make([]float64, len(x))
	copy(out, ext[padLen:padLen+len(x)])
	return out, nil
}

func oddExtend(x []float64, n int) []float64 {
	last := len(x) - 1
	ext := make([]float64, 0, len(x)+2*n)
	for i := n; i >= 1; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := 1; i <= n; i++ {
		ext = append(ext, 2*x[last]-x[last-i])
	}
	return ext
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
