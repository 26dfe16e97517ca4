package dsp

// Peak is a local maximum of a sampled curve.
type Peak struct {
	Index int
	Value float64
}

// FindPeaks returns every local maximum of x in sample order. A flat top is
// reported once, at the middle of the plateau (rounded down). The first and
// last samples are never peaks.
func FindPeaks(x []float64) []Peak {
	var peaks []Peak
	last := len(x) - 1
	for i := 1; i < last; {
		if x[i-1] >= x[i] {
			i++
			continue
		}
		ahead := i + 1
		for ahead < last && x[ahead] == x[i] {
			ahead++
		}
		if x[ahead] < x[i] {
			mid := (i + ahead - 1) / 2
			peaks = append(peaks, Peak{Index: mid, Value: x[mid]})
		}
		i = ahead
	}
	return peaks
}

// TwoPeaks picks the global maximum of peaks as the first peak and the largest
// of the remaining peaks with a different value as the second. ok is false when
// fewer than two distinct peaks exist.
func TwoPeaks(peaks []Peak) (first, second Peak, ok bool) {
	if len(peaks) < 2 {
		return Peak{}, Peak{}, false
	}
	first = peaks[0]
	for _, p := range peaks[1:] {
		if p.Value > first.Value {
			first = p
		}
	}
	found := false
	for _, p := range peaks {
		if p.Value == first.Value {
			continue
		}
		if !found || p.Value > second.Value {
			second = p
			found = true
		}
	}
	return first, second, found
}
