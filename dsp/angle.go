package dsp

// FullCircle is one revolution in centidegrees.
const FullCircle = 36000

// Normalize maps any centidegree value into [0, 36000).
func Normalize(angle int) int {
	angle %= FullCircle
	if angle < 0 {
		angle += FullCircle
	}
	return angle
}

// AngleDelta returns the forward step between two consecutive positions in
// centidegrees. A step from the last quadrant into the first is a wrap and is
// measured across 0; a step from the first quadrant back into the last is
// reported as a negative jump.
func AngleDelta(prev, next int) int {
	switch {
	case prev >= 27000 && next <= 9000:
		return next + FullCircle - prev
	case prev <= 9000 && next >= 27000:
		return next - FullCircle - prev
	default:
		return next - prev
	}
}

// Distance is the shortest angular separation between a and b, in [0, 18000].
func Distance(a, b int) int {
	d := Normalize(a - b)
	if d > FullCircle/2 {
		d = FullCircle - d
	}
	return d
}
