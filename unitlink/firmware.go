package unitlink

import (
	"fmt"
	"strconv"
	"strings"
)

// Firmware is a unit's firmware version string, e.g. "v3.2.1-v4". The "-vN"
// suffix names the main board hardware revision.
type Firmware string

// Major returns the leading version number, if one can be parsed.
func (f Firmware) Major() (int, bool) {
	s := strings.TrimPrefix(strings.TrimSpace(string(f)), "v")
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Legacy reports whether the firmware predates the streaming protocol (v3).
func (f Firmware) Legacy() bool {
	if major, ok := f.Major(); ok {
		return major < 3
	}
	return string(f) < "v3"
}

// HasHardwareID reports whether the version carries a "-vN" board suffix.
func (f Firmware) HasHardwareID() bool {
	return strings.Contains(string(f), "-v")
}

// Board reports whether the version names board revision n.
func (f Firmware) Board(n int) bool {
	return strings.Contains(string(f), fmt.Sprintf("-v%d", n))
}

// CurrentSensing reports whether the board revision can measure motor and
// charger currents.
func (f Firmware) CurrentSensing() bool {
	return f.Board(4) || f.Board(5)
}

func (f Firmware) String() string { return string(f) }
