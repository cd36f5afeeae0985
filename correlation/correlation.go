// Package correlation provides request correlation IDs and a clock
// abstraction so time-dependent logic stays testable.
package correlation

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// NewID returns a random 16-hex-char correlation ID threaded through all
// logs and operations for one job.
func NewID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to a time-derived ID rather than panicking.
		return hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:16]
	}
	return hex.EncodeToString(b)
}

// Clock abstracts wall-clock reads for components that schedule against
// absolute times.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
