package bus

import (
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock provides time to the bus. Wall time is used for timestamps and the
// monotonic reading embedded in time.Time drives durations.
type Clock interface {
	Now() time.Time
}

// Random provides uniform randomness for jitter and adaptive admission.
type Random interface {
	// Float64 returns a uniform value in [0, 1).
	Float64() float64
}

// IDGenerator produces globally unique identifiers for commands, events
// and handler keys.
type IDGenerator interface {
	NewID() string
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type realRandom struct{}

func (realRandom) Float64() float64 { return rand.Float64() }

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return uuid.NewString() }

// NewID generates a new unique ID using the default generator.
func NewID() string {
	return uuid.NewString()
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// RandomFunc adapts a function to the Random interface.
type RandomFunc func() float64

func (f RandomFunc) Float64() float64 { return f() }

// Jitter samples a full-jitter delay: uniform on [0, d].
func Jitter(d time.Duration, rnd Random) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rnd.Float64() * float64(d))
}

// Sanitize replaces every byte other than ASCII letters, digits, '.' and
// '_' with '_', so the result can be used in subjects, metric label values
// and log keys.
func Sanitize(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if ('a' <= b && b <= 'z') ||
			('A' <= b && b <= 'Z') ||
			('0' <= b && b <= '9') ||
			b == '.' || b == '_' {
			result.WriteByte(b)
		} else {
			result.WriteByte('_')
		}
	}
	return result.String()
}
