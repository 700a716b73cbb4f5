package monkey

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrMonkey is the injected failure.
var ErrMonkey = errors.New("monkey error")

// Monkey with some probability generates a random "monkey" error.
type Monkey struct {
	chance float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// New returns a Monkey failing with the given probability (0 disables it).
func New(chance float64) *Monkey {
	return &Monkey{
		chance: chance,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RandomizeError passes err through, or replaces a nil err with ErrMonkey
// with the configured probability.
func (m *Monkey) RandomizeError(err error) error {
	if err != nil {
		return err
	}
	if m == nil || m.chance <= 0 {
		return nil
	}
	m.mu.Lock()
	roll := m.rnd.Float64()
	m.mu.Unlock()
	if roll >= m.chance {
		return nil
	}
	return ErrMonkey
}
