package trigger

import (
	"math/rand/v2"
	"sync"

	"randreply/internal/config"
)

// Cause explains a forwarding decision.
type Cause string

const (
	CauseKeyword    Cause = "keyword"
	CauseRandomHit  Cause = "random_hit"
	CauseRandomMiss Cause = "random_miss"
)

// Decision is the sampler's verdict. Draw is the value in [1,1000] that was
// compared against the probability, or 0 when no draw was needed.
type Decision struct {
	Forward bool
	Cause   Cause
	Draw    int
}

// Source yields uniform integers in [0,n). A seeded *rand.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// lockedSource serializes draws from a source that is not safe for
// concurrent use, such as *rand.Rand.
type lockedSource struct {
	mu  sync.Mutex
	src Source
}

func (l *lockedSource) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.IntN(n)
}

// Sampler decides whether a gate-passing message is forwarded. It is safe
// for concurrent use.
type Sampler struct {
	src Source
}

// NewSampler uses src for draws, or the package-level generator when src is
// nil. Draws from src are serialized.
func NewSampler(src Source) *Sampler {
	if src == nil {
		return &Sampler{src: globalSource{}}
	}
	return &Sampler{src: &lockedSource{src: src}}
}

// Decide applies the keyword override, then a linear draw in parts per thousand.
// The RNG is not consulted when the outcome is already certain.
func (s *Sampler) Decide(keywordTriggered bool, p config.PerMille) Decision {
	switch {
	case keywordTriggered:
		return Decision{Forward: true, Cause: CauseKeyword}
	case p >= config.MaxPerMille:
		return Decision{Forward: true, Cause: CauseRandomHit}
	case p <= 0:
		return Decision{Forward: false, Cause: CauseRandomMiss}
	}

	r := s.src.IntN(int(config.MaxPerMille)) + 1
	if r <= int(p) {
		return Decision{Forward: true, Cause: CauseRandomHit, Draw: r}
	}
	return Decision{Forward: false, Cause: CauseRandomMiss, Draw: r}
}
