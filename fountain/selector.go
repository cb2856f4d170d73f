package fountain

import (
	mrand "math/rand"
	"slices"
	"sync"
)

// SelectFunc maps a droplet seed and a chunk count to the set of source-chunk
// indices the droplet combines. Implementations must be fully deterministic:
// the same inputs always produce the same set, in any process, at any time.
// Both the encoder and the decoder are parameterized by a SelectFunc so that
// the decoder can recover a droplet's index set from its seed alone.
type SelectFunc func(seed uint64, numChunks int) []int

// Selector derives chunk index sets from droplet seeds. The degree of each
// droplet comes from a robust soliton distribution built per chunk count, and
// the indices come from a pseudo-random generator seeded with the droplet seed
// exclusively.
type Selector struct {
	c     float64
	delta float64

	mu    sync.Mutex
	dists map[int]*RobustSoliton // distributions keyed by chunk count
}

// NewSelector creates a selector with the given robust soliton parameters.
func NewSelector(c, delta float64) (*Selector, error) {
	// Validate eagerly so Select never has to report parameter errors.
	if _, err := NewRobustSoliton(1, c, delta); err != nil {
		return nil, err
	}
	return &Selector{
		c:     c,
		delta: delta,
		dists: make(map[int]*RobustSoliton),
	}, nil
}

// Select returns the chunk index set for a droplet seed. The first draw of the
// seeded generator picks the degree through the soliton CDF and the remaining
// draws pick that many distinct indices in [0, numChunks).
func (s *Selector) Select(seed uint64, numChunks int) []int {
	if numChunks < 1 {
		return nil
	}
	dist := s.dist(numChunks)
	rng := mrand.New(mrand.NewSource(int64(seed)))
	degree := dist.Degree(rng.Float64())
	return drawIndices(rng, degree, numChunks)
}

// SelectDegree returns an index set of an explicit degree, skipping the degree
// draw. A degree larger than numChunks is clamped to numChunks, never treated
// as an error; a degree below 1 selects nothing.
func (s *Selector) SelectDegree(seed uint64, degree, numChunks int) []int {
	if numChunks < 1 || degree < 1 {
		return nil
	}
	if degree > numChunks {
		degree = numChunks
	}
	rng := mrand.New(mrand.NewSource(int64(seed)))
	return drawIndices(rng, degree, numChunks)
}

func (s *Selector) dist(numChunks int) *RobustSoliton {
	s.mu.Lock()
	defer s.mu.Unlock()

	dist, ok := s.dists[numChunks]
	if !ok {
		// Parameters were validated in NewSelector, so this cannot fail.
		dist, _ = NewRobustSoliton(numChunks, s.c, s.delta)
		s.dists[numChunks] = dist
	}
	return dist
}

func drawIndices(rng *mrand.Rand, degree, numChunks int) []int {
	if degree > numChunks {
		degree = numChunks
	}
	picked := make(map[int]struct{}, degree)
	for len(picked) < degree {
		picked[rng.Intn(numChunks)] = struct{}{}
	}
	indices := make([]int, 0, degree)
	for i := range picked {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	return indices
}
