package fountain

import (
	"fmt"
	"math"
	mrand "math/rand"
	"sort"
)

const (
	// DefaultC is the default redundancy constant of the robust soliton
	// distribution.
	DefaultC = 0.05
	// DefaultDelta is the default bound on the decode failure probability.
	DefaultDelta = 0.05
)

// RobustSoliton is the degree distribution used to decide how many source
// chunks a single droplet combines. It keeps, with high probability, at least
// one degree-1 droplet available at every step of the peeling decoder.
type RobustSoliton struct {
	numChunks int
	cdf       []float64 // cdf[i] is the cumulative probability of degree i+1
}

// NewRobustSoliton builds the normalized robust soliton distribution over
// degrees 1..k. The redundancy constant c must be positive and delta must be
// in (0, 1).
func NewRobustSoliton(k int, c, delta float64) (*RobustSoliton, error) {
	if k < 1 {
		return nil, fmt.Errorf("chunk count must be at least 1, got %d", k)
	}
	if c <= 0 {
		return nil, fmt.Errorf("redundancy constant must be positive, got %f", c)
	}
	if delta <= 0 || delta >= 1 {
		return nil, fmt.Errorf("failure bound must be in (0, 1), got %f", delta)
	}

	if k == 1 {
		// Degenerate distribution, every droplet has degree 1.
		return &RobustSoliton{numChunks: 1, cdf: []float64{1}}, nil
	}

	// Ideal soliton component: rho(1) = 1/k, rho(d) = 1/(d*(d-1)).
	mass := make([]float64, k)
	mass[0] = 1 / float64(k)
	for i := 1; i < k; i++ {
		d := float64(i + 1)
		mass[i] = 1 / (d * (d - 1))
	}

	// Robust component: a spike of extra mass at degree k/R, plus a tail of
	// R/(d*k) below it.
	r := c * math.Log(float64(k)/delta) * math.Sqrt(float64(k))
	spike := min(max(int(math.Round(float64(k)/r)), 2), k)
	for i := 0; i < spike-1; i++ {
		mass[i] += r / (float64(i+1) * float64(k))
	}
	if extra := r * math.Log(r/delta) / float64(k); extra > 0 {
		mass[spike-1] += extra
	}

	normalize(mass)

	// Truncate the support after the last degree that still carries a
	// meaningful share of mass, then renormalize. Degree 1 always survives,
	// which is what bootstraps decoding for small k.
	cutoff := 0.1 / float64(k)
	last := 0
	for i := len(mass) - 1; i >= 0; i-- {
		if mass[i] > cutoff {
			last = i
			break
		}
	}
	mass = mass[:last+1]
	normalize(mass)

	cdf := make([]float64, len(mass))
	sum := 0.0
	for i, p := range mass {
		sum += p
		cdf[i] = sum
	}
	cdf[len(cdf)-1] = 1 // absorb float rounding at the boundary

	return &RobustSoliton{numChunks: k, cdf: cdf}, nil
}

// Degree maps a uniform draw u in [0, 1] to a degree using an inclusive lower
// bound on the CDF.
func (rs *RobustSoliton) Degree(u float64) int {
	i := sort.SearchFloat64s(rs.cdf, u)
	if i >= len(rs.cdf) {
		i = len(rs.cdf) - 1
	}
	return i + 1
}

// Sample draws one degree using the given random source. The source is owned
// by the caller and is never shared with other samplers.
func (rs *RobustSoliton) Sample(rng *mrand.Rand) int {
	return rs.Degree(rng.Float64())
}

// MaxDegree returns the largest degree the truncated distribution can emit.
func (rs *RobustSoliton) MaxDegree() int {
	return len(rs.cdf)
}

func normalize(mass []float64) {
	sum := 0.0
	for _, p := range mass {
		sum += p
	}
	for i := range mass {
		mass[i] /= sum
	}
}
