// Package penalty implements the cost function that scores how well a
// participant's allocation matches their request, and the (worst, mean)
// accumulator used to compare candidate solutions across a whole catalogue.
//
// The formula is asymmetric by design: over-delivering pieces to someone
// who asked for fewer is penalized super-linearly as the fraction delivered
// approaches the breakeven point, while under-delivery grows smoothly. See
// Cost for the derivation.
package penalty

import (
	"math"

	"pieshare/pkg/kindvec"
)

// epsilon is the linear region near a zero shape difference, below which we
// return the raw difference instead of the reshaped one. This avoids
// magnifying floating-point noise into a visible penalty.
const epsilon = 1e-7

// Request is a participant's desired per-kind amounts and preference dial.
// Preference is clamped to [0, 1] by callers on ingress.
type Request struct {
	Amounts    kindvec.Vec[int]
	Preference float64
}

// Allocation is the per-kind piece counts actually assigned.
type Allocation = kindvec.Vec[int]

// Cost scores how far assigned is from r: an asymmetric
// total-count penalty plus a preference-reshaped mean shape penalty.
func Cost(r Request, assigned Allocation) float64 {
	p := 1 - r.Preference
	countWeight := (1-p)/p + 0.01
	shapeWeight := p/(1-p) + 0.01

	rTotal := kindvec.Sum(r.Amounts)
	aTotal := kindvec.Sum(assigned)

	countPenalty := countPenalty(rTotal, aTotal, countWeight)
	shapePenalty := shapePenalty(r.Amounts, assigned, rTotal, aTotal, shapeWeight)

	return countPenalty + shapePenalty
}

func countPenalty(rTotal, aTotal int, weight float64) float64 {
	diff := rTotal - aTotal
	if diff == 0 {
		return 0
	}
	if diff < 0 {
		diff = -diff
	}
	rho := float64(diff) / float64(rTotal)

	var scaled float64
	if aTotal > rTotal {
		scaled = 1/(1-(1-1/(2*float64(rTotal)))*rho) - 1
		if scaled < 0 {
			scaled = math.Inf(1)
		}
	} else {
		denom := 1 - rho
		if denom < 0 {
			denom = 0
		}
		scaled = rho / denom
	}
	return scaled * weight
}

func shapePenalty(rAmounts, assigned kindvec.Vec[int], rTotal, aTotal int, weight float64) float64 {
	rFrac := fractions(rAmounts, rTotal)
	aFrac := fractions(assigned, aTotal)

	var sum float64
	for k := 0; k < kindvec.Count; k++ {
		d := rFrac[k] - aFrac[k]
		if d < 0 {
			d = -d
		}
		if d < epsilon {
			sum += d
		} else {
			sum += d * weight
		}
	}
	return sum / float64(kindvec.Count)
}

// fractions returns the per-kind share of total, treating 0/0 as 0.
func fractions(v kindvec.Vec[int], total int) kindvec.Vec[float64] {
	if total == 0 {
		return kindvec.Vec[float64]{}
	}
	return kindvec.Map(v, func(x int) float64 { return float64(x) / float64(total) })
}

// Pair accumulates the worst single move penalty and the running sum of
// every move's penalty across a candidate solution. Comparisons use
// Total(), which weighs worst 9x higher than the mean. Add never divides:
// Mean holds the running sum itself, and Total weighs that sum directly.
type Pair struct {
	Worst float64
	Mean  float64
}

// Zero is the identity Pair for an empty candidate (no participants, no
// moves): both components are 0, not infinite.
var Zero = Pair{Worst: 0, Mean: 0}

// Infeasible is the starting point for a search: any real Pair is better.
var Infeasible = Pair{Worst: math.Inf(1), Mean: math.Inf(1)}

// Add folds a single move's penalty into the pair.
func (p *Pair) Add(cost float64) {
	if cost > p.Worst {
		p.Worst = cost
	}
	p.Mean += cost
}

// Total is the scalar used to order Pairs: worst weighs 9x the running mean.
func (p Pair) Total() float64 {
	return 0.9*p.Worst + 0.1*p.Mean
}

// Less reports whether p is strictly better than other: lower Total wins,
// ties broken by Mean, further ties are equal (the earlier one found wins
// at the call site by never replacing on a tie).
func (p Pair) Less(other Pair) bool {
	pt, ot := p.Total(), other.Total()
	if pt != ot {
		return pt < ot
	}
	return p.Mean < other.Mean
}
