// Package balancer implements the bounded-combinatorial search that turns a
// catalogue of per-participant requests into a whole-pie bake count and a
// per-participant piece allocation. See Balance for the algorithm.
package balancer

import (
	"container/heap"
	"math"

	"pieshare/pkg/kindvec"
	"pieshare/pkg/penalty"
)

// Request is a participant's desired per-kind amounts and preference dial.
type Request = penalty.Request

// Allocation is the per-kind piece counts assigned to one participant.
type Allocation = kindvec.Vec[int]

// WholeCounts is how many whole pies of each kind to bake.
type WholeCounts = kindvec.Vec[int]

// Result is the engine's output: one Allocation per input Request, aligned
// by index, plus the WholeCounts that produce them and whether any
// candidate rounding subset was feasible at all.
type Result struct {
	Penalty     penalty.Pair
	Config      WholeCounts
	Allocations []Allocation
	Valid       bool
}

// subsetCount is 2^K: every way of choosing which kinds round up.
const subsetCount = 1 << kindvec.Count

// Balance runs the aggregate rounding search: for every
// subset of kinds (interpreted as "round these up, the rest down"), it
// computes per-kind deltas and greedily walks every participant's
// allocation toward their request using a priority queue keyed on marginal
// penalty, until the deltas are exhausted or the queue runs dry. The
// feasible candidate with the best PenaltyPair wins.
func Balance(piecesPerWhole int, requests []Request) Result {
	totals := aggregateTotals(requests)

	best := Result{Penalty: penalty.Infeasible, Valid: false}
	var bestAllocations []Allocation

subsets:
	for subset := 0; subset < subsetCount; subset++ {
		var adds [kindvec.Count]bool
		for k := 0; k < kindvec.Count; k++ {
			adds[k] = subset&(1<<uint(k)) != 0
			if adds[k] && totals[k]%piecesPerWhole == 0 {
				// Rounding this kind up would waste a whole pie for no
				// reason: its demand already divides evenly.
				continue subsets
			}
		}

		deltas := deltasFor(totals, adds, piecesPerWhole)

		allocations := make([]Allocation, len(requests))
		for i, r := range requests {
			allocations[i] = r.Amounts
		}

		pair, feasible := descend(requests, allocations, adds, deltas)
		if !feasible {
			continue
		}

		if pair.Less(best.Penalty) {
			best.Penalty = pair
			best.Valid = true
			best.Config = configFor(totals, adds, piecesPerWhole)
			bestAllocations = allocations
		}
	}

	if !best.Valid {
		return Result{
			Penalty:     penalty.Infeasible,
			Config:      kindvec.Splat(0),
			Allocations: zeroAllocations(len(requests)),
			Valid:       false,
		}
	}

	best.Allocations = bestAllocations
	return best
}

func aggregateTotals(requests []Request) [kindvec.Count]int {
	var totals [kindvec.Count]int
	for _, r := range requests {
		for k := 0; k < kindvec.Count; k++ {
			totals[k] += r.Amounts[k]
		}
	}
	return totals
}

// deltasFor computes, for each kind, the signed number of pieces that must
// move between participants to reach the candidate whole-pie rounding.
func deltasFor(totals [kindvec.Count]int, adds [kindvec.Count]bool, piecesPerWhole int) [kindvec.Count]int {
	var deltas [kindvec.Count]int
	for k := 0; k < kindvec.Count; k++ {
		floor := (totals[k] / piecesPerWhole) * piecesPerWhole
		if adds[k] {
			target := floor + piecesPerWhole
			deltas[k] = target - totals[k]
		} else {
			deltas[k] = totals[k] - floor
		}
	}
	return deltas
}

func configFor(totals [kindvec.Count]int, adds [kindvec.Count]bool, piecesPerWhole int) WholeCounts {
	var cfg WholeCounts
	for k := 0; k < kindvec.Count; k++ {
		cfg[k] = totals[k] / piecesPerWhole
		if adds[k] {
			cfg[k]++
		}
	}
	return cfg
}

func zeroAllocations(n int) []Allocation {
	out := make([]Allocation, n)
	for i := range out {
		out[i] = kindvec.Splat(0)
	}
	return out
}

// descend performs the greedy per-candidate walk: seed a priority queue
// with one best-offset entry per participant, then repeatedly pop the
// lowest-marginal-penalty entry, apply it, and push a fresh entry for the
// same participant at their new allocation. Returns the accumulated
// PenaltyPair and whether the deltas were driven fully to zero.
func descend(requests []Request, allocations []Allocation, adds [kindvec.Count]bool, deltas [kindvec.Count]int) (penalty.Pair, bool) {
	pq := make(priorityQueue, 0, len(requests))
	heap.Init(&pq)

	for i, r := range requests {
		if e, ok := bestOffset(r, allocations[i], adds, deltas, i); ok {
			heap.Push(&pq, e)
		}
	}

	pair := penalty.Zero

	for remaining(deltas) != 0 {
		if pq.Len() == 0 {
			return penalty.Pair{}, false
		}
		entry := heap.Pop(&pq).(queueEntry)

		if entryStale(entry, deltas) {
			// Some kind it touches has no remaining delta: discard and
			// regenerate rather than try to repair the mask.
			if e, ok := bestOffset(requests[entry.requestIndex], allocations[entry.requestIndex], adds, deltas, entry.requestIndex); ok {
				heap.Push(&pq, e)
			}
			continue
		}

		idx := entry.requestIndex
		for k := 0; k < kindvec.Count; k++ {
			if !entry.mask[k] {
				continue
			}
			if adds[k] {
				allocations[idx][k]++
			} else {
				allocations[idx][k]--
			}
			deltas[k]--
			pair.Add(entry.cost)
		}

		if e, ok := bestOffset(requests[idx], allocations[idx], adds, deltas, idx); ok {
			heap.Push(&pq, e)
		}
	}

	return pair, true
}

func remaining(deltas [kindvec.Count]int) int {
	total := 0
	for _, d := range deltas {
		total += d
	}
	return total
}

func entryStale(e queueEntry, deltas [kindvec.Count]int) bool {
	for k := 0; k < kindvec.Count; k++ {
		if e.mask[k] && deltas[k] == 0 {
			return true
		}
	}
	return false
}

// bestOffset enumerates every non-empty subset of kinds, skips any that
// touch an exhausted delta or would drive an allocation below zero, scores
// the rest with penalty.Cost, and returns the cheapest. A subset whose cost
// is +Inf is never chosen, so no entry is returned when every admissible
// subset costs +Inf.
func bestOffset(r Request, current Allocation, adds [kindvec.Count]bool, deltas [kindvec.Count]int, index int) (queueEntry, bool) {
	bestCost := infCost
	var bestMask [kindvec.Count]bool
	found := false

masks:
	for mask := 1; mask < subsetCount; mask++ {
		var touches [kindvec.Count]bool
		for k := 0; k < kindvec.Count; k++ {
			touches[k] = mask&(1<<uint(k)) != 0
			if touches[k] && deltas[k] == 0 {
				continue masks
			}
		}

		candidate := current
		for k := 0; k < kindvec.Count; k++ {
			if !touches[k] {
				continue
			}
			if adds[k] {
				candidate[k]++
			} else {
				if candidate[k] == 0 {
					continue masks
				}
				candidate[k]--
			}
		}

		cost := penalty.Cost(r, candidate)
		if cost < bestCost {
			bestCost = cost
			bestMask = touches
			found = true
		}
	}

	if !found {
		return queueEntry{}, false
	}
	return queueEntry{requestIndex: index, mask: bestMask, cost: bestCost}, true
}

var infCost = math.Inf(1)
