package balancer

import "pieshare/pkg/kindvec"

// queueEntry is one candidate move: shift the participant at requestIndex
// by one piece in every kind flagged in mask, at marginal cost cost.
type queueEntry struct {
	requestIndex int
	mask         [kindvec.Count]bool
	cost         float64
}

// priorityQueue is a min-heap on cost: the lowest marginal penalty is
// always popped first.
type priorityQueue []queueEntry

func (q priorityQueue) Len() int           { return len(q) }
func (q priorityQueue) Less(i, j int) bool { return q[i].cost < q[j].cost }
func (q priorityQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)        { *q = append(*q, x.(queueEntry)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	*q = old[:n-1]
	return entry
}
