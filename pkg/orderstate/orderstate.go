// Package orderstate holds the authoritative, version-stamped catalogue of
// participants and their current requests and allocations. Every mutation
// bumps the version by exactly one, and every mutation except SetPaid
// re-runs the balancing engine; see State for the locking discipline.
package orderstate

import (
	"sort"
	"sync"

	"pieshare/pkg/balancer"
	"pieshare/pkg/kindvec"
)

// Info is a participant's identity and billing status.
type Info struct {
	Name       string
	HasPaid    bool
	PriceCents int
}

// Full is everything known about one participant: identity, request, and
// current allocation. It is what a Response or Update frame carries.
type Full struct {
	Info       Info
	Request    balancer.Request
	Allocation balancer.Allocation
}

// Snapshot is everything a fresh subscriber needs to reconstruct local
// state from scratch.
type Snapshot struct {
	Version     uint64
	Infos       []Info
	Requests    []balancer.Request
	Config      balancer.WholeCounts
	Allocations []balancer.Allocation
	Valid       bool
}

// State is the exclusively-owned, mutex-guarded order catalogue. Every
// method that mutates acquires mu for the full duration of its work,
// including the balancer invocation: a session must not suspend while
// holding this lock, and nothing here does.
type State struct {
	piecesPerWhole int

	// guards everything below; callers never see a torn snapshot.
	mu sync.Mutex

	version uint64

	// names, infos, requests and allocations are kept parallel and sorted
	// by name.
	names       []string
	infos       []Info
	requests    []balancer.Request
	allocations []balancer.Allocation
	config      balancer.WholeCounts
	valid       bool
}

// New creates an empty State at version 0.
func New(piecesPerWhole int) *State {
	return &State{
		piecesPerWhole: piecesPerWhole,
		valid:          true,
	}
}

// AddResult is returned by Add.
type AddResult struct {
	Full      Full
	Duplicate bool
}

// Add clamps the request's preference to [0, 1], inserts the participant at
// the position that keeps names sorted, re-runs the balancer, and bumps the
// version. If name is already registered, no mutation occurs.
func (s *State) Add(name string, request balancer.Request) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, found := s.search(name)
	if found {
		return AddResult{Duplicate: true}
	}

	request.Preference = clampPreference(request.Preference)

	s.names = insertString(s.names, idx, name)
	s.infos = insertInfo(s.infos, idx, Info{Name: name})
	s.requests = insertRequest(s.requests, idx, request)
	s.allocations = insertAllocation(s.allocations, idx, balancer.Allocation{})

	s.rebalanceLocked()

	return AddResult{Full: s.fullLocked(idx)}
}

// EditResult is returned by Edit.
type EditResult struct {
	Full     Full
	NotFound bool
}

// Edit replaces the request for an existing participant in place, re-runs
// the balancer, resets HasPaid, and bumps the version.
func (s *State) Edit(name string, request balancer.Request) EditResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, found := s.search(name)
	if !found {
		return EditResult{NotFound: true}
	}

	request.Preference = clampPreference(request.Preference)
	s.requests[idx] = request
	s.infos[idx].HasPaid = false
	s.infos[idx].PriceCents = 0

	s.rebalanceLocked()

	return EditResult{Full: s.fullLocked(idx)}
}

// RemoveResult is returned by Remove.
type RemoveResult struct {
	Full     Full
	NotFound bool
}

// Remove deletes a participant and re-runs the balancer: fewer participants
// can change every remaining participant's allocation.
func (s *State) Remove(name string) RemoveResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, found := s.search(name)
	if !found {
		return RemoveResult{NotFound: true}
	}

	removed := s.fullLocked(idx)

	s.names = append(s.names[:idx], s.names[idx+1:]...)
	s.infos = append(s.infos[:idx], s.infos[idx+1:]...)
	s.requests = append(s.requests[:idx], s.requests[idx+1:]...)
	s.allocations = append(s.allocations[:idx], s.allocations[idx+1:]...)

	s.rebalanceLocked()

	return RemoveResult{Full: removed}
}

// SetPaidResult is returned by SetPaid.
type SetPaidResult struct {
	Full     Full
	NotFound bool
}

// SetPaid updates billing fields only. It does not touch the request or
// allocation and does not re-run the balancer, but it does bump the
// version: clients replicate HasPaid for billing display.
func (s *State) SetPaid(name string, paid bool, priceCents int) SetPaidResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, found := s.search(name)
	if !found {
		return SetPaidResult{NotFound: true}
	}

	s.infos[idx].HasPaid = paid
	s.infos[idx].PriceCents = priceCents
	s.version++

	return SetPaidResult{Full: s.fullLocked(idx)}
}

// GetResult is returned by Get.
type GetResult struct {
	Full     Full
	NotFound bool
}

// Get performs a read-only lookup by name.
func (s *State) Get(name string) GetResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, found := s.search(name)
	if !found {
		return GetResult{NotFound: true}
	}
	return GetResult{Full: s.fullLocked(idx)}
}

// Snapshot returns everything a fresh subscriber needs.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Version:     s.version,
		Infos:       append([]Info(nil), s.infos...),
		Requests:    append([]balancer.Request(nil), s.requests...),
		Config:      s.config,
		Allocations: append([]balancer.Allocation(nil), s.allocations...),
		Valid:       s.valid,
	}
}

// search returns the index name belongs at (whether found or not) and
// whether it was found, via binary search over the sorted name list.
func (s *State) search(name string) (int, bool) {
	idx := sort.SearchStrings(s.names, name)
	found := idx < len(s.names) && s.names[idx] == name
	return idx, found
}

func (s *State) rebalanceLocked() {
	result := balancer.Balance(s.piecesPerWhole, s.requests)
	s.config = result.Config
	s.allocations = result.Allocations
	s.valid = result.Valid
	s.version++
}

func (s *State) fullLocked(idx int) Full {
	return Full{
		Info:       s.infos[idx],
		Request:    s.requests[idx],
		Allocation: s.allocations[idx],
	}
}

func clampPreference(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func insertString(xs []string, idx int, v string) []string {
	xs = append(xs, "")
	copy(xs[idx+1:], xs[idx:])
	xs[idx] = v
	return xs
}

func insertInfo(xs []Info, idx int, v Info) []Info {
	xs = append(xs, Info{})
	copy(xs[idx+1:], xs[idx:])
	xs[idx] = v
	return xs
}

func insertRequest(xs []balancer.Request, idx int, v balancer.Request) []balancer.Request {
	xs = append(xs, balancer.Request{})
	copy(xs[idx+1:], xs[idx:])
	xs[idx] = v
	return xs
}

func insertAllocation(xs []balancer.Allocation, idx int, v balancer.Allocation) []balancer.Allocation {
	xs = append(xs, kindvec.Vec[int]{})
	copy(xs[idx+1:], xs[idx:])
	xs[idx] = v
	return xs
}
