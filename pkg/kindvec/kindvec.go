// Package kindvec implements the fixed-width per-kind tuple that the
// balancing engine and order state build on. The number of kinds (K) is a
// compile-time constant, not a runtime parameter: every operation has known
// arity and every Vec is trivially copyable by value.
package kindvec

import "golang.org/x/exp/constraints"

// Count is the number of pie kinds, fixed at build time. Raising it does
// not require touching any of the arithmetic below; only the 2^Count
// enumeration cost in pkg/balancer grows.
const Count = 3

// Kind indexes a Vec. The three values mirror the varieties the original
// coordination tool shipped with (meat, vegetarian, vegan); nothing below
// depends on the names themselves.
type Kind int

const (
	Meat Kind = iota
	Vegetarian
	Vegan
)

// Number is the set of element types Vec supports.
type Number interface {
	constraints.Integer | constraints.Float
}

// Vec is a fixed-length, by-value tuple indexed by Kind.
type Vec[T Number] [Count]T

// Map applies f elementwise and returns the result.
func Map[T, S Number](v Vec[T], f func(T) S) Vec[S] {
	var out Vec[S]
	for k := 0; k < Count; k++ {
		out[k] = f(v[k])
	}
	return out
}

// ZipMap combines two Vecs elementwise with f.
func ZipMap[T, S, R Number](a Vec[T], b Vec[S], f func(T, S) R) Vec[R] {
	var out Vec[R]
	for k := 0; k < Count; k++ {
		out[k] = f(a[k], b[k])
	}
	return out
}

// Sum reduces v to the sum of its elements.
func Sum[T Number](v Vec[T]) T {
	var total T
	for k := 0; k < Count; k++ {
		total += v[k]
	}
	return total
}

// Splat returns a Vec with every element set to value.
func Splat[T Number](value T) Vec[T] {
	var out Vec[T]
	for k := 0; k < Count; k++ {
		out[k] = value
	}
	return out
}
