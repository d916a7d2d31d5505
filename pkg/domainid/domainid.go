// Package domainid allocates the dense, monotonically increasing
// 64-bit DomainId named in §3 of the data model.
//
// A time-encoded generator (sonyflake, snowflake, ksuid) cannot serve
// this role: those schemes pack a timestamp and a machine id into the
// high bits, so two ids issued in the same tick are not adjacent
// integers and the sequence is not dense. DomainId must be dense
// because the resource accountant and the registry both use it as a
// compact map key and, in the original kernel source, as an index into
// per-domain arrays. A plain atomic counter is the correct tool; see
// DESIGN.md for the full comparison against github.com/sony/sonyflake,
// which this repository instead uses for command-channel transfer ids
// (pkg/channel), a context where density does not matter.
package domainid

import "sync/atomic"

// ID is a DomainId: dense, monotonically allocated, never reused.
type ID uint64

// Sentinel is the domain id of a proxy's empty/sentinel instance. It
// is issued once, globally, and is never drained by the accountant.
const Sentinel ID = ^ID(0)

// Allocator issues dense DomainIds. The zero value is ready to use and
// starts counting from 1, keeping 0 available as an "unset" sentinel
// distinct from Sentinel (which marks the empty capability instance).
type Allocator struct {
	next atomic.Uint64
}

// New returns an Allocator whose first issued id is 1.
func New() *Allocator {
	return &Allocator{}
}

// Next issues the next DomainId. It never returns 0 or Sentinel.
func (a *Allocator) Next() ID {
	return ID(a.next.Add(1))
}

// Peek reports the most recently issued id without allocating a new
// one. It returns 0 if Next has never been called.
func (a *Allocator) Peek() ID {
	return ID(a.next.Load())
}
