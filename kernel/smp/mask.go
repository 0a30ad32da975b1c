package smp

import "sync/atomic"

// MaxCPUs is the maximum number of cores supported. Each core owns one bit
// of a Mask.
const MaxCPUs = 64

// Mask is a set of core IDs.
type Mask uint64

// MaskOf returns a mask containing the supplied core IDs.
func MaskOf(ids ...uint32) Mask {
	var m Mask
	for _, id := range ids {
		m = m.Set(id)
	}
	return m
}

// Set returns a copy of m that includes id.
func (m Mask) Set(id uint32) Mask { return m | 1<<id }

// Clear returns a copy of m without id.
func (m Mask) Clear(id uint32) Mask { return m &^ (1 << id) }

// Has reports whether id belongs to m.
func (m Mask) Has(id uint32) bool { return m&(1<<id) != 0 }

// Count returns the number of IDs in m.
func (m Mask) Count() int {
	var n int
	for ; m != 0; m &= m - 1 {
		n++
	}
	return n
}

// atomicMask is a Mask that can be updated concurrently.
type atomicMask struct {
	v uint64
}

func (m *atomicMask) store(v Mask) {
	atomic.StoreUint64(&m.v, uint64(v))
}

func (m *atomicMask) load() Mask {
	return Mask(atomic.LoadUint64(&m.v))
}

func (m *atomicMask) set(id uint32) {
	for {
		old := atomic.LoadUint64(&m.v)
		if atomic.CompareAndSwapUint64(&m.v, old, uint64(Mask(old).Set(id))) {
			return
		}
	}
}

// clearIfSet removes id from the mask and reports whether it was present.
func (m *atomicMask) clearIfSet(id uint32) bool {
	for {
		old := atomic.LoadUint64(&m.v)
		if !Mask(old).Has(id) {
			return false
		}
		if atomic.CompareAndSwapUint64(&m.v, old, uint64(Mask(old).Clear(id))) {
			return true
		}
	}
}
