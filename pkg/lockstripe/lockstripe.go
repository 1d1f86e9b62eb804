// Package lockstripe provides a fixed-width array of locks addressed by a
// hashable key, replacing the ad-hoc striped ReadWriteLock arrays in the
// original C++ engine (see DESIGN.md, "Concurrency primitives").
package lockstripe

import "sync"

// Stripes is a striped array of sync.RWMutex, one per bucket. Keys are
// mapped to buckets by the caller-supplied hash so that unrelated keys
// rarely contend, while the total lock count stays bounded regardless of
// key-space size.
type Stripes struct {
	locks []sync.RWMutex
}

// New creates a Stripes with the given width. Width is rounded up to 1.
func New(width int) *Stripes {
	if width < 1 {
		width = 1
	}
	return &Stripes{locks: make([]sync.RWMutex, width)}
}

func (s *Stripes) bucket(key uint64) *sync.RWMutex {
	return &s.locks[key%uint64(len(s.locks))]
}

// Lock acquires the write lock for key's stripe.
func (s *Stripes) Lock(key uint64) { s.bucket(key).Lock() }

// Unlock releases the write lock for key's stripe.
func (s *Stripes) Unlock(key uint64) { s.bucket(key).Unlock() }

// RLock acquires the read lock for key's stripe.
func (s *Stripes) RLock(key uint64) { s.bucket(key).RLock() }

// RUnlock releases the read lock for key's stripe.
func (s *Stripes) RUnlock(key uint64) { s.bucket(key).RUnlock() }

// TryLock attempts to acquire the write lock for key's stripe without
// blocking. It reports whether the lock was acquired.
func (s *Stripes) TryLock(key uint64) bool {
	return s.bucket(key).TryLock()
}

// WithLock runs fn while holding the write lock for key's stripe.
func (s *Stripes) WithLock(key uint64, fn func()) {
	s.Lock(key)
	defer s.Unlock(key)
	fn()
}

// Sorted locks multiple keys in ascending stripe-index order to establish a
// total lock order and avoid deadlocks when a caller (e.g. container merge)
// must hold several stripes at once. It returns an unlock function releasing
// every acquired lock in reverse order.
func (s *Stripes) Sorted(keys ...uint64) func() {
	buckets := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		b := int(k % uint64(len(s.locks)))
		if !seen[b] {
			seen[b] = true
			buckets = append(buckets, b)
		}
	}
	// simple insertion sort; bucket counts are small in practice
	for i := 1; i < len(buckets); i++ {
		for j := i; j > 0 && buckets[j-1] > buckets[j]; j-- {
			buckets[j-1], buckets[j] = buckets[j], buckets[j-1]
		}
	}
	for _, b := range buckets {
		s.locks[b].Lock()
	}
	return func() {
		for i := len(buckets) - 1; i >= 0; i-- {
			s.locks[buckets[i]].Unlock()
		}
	}
}

// TrySorted is the non-blocking counterpart to Sorted: it attempts to
// acquire every key's stripe in ascending order without blocking, and if
// any acquisition fails it releases everything already taken and reports
// ok=false. Callers such as container merge/delete use this to implement
// the spec's "aborted" contested-lock contract instead of blocking.
func (s *Stripes) TrySorted(keys ...uint64) (unlock func(), ok bool) {
	buckets := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		b := int(k % uint64(len(s.locks)))
		if !seen[b] {
			seen[b] = true
			buckets = append(buckets, b)
		}
	}
	for i := 1; i < len(buckets); i++ {
		for j := i; j > 0 && buckets[j-1] > buckets[j]; j-- {
			buckets[j-1], buckets[j] = buckets[j], buckets[j-1]
		}
	}

	acquired := make([]int, 0, len(buckets))
	for _, b := range buckets {
		if !s.locks[b].TryLock() {
			for i := len(acquired) - 1; i >= 0; i-- {
				s.locks[acquired[i]].Unlock()
			}
			return nil, false
		}
		acquired = append(acquired, b)
	}

	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			s.locks[acquired[i]].Unlock()
		}
	}, true
}

// TryLockWithUnlock is TryLock's counterpart returning an unlock closure,
// used where the caller prefers defer unlock() over a matched
// Lock/Unlock(key) pair.
func (s *Stripes) TryLockWithUnlock(key uint64) (unlock func(), ok bool) {
	b := s.bucket(key)
	if !b.TryLock() {
		return nil, false
	}
	return b.Unlock, true
}
