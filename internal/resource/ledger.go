package resource

import (
	"sync"
	"sync/atomic"
)

// Ledger tracks memory reservations for one backend with a lock-free
// counter. Capacity 0 means unlimited.
type Ledger struct {
	backend  Backend
	capacity int64
	used     atomic.Int64
}

// NewLedger creates a ledger for a backend with capacityBytes (0 = unlimited).
func NewLedger(backend Backend, capacityBytes int64) *Ledger {
	return &Ledger{backend: backend, capacity: capacityBytes}
}

// Backend returns the ledger's backend.
func (l *Ledger) Backend() Backend { return l.backend }

// Capacity returns the configured capacity in bytes (0 = unlimited).
func (l *Ledger) Capacity() int64 { return l.capacity }

// Used returns the currently reserved bytes.
func (l *Ledger) Used() int64 { return l.used.Load() }

// Free returns remaining bytes, or -1 when unlimited.
func (l *Ledger) Free() int64 {
	if l.capacity <= 0 {
		return -1
	}
	return l.capacity - l.used.Load()
}

// Reserve accounts for bytes of memory. It fails with ErrBackendUnavailable
// on an unimplemented backend and ErrOutOfMemory when the ledger is full.
// The returned reservation must be released exactly once.
func (l *Ledger) Reserve(bytes int64) (*Reservation, error) {
	if !l.backend.Available() {
		return nil, ErrBackendUnavailable(l.backend)
	}
	if bytes < 0 {
		bytes = 0
	}
	for {
		cur := l.used.Load()
		if l.capacity > 0 && cur+bytes > l.capacity {
			return nil, ErrOutOfMemory(bytes, l.capacity-cur)
		}
		if l.used.CompareAndSwap(cur, cur+bytes) {
			return &Reservation{ledger: l, bytes: bytes}, nil
		}
	}
}

// adjust moves used by delta, enforcing capacity on growth.
func (l *Ledger) adjust(delta int64) error {
	for {
		cur := l.used.Load()
		if delta > 0 && l.capacity > 0 && cur+delta > l.capacity {
			return ErrOutOfMemory(delta, l.capacity-cur)
		}
		if l.used.CompareAndSwap(cur, cur+delta) {
			return nil
		}
	}
}

// Reservation is a token for reserved bytes. Release is idempotent.
// Resize must not race with Release; callers serialize them (the
// coordinator does so via its busy guard).
type Reservation struct {
	ledger   *Ledger
	bytes    int64
	released atomic.Bool
}

// Bytes returns the reserved size.
func (r *Reservation) Bytes() int64 { return r.bytes }

// Resize grows or shrinks the reservation in place. On failure the
// previous size is kept.
func (r *Reservation) Resize(bytes int64) error {
	if bytes < 0 {
		bytes = 0
	}
	if r.released.Load() {
		return ErrOutOfMemory(bytes, 0)
	}
	if err := r.ledger.adjust(bytes - r.bytes); err != nil {
		return err
	}
	r.bytes = bytes
	return nil
}

// Release returns the bytes to the ledger. Safe to call more than once.
func (r *Reservation) Release() {
	if r == nil || r.released.Swap(true) {
		return
	}
	r.ledger.used.Add(-r.bytes)
}

// Pool keys one reservation per worker identity, mirroring the inference
// context pool: the mutex guards only map bookkeeping, never the work
// done against a reservation.
type Pool struct {
	ledger *Ledger
	mu     sync.Mutex
	arenas map[string]*Reservation
}

// NewPool creates a per-identity reservation pool over a ledger.
func NewPool(l *Ledger) *Pool {
	return &Pool{ledger: l, arenas: make(map[string]*Reservation)}
}

// Acquire returns the identity's reservation, creating one of the given
// size on first use.
func (p *Pool) Acquire(workerID string, bytes int64) (*Reservation, error) {
	p.mu.Lock()
	if r, ok := p.arenas[workerID]; ok {
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	// Reserve outside the map lock; a racing duplicate is released below.
	r, err := p.ledger.Reserve(bytes)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if prev, ok := p.arenas[workerID]; ok {
		p.mu.Unlock()
		r.Release()
		return prev, nil
	}
	p.arenas[workerID] = r
	p.mu.Unlock()
	return r, nil
}

// Resize adjusts the identity's reservation to the given size, creating
// one when the identity has none yet.
func (p *Pool) Resize(workerID string, bytes int64) error {
	p.mu.Lock()
	r, ok := p.arenas[workerID]
	p.mu.Unlock()
	if !ok {
		_, err := p.Acquire(workerID, bytes)
		return err
	}
	return r.Resize(bytes)
}

// Retire drops and releases the identity's reservation, if any.
func (p *Pool) Retire(workerID string) {
	p.mu.Lock()
	r := p.arenas[workerID]
	delete(p.arenas, workerID)
	p.mu.Unlock()
	r.Release()
}

// Len returns the number of live arenas.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.arenas)
}
