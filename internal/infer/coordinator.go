package infer

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ktheindifferent/upscaled/internal/resource"
	"github.com/ktheindifferent/upscaled/internal/tensor"
	"github.com/ktheindifferent/upscaled/internal/weights"
)

// imageChannels is the input channel count every model expects (RGB).
const imageChannels = 3

// Config carries Coordinator tunables.
type Config struct {
	// Arenas optionally accounts per-context memory against a backend
	// ledger. Nil disables accounting.
	Arenas *resource.Pool
}

// Coordinator owns the weights store and a pool of per-worker-identity
// execution contexts. The pool mutex guards only map lookups and inserts;
// it is never held during a forward pass, so N distinct identities compute
// fully in parallel. Calls on the same identity serialize on that
// identity's context.
type Coordinator struct {
	store  *weights.Store
	engine Engine
	arenas *resource.Pool

	mu     sync.Mutex // bookkeeping only: pool map, closed flag
	pool   map[string]*workerContext
	closed bool

	inflight sync.WaitGroup
}

// workerContext is one identity's mutable execution state bound to a
// weights snapshot. busy guards eviction: a context mid-execution is
// never torn down.
type workerContext struct {
	mu       sync.Mutex
	w        *weights.ModelWeights
	ec       Context
	busy     atomic.Int32
	lastUsed atomic.Int64 // unix nanos
}

// NewCoordinator wires an engine to a weights store.
func NewCoordinator(store *weights.Store, engine Engine, cfg Config) *Coordinator {
	return &Coordinator{
		store:  store,
		engine: engine,
		arenas: cfg.Arenas,
		pool:   make(map[string]*workerContext),
	}
}

// Weights returns the current snapshot (for status output).
func (c *Coordinator) Weights() *weights.ModelWeights { return c.store.Current() }

// PoolSize returns the number of live worker contexts.
func (c *Coordinator) PoolSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pool)
}

// Infer runs one forward pass for workerID. The first call from a given
// identity builds its context; later calls reuse it. Two concurrent calls
// with the same identity serialize; different identities do not contend
// beyond the map lookup.
func (c *Coordinator) Infer(workerID string, input *tensor.Tensor) (*tensor.Tensor, error) {
	if workerID == "" {
		workerID = "default"
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed()
	}
	wc, ok := c.pool[workerID]
	if !ok {
		cur := c.store.Current()
		ec, err := c.newContext(workerID, cur)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		wc = &workerContext{w: cur, ec: ec}
		wc.lastUsed.Store(time.Now().UnixNano())
		c.pool[workerID] = wc
	}
	// Mark busy and register in-flight while still holding the pool lock
	// so eviction and Close observe this call.
	wc.busy.Add(1)
	c.inflight.Add(1)
	c.mu.Unlock()

	defer c.inflight.Done()
	defer wc.busy.Add(-1)

	// Per-identity serialization; pool lock is not held past this point.
	wc.mu.Lock()
	defer wc.mu.Unlock()

	// Weights were swapped since this context was built: rebind. The old
	// snapshot stays alive for contexts still referencing it. The arena is
	// resized first so the ledger tracks the new snapshot's footprint.
	if cur := c.store.Current(); cur != wc.w {
		if c.arenas != nil {
			if err := c.arenas.Resize(workerID, cur.MemEstimate()); err != nil {
				return nil, err
			}
		}
		ec, err := c.engine.NewContext(cur)
		if err != nil {
			return nil, err
		}
		_ = wc.ec.Close()
		wc.ec = ec
		wc.w = cur
	}

	if err := validateInput(input, wc.w); err != nil {
		return nil, err
	}
	out, err := wc.ec.Compute(input)
	if err != nil {
		return nil, err
	}
	for i, v := range out.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, ErrNumericalFailure(i)
		}
	}
	wc.lastUsed.Store(time.Now().UnixNano())
	return out, nil
}

// newContext builds engine state for an identity, accounting its memory
// if a ledger pool is configured. Called with c.mu held.
func (c *Coordinator) newContext(workerID string, w *weights.ModelWeights) (Context, error) {
	if c.arenas != nil {
		if _, err := c.arenas.Acquire(workerID, w.MemEstimate()); err != nil {
			return nil, err
		}
	}
	ec, err := c.engine.NewContext(w)
	if err != nil {
		if c.arenas != nil {
			c.arenas.Retire(workerID)
		}
		return nil, err
	}
	return ec, nil
}

func validateInput(input *tensor.Tensor, w *weights.ModelWeights) error {
	expected := fmt.Sprintf("[H W %d]", imageChannels)
	if input == nil || input.Elems() == 0 {
		return ErrShapeMismatch(expected, "empty")
	}
	if input.Rank() != 3 || input.Dim(2) != imageChannels {
		return ErrShapeMismatch(expected, fmt.Sprintf("%v", input.Shape))
	}
	return nil
}

// EvictIdle tears down contexts unused for at least maxIdle and returns
// how many were evicted. Contexts with a call in progress are skipped;
// busy is only ever raised under the pool lock, so a context observed
// idle here cannot gain a new caller while we hold it.
func (c *Coordinator) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle).UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, wc := range c.pool {
		if wc.busy.Load() > 0 {
			continue
		}
		if wc.lastUsed.Load() > cutoff {
			continue
		}
		delete(c.pool, id)
		_ = wc.ec.Close()
		if c.arenas != nil {
			c.arenas.Retire(id)
		}
		n++
	}
	return n
}

// Close rejects new calls, waits for in-flight inferences to finish, then
// tears down every context. Safe to call once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.inflight.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, wc := range c.pool {
		_ = wc.ec.Close()
		if c.arenas != nil {
			c.arenas.Retire(id)
		}
		delete(c.pool, id)
	}
	return nil
}
