package infer

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ktheindifferent/upscaled/internal/resource"
	"github.com/ktheindifferent/upscaled/internal/tensor"
	"github.com/ktheindifferent/upscaled/internal/weights"
)

// fakeEngine produces contexts whose Compute blocks for delay (or until a
// gate channel opens) and records concurrency so tests can assert on it.
type fakeEngine struct {
	delay time.Duration
	gate  chan struct{} // optional: Compute blocks until closed
	nan   bool          // emit a NaN in the output

	active    atomic.Int32
	maxActive atomic.Int32
	contexts  atomic.Int32
	closes    atomic.Int32
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) NewContext(w *weights.ModelWeights) (Context, error) {
	e.contexts.Add(1)
	return &fakeContext{e: e, w: w}, nil
}

type fakeContext struct {
	e *fakeEngine
	w *weights.ModelWeights
}

func (c *fakeContext) Compute(input *tensor.Tensor) (*tensor.Tensor, error) {
	cur := c.e.active.Add(1)
	for {
		max := c.e.maxActive.Load()
		if cur <= max || c.e.maxActive.CompareAndSwap(max, cur) {
			break
		}
	}
	defer c.e.active.Add(-1)

	if c.e.gate != nil {
		<-c.e.gate
	}
	if c.e.delay > 0 {
		time.Sleep(c.e.delay)
	}
	out := tensor.New(input.Dim(0)*c.w.Factor(), input.Dim(1)*c.w.Factor(), input.Dim(2))
	if c.e.nan {
		out.Data[0] = float32(math.NaN())
	}
	return out, nil
}

func (c *fakeContext) Close() error {
	c.e.closes.Add(1)
	return nil
}

func rgbInput() *tensor.Tensor { return tensor.New(2, 2, 3) }

func TestDistinctIdentitiesRunInParallel(t *testing.T) {
	eng := &fakeEngine{delay: 50 * time.Millisecond}
	c := NewCoordinator(weights.NewStore(weights.Bilinear(2)), eng, Config{})
	defer c.Close()

	const n = 4
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := c.Infer(id, rgbInput()); err != nil {
				t.Errorf("Infer(%s): %v", id, err)
			}
		}([]string{"a", "b", "c", "d"}[i])
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("four identities took %v, expected parallel execution", elapsed)
	}
	if eng.maxActive.Load() < 2 {
		t.Fatal("no overlapping execution observed across identities")
	}
	if c.PoolSize() != n {
		t.Fatalf("PoolSize = %d, want %d", c.PoolSize(), n)
	}
}

func TestSameIdentitySerializes(t *testing.T) {
	eng := &fakeEngine{delay: 30 * time.Millisecond}
	c := NewCoordinator(weights.NewStore(weights.Bilinear(2)), eng, Config{})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Infer("same", rgbInput()); err != nil {
				t.Errorf("Infer: %v", err)
			}
		}()
	}
	wg.Wait()
	if eng.maxActive.Load() != 1 {
		t.Fatalf("maxActive = %d, same identity must never overlap", eng.maxActive.Load())
	}
	if eng.contexts.Load() != 1 {
		t.Fatalf("contexts = %d, identity must reuse its context", eng.contexts.Load())
	}
}

func TestShapeMismatch(t *testing.T) {
	c := NewCoordinator(weights.NewStore(weights.Bilinear(2)), &fakeEngine{}, Config{})
	defer c.Close()

	if _, err := c.Infer("w", tensor.New(2, 2, 4)); !IsShapeMismatch(err) {
		t.Fatalf("4-channel input: got %v, want shape mismatch", err)
	}
	bad, _ := tensor.FromData(make([]float32, 4), 2, 2)
	if _, err := c.Infer("w", bad); !IsShapeMismatch(err) {
		t.Fatalf("rank-2 input: got %v, want shape mismatch", err)
	}
	if _, err := c.Infer("w", nil); !IsShapeMismatch(err) {
		t.Fatalf("nil input: got %v, want shape mismatch", err)
	}
}

func TestNumericalFailure(t *testing.T) {
	c := NewCoordinator(weights.NewStore(weights.Bilinear(2)), &fakeEngine{nan: true}, Config{})
	defer c.Close()

	_, err := c.Infer("w", rgbInput())
	if !IsNumericalFailure(err) {
		t.Fatalf("got %v, want numerical failure", err)
	}
}

func TestEvictIdleSkipsBusy(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{gate: gate}
	c := NewCoordinator(weights.NewStore(weights.Bilinear(2)), eng, Config{})
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Infer("busy", rgbInput())
	}()
	// wait until the call is inside Compute
	for eng.active.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	if n := c.EvictIdle(0); n != 0 {
		t.Fatalf("evicted %d contexts while one was mid-inference", n)
	}
	close(gate)
	<-done

	if n := c.EvictIdle(0); n != 1 {
		t.Fatalf("evicted %d contexts after completion, want 1", n)
	}
	if c.PoolSize() != 0 {
		t.Fatalf("PoolSize = %d after eviction", c.PoolSize())
	}
}

func TestCloseWaitsForInflight(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{gate: gate}
	c := NewCoordinator(weights.NewStore(weights.Bilinear(2)), eng, Config{})

	inferDone := make(chan struct{})
	go func() {
		defer close(inferDone)
		if _, err := c.Infer("w", rgbInput()); err != nil {
			t.Errorf("Infer: %v", err)
		}
	}()
	for eng.active.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	closeDone := make(chan struct{})
	go func() {
		defer close(closeDone)
		c.Close()
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned while an inference was still running")
	case <-time.After(30 * time.Millisecond):
	}
	close(gate)
	<-inferDone
	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close did not finish after inferences drained")
	}

	if _, err := c.Infer("w", rgbInput()); !IsClosed(err) {
		t.Fatalf("Infer after Close: got %v, want closed", err)
	}
}

func TestRebindAfterSwap(t *testing.T) {
	store := weights.NewStore(weights.Bilinear(2))
	eng := &fakeEngine{}
	c := NewCoordinator(store, eng, Config{})
	defer c.Close()

	out, err := c.Infer("w", rgbInput())
	if err != nil {
		t.Fatal(err)
	}
	if out.Dim(0) != 4 {
		t.Fatalf("output height = %d, want 4 at factor 2", out.Dim(0))
	}

	store.Swap(weights.Bilinear(3))
	out, err = c.Infer("w", rgbInput())
	if err != nil {
		t.Fatal(err)
	}
	if out.Dim(0) != 6 {
		t.Fatalf("output height = %d, want 6 after rebinding to factor 3", out.Dim(0))
	}
	if eng.contexts.Load() != 2 {
		t.Fatalf("contexts = %d, swap must rebuild the identity's context", eng.contexts.Load())
	}
	if eng.closes.Load() != 1 {
		t.Fatalf("closes = %d, old context must be torn down on rebind", eng.closes.Load())
	}
}

// loadedWeights builds a weights snapshot with one parameter of elems
// float32 values, so snapshots of different sizes can be compared.
func loadedWeights(t *testing.T, factor uint32, elems int) *weights.ModelWeights {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("RSW1")
	for _, v := range []uint32{factor, 3, 1, 1} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, uint32(elems))
	binary.Write(&buf, binary.LittleEndian, make([]float32, elems))
	w, err := weights.Load(&buf, "test")
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestRebindResizesArena(t *testing.T) {
	small := loadedWeights(t, 2, 16)
	big := loadedWeights(t, 2, 4096)
	ledger := resource.NewLedger(resource.CPU, big.MemEstimate())
	store := weights.NewStore(small)
	c := NewCoordinator(store, &fakeEngine{}, Config{Arenas: resource.NewPool(ledger)})
	defer c.Close()

	if _, err := c.Infer("w", rgbInput()); err != nil {
		t.Fatal(err)
	}
	if got := ledger.Used(); got != small.MemEstimate() {
		t.Fatalf("used = %d, want %d for the initial snapshot", got, small.MemEstimate())
	}

	store.Swap(big)
	if _, err := c.Infer("w", rgbInput()); err != nil {
		t.Fatal(err)
	}
	if got := ledger.Used(); got != big.MemEstimate() {
		t.Fatalf("used = %d after rebind, want %d", got, big.MemEstimate())
	}

	store.Swap(small)
	if _, err := c.Infer("w", rgbInput()); err != nil {
		t.Fatal(err)
	}
	if got := ledger.Used(); got != small.MemEstimate() {
		t.Fatalf("used = %d after shrink rebind, want %d", got, small.MemEstimate())
	}
}

func TestArenaAccounting(t *testing.T) {
	w := weights.Bilinear(2)
	pool := resource.NewPool(resource.NewLedger(resource.CPU, w.MemEstimate()))
	c := NewCoordinator(weights.NewStore(w), &fakeEngine{}, Config{Arenas: pool})
	defer c.Close()

	if _, err := c.Infer("a", rgbInput()); err != nil {
		t.Fatalf("first identity: %v", err)
	}
	// Budget only fits one context.
	if _, err := c.Infer("b", rgbInput()); !resource.IsOutOfMemory(err) {
		t.Fatalf("second identity: got %v, want out of memory", err)
	}
	// Evicting the idle context frees its arena.
	if n := c.EvictIdle(0); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, err := c.Infer("b", rgbInput()); err != nil {
		t.Fatalf("after eviction: %v", err)
	}
}
