package weights

import "sync/atomic"

// Store holds the current ModelWeights and supports atomic reload. Readers
// get a consistent snapshot; in-flight inferences using an old snapshot
// keep it alive until they drop their reference.
type Store struct {
	cur atomic.Pointer[ModelWeights]
}

// NewStore creates a store with an initial snapshot.
func NewStore(w *ModelWeights) *Store {
	s := &Store{}
	s.cur.Store(w)
	return s
}

// Current returns the current shared read-only snapshot.
func (s *Store) Current() *ModelWeights { return s.cur.Load() }

// Swap atomically publishes a new snapshot and returns the previous one.
func (s *Store) Swap(w *ModelWeights) *ModelWeights { return s.cur.Swap(w) }

// Reload loads a weight file and publishes it. On failure the previous
// snapshot stays current untouched.
func (s *Store) Reload(path, display string) error {
	w, err := LoadFile(path, display)
	if err != nil {
		return err
	}
	s.cur.Store(w)
	return nil
}
