package queue

import (
	"hash/fnv"
	"sync"
)

// tableShards spreads the job map across independent locks so status polls
// on one job never contend with completion writes to another.
const tableShards = 16

type table struct {
	shards [tableShards]shard
}

type shard struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func newTable() *table {
	t := &table{}
	for i := range t.shards {
		t.shards[i].jobs = make(map[string]*Job)
	}
	return t
}

func (t *table) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &t.shards[h.Sum32()%tableShards]
}

func (t *table) put(j *Job) {
	s := t.shardFor(j.ID)
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
}

func (t *table) get(id string) (*Job, bool) {
	s := t.shardFor(id)
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	return j, ok
}

func (t *table) delete(id string) {
	s := t.shardFor(id)
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

func (t *table) len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		n += len(t.shards[i].jobs)
		t.shards[i].mu.RUnlock()
	}
	return n
}

// each calls fn for every job. fn must not call back into the table.
func (t *table) each(fn func(*Job)) {
	for i := range t.shards {
		t.shards[i].mu.RLock()
		for _, j := range t.shards[i].jobs {
			fn(j)
		}
		t.shards[i].mu.RUnlock()
	}
}
