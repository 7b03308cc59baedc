package guard

import (
	"hash/fnv"
	"sort"
	"sync"
)

// lockTable is a fixed-size shard table sized up front. Keys map onto shards
// deterministically, so the same composite key set always resolves to the same
// shard index set regardless of call site.
type lockTable struct {
	shards []sync.Mutex
}

func newLockTable(size int) *lockTable {
	if size <= 0 {
		size = 64
	}
	table := new(lockTable)
	table.shards = make([]sync.Mutex, size)
	return table
}

func (t *lockTable) index(category, key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(category))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(t.shards)))
}

// acquire locks the shards covering every (category, key) pair and returns the
// release function. Shard indexes are deduplicated and locked in ascending
// order, which makes the global acquisition order identical for all callers
// and rules out deadlock cycles between concurrent compound operations.
func (t *lockTable) acquire(keys ...lockKey) func() {
	indexes := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		idx := t.index(k.category, k.key)
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		t.shards[idx].Lock()
	}
	return func() {
		for i := len(indexes) - 1; i >= 0; i-- {
			t.shards[indexes[i]].Unlock()
		}
	}
}

type lockKey struct {
	category string
	key      string
}

func orderKey(id string) lockKey   { return lockKey{category: "order", key: id} }
func userKey(id string) lockKey    { return lockKey{category: "user", key: id} }
func symbolKey(sym string) lockKey { return lockKey{category: "symbol", key: sym} }
