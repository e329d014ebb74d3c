package execution

import (
	"sort"
	"sync"

	"replenishment-engine/internal/models"
)

// KeyedMutex serializes work per stock row. Multi-key locks are taken in key order.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[models.StockKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[models.StockKey]*keyLock)}
}

// Lock blocks until every key is held and returns the unlock func
func (k *KeyedMutex) Lock(keys ...models.StockKey) func() {
	ordered := uniqueSorted(keys)
	held := make([]*keyLock, 0, len(ordered))

	for _, key := range ordered {
		k.mu.Lock()
		l, ok := k.locks[key]
		if !ok {
			l = &keyLock{}
			k.locks[key] = l
		}
		l.refs++
		k.mu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()

				k.mu.Lock()
				held[i].refs--
				if held[i].refs == 0 {
					delete(k.locks, ordered[i])
				}
				k.mu.Unlock()
			}
		})
	}
}

// Len returns the number of keys currently locked or waited on
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func uniqueSorted(keys []models.StockKey) []models.StockKey {
	out := make([]models.StockKey, 0, len(keys))
	seen := make(map[models.StockKey]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
