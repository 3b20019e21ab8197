// Package buffer implements the in-memory caching layer: the extendible hash
// directory used as the page table, the LRU replacer, and the buffer pool
// manager that ties them to the disk manager.
package buffer

import "sync"

// hashBucket holds up to the configured number of entries plus the bucket's
// id and local depth.
type hashBucket[K comparable, V any] struct {
	id    uint64
	depth int
	items map[K]V
}

// ExtendibleHash is a directory-based hash table: the low globalDepth bits of
// a key's hash index a directory slot, each slot points at a bucket, and a
// bucket that overflows splits locally, doubling the directory only when its
// local depth outgrows the global one.
//
// A single mutex serializes all operations; the buffer pool serializes at a
// coarser grain already, so finer locking buys nothing here.
type ExtendibleHash[K comparable, V any] struct {
	mu sync.Mutex

	bucketSize  int
	globalDepth int
	bucketCount int
	pairCount   int
	hash        func(K) uint64
	dir         []*hashBucket[K, V]
}

// NewExtendibleHash builds a table whose buckets hold up to bucketSize
// entries, hashing keys with the supplied function.
func NewExtendibleHash[K comparable, V any](bucketSize int, hash func(K) uint64) *ExtendibleHash[K, V] {
	h := &ExtendibleHash[K, V]{
		bucketSize: bucketSize,
		hash:       hash,
		dir:        make([]*hashBucket[K, V], 1),
	}
	h.dir[0] = &hashBucket[K, V]{id: 0, depth: 0, items: make(map[K]V)}
	h.bucketCount = 1
	return h
}

// GlobalDepth returns the number of hash bits indexing the directory.
func (h *ExtendibleHash[K, V]) GlobalDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.globalDepth
}

// LocalDepth returns the depth of the bucket at directory slot i, or -1 for
// an empty slot.
func (h *ExtendibleHash[K, V]) LocalDepth(i int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.dir) || h.dir[i] == nil {
		return -1
	}
	return h.dir[i].depth
}

// NumBuckets returns the number of distinct buckets.
func (h *ExtendibleHash[K, V]) NumBuckets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bucketCount
}

// Size returns the number of stored pairs.
func (h *ExtendibleHash[K, V]) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pairCount
}

func (h *ExtendibleHash[K, V]) slot(key K) uint64 {
	return h.hash(key) & ((1 << h.globalDepth) - 1)
}

// Find returns the value stored under key.
func (h *ExtendibleHash[K, V]) Find(key K) (V, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var zero V
	b := h.dir[h.slot(key)]
	if b == nil {
		return zero, false
	}
	v, ok := b.items[key]
	return v, ok
}

// Remove deletes the entry for key, reporting whether one existed.
func (h *ExtendibleHash[K, V]) Remove(key K) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.dir[h.slot(key)]
	if b == nil {
		return false
	}
	if _, ok := b.items[key]; !ok {
		return false
	}
	delete(b.items, key)
	h.pairCount--
	return true
}

// Insert stores value under key, overwriting a duplicate. When the target
// bucket overflows it is split; when the split deepens the bucket past the
// global depth the directory doubles and re-indexes.
func (h *ExtendibleHash[K, V]) Insert(key K, value V) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.slot(key)
	if h.dir[idx] == nil {
		h.dir[idx] = &hashBucket[K, V]{id: idx, depth: h.globalDepth, items: make(map[K]V)}
		h.bucketCount++
	}
	b := h.dir[idx]

	if _, ok := b.items[key]; ok {
		b.items[key] = value
		return
	}
	b.items[key] = value
	h.pairCount++

	if len(b.items) <= h.bucketSize {
		return
	}

	oldIndex := b.id
	oldDepth := b.depth
	split := h.split(b)

	if b.depth > h.globalDepth {
		// The bucket outgrew the directory: double it factor times and
		// re-index surviving buckets so every slot whose low bits match a
		// bucket's id points at that bucket.
		factor := 1 << (b.depth - h.globalDepth)
		h.globalDepth = b.depth
		oldSize := len(h.dir)
		h.dir = append(h.dir, make([]*hashBucket[K, V], oldSize*(factor-1))...)

		h.dir[b.id] = b
		h.dir[split.id] = split
		for i := 0; i < oldSize; i++ {
			cur := h.dir[i]
			if cur == nil {
				continue
			}
			if uint64(i) < cur.id {
				h.dir[i] = nil
				continue
			}
			step := uint64(1) << cur.depth
			for j := uint64(i) + step; j < uint64(len(h.dir)); j += step {
				h.dir[j] = cur
			}
		}
	} else {
		// Local split only: detach the old bucket's multiples, then point
		// every matching slot at the two halves.
		for i := oldIndex; i < uint64(len(h.dir)); i += 1 << oldDepth {
			h.dir[i] = nil
		}
		h.dir[b.id] = b
		h.dir[split.id] = split
		step := uint64(1) << b.depth
		for i := b.id + step; i < uint64(len(h.dir)); i += step {
			h.dir[i] = b
		}
		for i := split.id + step; i < uint64(len(h.dir)); i += step {
			h.dir[i] = split
		}
	}
}

// split deepens bucket b and re-partitions its entries by the newly exposed
// hash bit. If every entry lands on one side the depth is bumped again until
// the bucket actually divides.
func (h *ExtendibleHash[K, V]) split(b *hashBucket[K, V]) *hashBucket[K, V] {
	res := &hashBucket[K, V]{depth: b.depth, items: make(map[K]V)}
	for len(res.items) == 0 {
		b.depth++
		res.depth++
		for k, v := range b.items {
			if h.hash(k)&(1<<(b.depth-1)) != 0 {
				res.items[k] = v
				res.id = h.hash(k) & ((1 << b.depth) - 1)
				delete(b.items, k)
			}
		}
		if len(b.items) == 0 {
			// Everything moved: keep the data in b and retry the split on
			// the next bit.
			b.items, res.items = res.items, b.items
			b.id = res.id
		}
	}
	h.bucketCount++
	return res
}
