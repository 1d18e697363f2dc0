// s3fifoUIDCache wraps a uidCache (bbolt) with an in-memory S3-FIFO
// eviction layer, bounding the hot in-memory footprint for deployments with
// far more distinct UIDs than fit comfortably in memory.
//
// # Algorithm
//
// S3-FIFO ("Simple, Scalable, FIFO-based cache eviction", Yang et al., 2023)
// uses two FIFO queues and a bounded ghost set:
//
//   - S (small, ~10% of capacity): probationary queue.
//     All new keys are inserted here.
//   - M (main, ~90% of capacity): protected queue.
//     Keys promoted from S after at least one access (freq > 0) land here.
//   - G (ghost): a circular-buffer set of keys recently evicted from S,
//     bounded to 2× sTarget (at least 4). A key found in G on insert bypasses S and goes
//     directly to M.
//
// Per-object state: saturating frequency counter (uint8, max 3). Incremented
// on every Get hit; reset to 0 on M promotion.
//
// Unlike the teacher's value cache, this layer never deletes from the
// backing bbolt buckets on eviction: bbolt is the UID map's system of
// record (spec §2 requires every real↔anon UID mapping to remain
// recoverable for the life of the PHI Store), so eviction here only drops
// an entry from the hot set — a cold Get falls through to bbolt and
// re-warms the entry, exactly as the teacher's cache re-warms from disk.
package phistore

import (
	"container/list"
	"sync"
)

type s3fifoEntry struct {
	value string
	freq  uint8
	elem  *list.Element
	inM   bool
}

type s3fifoUIDCache struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*s3fifoEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	backing uidCache
}

// newS3FIFOUIDCache returns a uidCache that applies S3-FIFO eviction in
// front of backing. capacity is the maximum number of hot entries kept in
// memory; values < 2 are clamped to 2.
func newS3FIFOUIDCache(backing uidCache, capacity int) uidCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &s3fifoUIDCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*s3fifoEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
		backing:  backing,
	}
}

func (c *s3fifoUIDCache) Get(realUID string) (string, bool) {
	c.mu.Lock()
	if e, ok := c.entries[realUID]; ok {
		if e.freq < 3 {
			e.freq++
		}
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	anon, ok := c.backing.Get(realUID)
	if !ok {
		return "", false
	}
	c.insertLocked(realUID, anon)
	return anon, true
}

func (c *s3fifoUIDCache) Set(realUID, anonUID string) {
	c.insertLocked(realUID, anonUID)
	c.backing.Set(realUID, anonUID)
}

func (c *s3fifoUIDCache) Delete(realUID string) {
	c.mu.Lock()
	c.removeFromMemory(realUID)
	c.mu.Unlock()
	c.backing.Delete(realUID)
}

func (c *s3fifoUIDCache) insertLocked(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &s3fifoEntry{value: value, freq: 0, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

func (c *s3fifoUIDCache) evictOne() {
	if c.sQueue.Len() >= c.sTarget || c.mQueue.Len() == 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *s3fifoUIDCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.sQueue.Remove(front)
		return
	}
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, key)
		c.ghostAdd(key)
		// Evicted from the hot set only; bbolt remains the system of
		// record and is never touched here.
	}
}

func (c *s3fifoUIDCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.mQueue.Remove(front)
		return
	}
	c.mQueue.Remove(front)
	delete(c.entries, key)
}

func (c *s3fifoUIDCache) removeFromMemory(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, key)
}

func (c *s3fifoUIDCache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *s3fifoUIDCache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
