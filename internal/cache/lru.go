package cache

import (
	"container/list"
)

// blockLRU holds fetched blocks by index, evicting the least recently used
// block when either bound is exceeded. The most recently inserted block is
// never evicted by its own insertion.
type blockLRU struct {
	maxBlocks int
	maxBytes  int64
	size      int64
	evictList *list.List
	items     map[int64]*list.Element
	evictions uint64
}

type lruEntry struct {
	index int64
	data  []byte
}

func newBlockLRU(maxBlocks int, maxBytes int64) *blockLRU {
	return &blockLRU{
		maxBlocks: maxBlocks,
		maxBytes:  maxBytes,
		evictList: list.New(),
		items:     make(map[int64]*list.Element),
	}
}

// get returns a block and marks it most recently used.
func (c *blockLRU) get(index int64) ([]byte, bool) {
	elem, ok := c.items[index]
	if !ok {
		return nil, false
	}
	c.evictList.MoveToFront(elem)
	return elem.Value.(*lruEntry).data, true
}

// has reports residency without touching recency.
func (c *blockLRU) has(index int64) bool {
	_, ok := c.items[index]
	return ok
}

func (c *blockLRU) put(index int64, data []byte) {
	if elem, ok := c.items[index]; ok {
		entry := elem.Value.(*lruEntry)
		c.size += int64(len(data)) - int64(len(entry.data))
		entry.data = data
		c.evictList.MoveToFront(elem)
	} else {
		c.items[index] = c.evictList.PushFront(&lruEntry{index: index, data: data})
		c.size += int64(len(data))
	}

	for c.evictList.Len() > 1 && c.overLimit() {
		c.removeElement(c.evictList.Back())
		c.evictions++
	}
}

// fits reports whether n more blocks totalling bytes can be added without
// evicting anything.
func (c *blockLRU) fits(n int, bytes int64) bool {
	if c.maxBlocks > 0 && c.evictList.Len()+n > c.maxBlocks {
		return false
	}
	return c.maxBytes <= 0 || c.size+bytes <= c.maxBytes
}

func (c *blockLRU) overLimit() bool {
	if c.maxBlocks > 0 && c.evictList.Len() > c.maxBlocks {
		return true
	}
	return c.maxBytes > 0 && c.size > c.maxBytes
}

func (c *blockLRU) removeElement(elem *list.Element) {
	entry := elem.Value.(*lruEntry)
	c.evictList.Remove(elem)
	delete(c.items, entry.index)
	c.size -= int64(len(entry.data))
}

// evictIf removes every block for which pred returns true.
func (c *blockLRU) evictIf(pred func(index int64) bool) int {
	removed := 0
	for elem := c.evictList.Front(); elem != nil; {
		next := elem.Next()
		if pred(elem.Value.(*lruEntry).index) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	c.evictions += uint64(removed)
	return removed
}

func (c *blockLRU) clear() {
	c.evictList.Init()
	c.items = make(map[int64]*list.Element)
	c.size = 0
}

func (c *blockLRU) len() int { return c.evictList.Len() }
