package pagepool

import "github.com/behrlich/go-mtsched/internal/constants"

// Cache is the thread-local page cache (spec.md section 4.2): a small
// FIFO of pages a single producer thread seizes from without touching
// the shared pool's lock. Not safe for concurrent use -- each block
// thread, send thread and receive thread owns exactly one.
type Cache struct {
	pool     *Pool
	instance int
	maxFree  int

	head, tail *Page // FIFO: push at tail, pop at head
	count      int
}

// NewCache creates a thread-local cache over pool, sharded at instance,
// holding up to maxFree pages (spec.md default: ThreadLocalCacheMax).
func NewCache(pool *Pool, instance, maxFree int) *Cache {
	if maxFree <= 0 {
		maxFree = constants.ThreadLocalCacheMax
	}
	return &Cache{pool: pool, instance: instance, maxFree: maxFree}
}

func (c *Cache) pushTail(p *Page) {
	p.next = nil
	if c.tail == nil {
		c.head = p
		c.tail = p
	} else {
		c.tail.next = p
		c.tail = p
	}
	c.count++
}

func (c *Cache) popHead() *Page {
	p := c.head
	if p == nil {
		return nil
	}
	c.head = p.next
	if c.head == nil {
		c.tail = nil
	}
	p.next = nil
	c.count--
	return p
}

// refillBatch is max/6, per spec.md section 4.2.
func (c *Cache) refillBatch() int {
	n := c.maxFree / constants.ThreadLocalCacheRefillDivisor
	if n < 1 {
		n = 1
	}
	return n
}

// drainTarget is (2*max)/3, per spec.md section 4.2.
func (c *Cache) drainTarget() int {
	return (c.maxFree * constants.ThreadLocalCacheDrainNumerator) / constants.ThreadLocalCacheDrainDenominator
}

// SeizeOne returns one page for job-buffer use, refilling from the pool
// (one page at a time, per spec.md) when the cache is empty.
func (c *Cache) SeizeOne() (*Page, bool) {
	if p := c.popHead(); p != nil {
		return p, true
	}
	p, ok := c.pool.Seize(c.instance)
	if !ok {
		return nil, false
	}
	return p, true
}

// SeizeOneForSend returns one page for send-buffer use, refilling with a
// batch of allocSize pages (spec.md: "a list of alloc_size pages for
// send buffers") when the cache empties.
func (c *Cache) SeizeOneForSend(allocSize int) (*Page, bool) {
	if p := c.popHead(); p != nil {
		return p, true
	}
	if allocSize < 1 {
		allocSize = c.refillBatch()
	}
	for got := 0; got < allocSize; got++ {
		p, ok := c.pool.SeizeForSend(c.instance)
		if !ok {
			break
		}
		c.pushTail(p)
	}
	if p := c.popHead(); p != nil {
		return p, true
	}
	return nil, false
}

// Prefill tops the cache up to target pages, pulling directly from the
// pool's send allocator (spec.md section 4.10, "pre-allocate the thread's
// send-buffer page cache"). Returns false if the pool ran dry before
// reaching target.
func (c *Cache) Prefill(target int) bool {
	for c.count < target {
		p, ok := c.pool.SeizeForSend(c.instance)
		if !ok {
			return false
		}
		c.pushTail(p)
	}
	return true
}

// Release returns a page to the local cache. If the cache then exceeds
// maxFree, it drains down to drainTarget() back to the shared pool in one
// batch, to reduce lock-acquisition oscillation.
func (c *Cache) Release(p *Page) {
	c.pushTail(p)
	if c.count <= c.maxFree {
		return
	}
	target := c.drainTarget()
	var head, tail *Page
	n := 0
	for c.count > target {
		pg := c.popHead()
		if pg == nil {
			break
		}
		if head == nil {
			head = pg
		} else {
			tail.next = pg
		}
		tail = pg
		n++
	}
	if head != nil {
		c.pool.ReleaseList(head, tail, n, c.instance)
	}
}

// Count returns the number of pages currently held locally.
func (c *Cache) Count() int { return c.count }
