package pagepool

import (
	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/synclock"
)

// shard is one spin-locked intrusive free list of pages, analogous to
// the teacher's size-bucketed sync.Pool shards in internal/queue/pool.go,
// but holding fixed-size pages instead of variable byte slices, and
// exposing a count so peer shards can be compared for "least empty".
type shard struct {
	lock *synclock.SpinLock
	head *Page
	cnt  int
}

func (s *shard) pushLocked(p *Page) {
	p.next = s.head
	s.head = p
	s.cnt++
}

func (s *shard) popLocked() *Page {
	p := s.head
	if p == nil {
		return nil
	}
	s.head = p.next
	p.next = nil
	s.cnt--
	return p
}

// Pool is the page pool (spec.md section 4.1): sharded into up to
// MaxPagePoolShards instances keyed by send-thread id, falling through to
// a MemoryManager collaborator on shard miss.
type Pool struct {
	shards []shard
	mm     interfaces.MemoryManager
	nextID uint32
}

// New creates a page pool with numShards shards (clamped to
// [1, MaxPagePoolShards]) backed by mm for out-of-pool allocation.
func New(numShards int, mm interfaces.MemoryManager) *Pool {
	if numShards < 1 {
		numShards = 1
	}
	if numShards > constants.MaxPagePoolShards {
		numShards = constants.MaxPagePoolShards
	}
	p := &Pool{
		shards: make([]shard, numShards),
		mm:     mm,
	}
	for i := range p.shards {
		p.shards[i].lock = synclock.NewSpinLock("pagepool.shard")
	}
	return p
}

func (p *Pool) allocFromMM() *Page {
	if p.mm == nil {
		return nil
	}
	id, ok := p.mm.AllocPage()
	if !ok {
		return nil
	}
	pg := &Page{ID: id}
	return pg
}

// Seize removes one page from shard `instance` for job-buffer use. On
// shard miss it falls through directly to the memory manager (spec.md
// section 4.1, policy 1) and returns false if that is exhausted too.
func (p *Pool) Seize(instance int) (*Page, bool) {
	s := &p.shards[instance%len(p.shards)]
	s.lock.Lock()
	pg := s.popLocked()
	s.lock.Unlock()
	if pg != nil {
		return pg, true
	}
	pg = p.allocFromMM()
	return pg, pg != nil
}

// SeizeForSend removes one page from shard `instance` for send-buffer
// use. On shard miss, and only when more than one send-thread shard
// exists, it first raids the least-empty peer shard (an opportunistic,
// lock-free-of-the-peer read of shard.cnt -- intentionally racy, see
// DESIGN.md "ShardRequiredPages") before falling through to the memory
// manager; if the memory manager is also exhausted, every other shard is
// tried as a last resort.
func (p *Pool) SeizeForSend(instance int) (*Page, bool) {
	s := &p.shards[instance%len(p.shards)]
	s.lock.Lock()
	pg := s.popLocked()
	s.lock.Unlock()
	if pg != nil {
		return pg, true
	}

	if len(p.shards) > 1 {
		if peer := p.leastEmptyPeer(instance); peer >= 0 {
			ps := &p.shards[peer]
			ps.lock.Lock()
			pg = ps.popLocked()
			ps.lock.Unlock()
			if pg != nil {
				return pg, true
			}
		}
	}

	if pg = p.allocFromMM(); pg != nil {
		return pg, true
	}

	for i := range p.shards {
		if i == instance%len(p.shards) {
			continue
		}
		s := &p.shards[i]
		s.lock.Lock()
		pg = s.popLocked()
		s.lock.Unlock()
		if pg != nil {
			return pg, true
		}
	}
	return nil, false
}

// leastEmptyPeer scans every other shard's cnt (without taking its lock --
// deliberately racy, matching mt.cpp's seize_list cascade) and returns the
// index of the one with the most free pages, or -1 if none has at least
// constants.ShardRequiredPages pages to spare.
func (p *Pool) leastEmptyPeer(instance int) int {
	best := -1
	bestCnt := constants.ShardRequiredPages
	for i := range p.shards {
		if i == instance%len(p.shards) {
			continue
		}
		if c := p.shards[i].cnt; c >= bestCnt {
			best = i
			bestCnt = c
		}
	}
	return best
}

// SeizeList removes up to n pages from shard `instance`, linking them
// into a singly-linked list via Page.next and returning (head, tail,
// count actually obtained).
func (p *Pool) SeizeList(n, instance int) (head, tail *Page, got int) {
	s := &p.shards[instance%len(p.shards)]
	s.lock.Lock()
	for got < n {
		pg := s.popLocked()
		if pg == nil {
			break
		}
		if head == nil {
			head = pg
		} else {
			tail.next = pg
		}
		tail = pg
		got++
	}
	s.lock.Unlock()

	for got < n {
		pg := p.allocFromMM()
		if pg == nil {
			break
		}
		if head == nil {
			head = pg
		} else {
			tail.next = pg
		}
		tail = pg
		got++
	}
	return head, tail, got
}

// Release returns one page to shard `instance`.
func (p *Pool) Release(pg *Page, instance int) {
	pg.Reset(KindFree)
	s := &p.shards[instance%len(p.shards)]
	s.lock.Lock()
	s.pushLocked(pg)
	s.lock.Unlock()
}

// ReleaseList returns a caller-built list [head..tail] of length n to
// shard `instance` in one lock acquisition.
func (p *Pool) ReleaseList(head, tail *Page, n, instance int) {
	if head == nil {
		return
	}
	s := &p.shards[instance%len(p.shards)]
	s.lock.Lock()
	tail.next = s.head
	s.head = head
	s.cnt += n
	s.lock.Unlock()
}

// Free returns the total number of pages currently sitting idle in shard
// `instance`'s free list (not counting anything still held by the
// memory manager). Used by invariant checks and tests.
func (p *Pool) Free(instance int) int {
	s := &p.shards[instance%len(p.shards)]
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cnt
}

// NumShards returns the configured shard count.
func (p *Pool) NumShards() int { return len(p.shards) }

// Seed pre-populates shard `instance` with freshly IDed pages, for tests
// and for bootstrapping a pool that is not backed by a MemoryManager.
func (p *Pool) Seed(instance, n int) {
	s := &p.shards[instance%len(p.shards)]
	s.lock.Lock()
	for i := 0; i < n; i++ {
		p.nextID++
		pg := &Page{ID: p.nextID}
		s.pushLocked(pg)
	}
	s.lock.Unlock()
}
