// Package pagepool implements the fixed-size page allocator shared by
// job buffers, send buffers and the time queue (spec.md sections 3, 4.1,
// 4.2, design note "Polymorphic page reinterpretation"). Every page is
// the same fixed, aligned allocation; a tagged Kind field prevents one
// active page from being interpreted as two different layouts at once.
package pagepool

import "github.com/behrlich/go-mtsched/internal/constants"

// pageWords is the number of 32-bit words in one page.
const pageWords = constants.PageSize / 4

// Kind tags how a page's word array is currently being interpreted.
// Asserting this on every access is the "tagged wrapper" the design notes
// prefer over raw reinterpretation of an untyped buffer.
type Kind uint8

const (
	KindFree Kind = iota
	KindJobBuffer
	KindSend
	KindTimeQueue
	KindLocalStage
)

// Page is the single, fixed 32 KiB allocation unit. PageAlign is honored
// by construction: Words is a fixed array of uint32, so any Page value
// (and any slice backing it) is naturally 4-byte aligned by the Go
// runtime, and accesses proceed in word units, never byte-at-a-time
// across the boundary.
type Page struct {
	ID   uint32
	Kind Kind

	// Words holds the page's payload, reinterpreted according to Kind:
	//   KindJobBuffer:  Words[0] = {length, prioA-flag}, Words[1:] = signal stream
	//   KindSend:       the whole array is raw bytes (internal/sendbuffer
	//                   keeps start/end offsets outside the page)
	//   KindTimeQueue:  256 slots of 32 words each
	//   KindLocalStage: bump-allocated {next, length, signal} entries,
	//                   threaded per destination thread (internal/localstage)
	Words [pageWords]uint32

	// next threads the page onto whichever intrusive singly-linked list
	// currently owns it (pool free list, thread-local cache FIFO, or a
	// caller-owned list such as a send buffer's bufferred/sending list).
	// Exactly one owner holds a reference to a page at a time (spec.md
	// section 3, "Ownership summary"), so reusing one link field across
	// owners is safe.
	next *Page
}

// Reset clears a page for reuse and assigns a new kind tag. Called by
// whichever component seizes the page from the pool.
func (p *Page) Reset(kind Kind) {
	p.Kind = kind
	for i := range p.Words {
		p.Words[i] = 0
	}
	p.next = nil
}

// AsJobBufferHeader/AsSendHeader/AsTimeQueueHeader would further
// interpret Words[0] into a typed header; job buffer, send buffer, and
// time queue packages do that locally since each has different word
// layouts and none of them are shared outside their owning package.
