// Package constants holds the tuning constants shared across the scheduler
// packages. Values mirror the NDB multithreaded scheduler's defaults; they
// are constants rather than config because most of them are correctness
// boundaries (ring sizes, page layout) and not operator knobs.
package constants

import "time"

// Page layout. Every page in the system -- job buffer, send buffer, time
// queue slot array -- is cut from the same fixed-size, fixed-alignment
// allocation so the page pool can hand them out polymorphically.
const (
	// PageSize is the fixed page size in bytes (32 KiB).
	PageSize = 32768

	// PageAlign is the required alignment for page allocations.
	PageAlign = 8

	// JobBufferWords is the number of 32-bit words of signal data a job
	// buffer page can hold after its header.
	JobBufferWords = 8190

	// TimeQueueSlotsPerPage is the number of 32-word time queue slots
	// that fit in one page (256 slots * 32 words * 4 bytes == PageSize).
	TimeQueueSlotsPerPage = 256

	// TimeQueueSlotWords is the fixed size of one time queue slot image.
	TimeQueueSlotWords = 32
)

// Signal shape (DATA MODEL, spec.md section 3).
const (
	// SignalHeaderWords is the fixed header size.
	SignalHeaderWords = 7

	// SignalMaxDataWords is the maximum data payload, in 32-bit words.
	SignalMaxDataWords = 25

	// SignalMaxSections is the maximum number of section handles a
	// signal may carry.
	SignalMaxSections = 3

	// SignalMaxWords is the maximum on-wire size of a signal.
	SignalMaxWords = 32

	// SignalRNIL is the terminator value used to thread the local
	// signal stage's intrusive "next" links.
	SignalRNIL = 0xFFFFFFFF
)

// Job buffer queue (JBB/JBA) sizing, spec.md section 3/4.5.
const (
	// JobBufferRingSize is the fixed capacity, in pages, of one JBB/JBA ring.
	JobBufferRingSize = 32

	// MaxJobBuffersPerThread bounds NUM_JOB_BUFFERS_PER_THREAD; the real
	// value used at runtime is min(numThreads, MaxJobBuffersPerThread).
	MaxJobBuffersPerThread = 32

	// SafetyPages are free pages that are never consumed in normal
	// operation.
	SafetyPages = 2

	// ReservedPages are additional free pages consumed only to break a
	// wait-cycle (congestion override).
	ReservedPages = 4

	// CongestedPages is the free-page threshold below which a queue's
	// producer starts throttling (RESERVED+4).
	CongestedPages = ReservedPages + 4

	// MaxSignalsPerJB bounds the per-round execution quota for one JBB.
	MaxSignalsPerJB = 75

	// MaxSignalsBeforeWakeup is the cumulative pending-signal count
	// across all producers of a JBB that forces an immediate wakeup.
	MaxSignalsBeforeWakeup = 128
)

// Local signal stage flush thresholds, spec.md section 4.6.
const (
	// MaxSignalsBeforeFlushOther is the per-destination pending count
	// that triggers a flush of just that destination.
	MaxSignalsBeforeFlushOther = 20

	// MaxSignalsBeforeFlushReceiver is the same threshold, but lower,
	// for destinations that are receive threads.
	MaxSignalsBeforeFlushReceiver = 2

	// MaxLocalBufferUsage is the local_buffer.len (in words) above which
	// every destination with pending signals is flushed.
	MaxLocalBufferUsage = 8140

	// LocalStageStackBufWords is not referenced: internal/localstage has
	// no stack-local staging buffer and inserts staged signals straight
	// into the JBB (see DESIGN.md, "Local stage fast-path staging buffer").
	LocalStageStackBufWords = 64
)

// Time queue sizing, spec.md section 3/4.7.
const (
	ZeroQueueSize = 256
	ShortQueueSize = 512
	LongQueueSize  = 512

	// ShortDelayThresholdMillis is the boundary between the short and
	// long delay sub-queues.
	ShortDelayThresholdMillis = 100

	// TimeWrapThreshold is the 15-bit millisecond counter's wrap point.
	TimeWrapThreshold = 32767

	// MaxScanStepMillis bounds how far scan_time_queues advances
	// thread_ticks in one call, to avoid flooding the consumer after a
	// large clock leap.
	MaxScanStepMillis = 20

	// OversleepWarnThresholdMillis is the gap above which an oversleep
	// warning is logged.
	OversleepWarnThresholdMillis = 1500

	// OversleepRecoverMillis is how far behind "now" thread_ticks is
	// reset to after an oversleep; the scheduler accepts it can never
	// catch up the remainder.
	OversleepRecoverMillis = 1000

	// BoundedDelay is the magic delay value that routes a signal to the
	// zero-delay queue instead of the short/long queues.
	BoundedDelay = 0
)

// Send buffer / send thread pool, spec.md section 4.8/4.9.
const (
	// MaxSendThreads bounds the number of dedicated send threads.
	MaxSendThreads = 8

	// MaxSendBufferSizeToDelay is the buffered_size threshold below
	// which a send may be deferred for packet-size optimisation, if
	// MaxSendDelay is configured.
	MaxSendBufferSizeToDelay = 20 * 1024

	// SendOverloadDelayMicros is the back-off delay applied when a
	// transporter is in the overload state.
	SendOverloadDelayMicros = 200

	// ThrSendBufferPreAlloc is the number of pages a block thread tries
	// to keep pre-allocated in its thread-local send pool.
	ThrSendBufferPreAlloc = 32

	// MaxSendIovecEntries bounds one get_bytes_to_send_iovec call.
	MaxSendIovecEntries = 64

	// PackThresholdNumerator / PackThresholdDenominator: pack_sb_pages runs if the iovec filled but
	// total bytes are below (capacity * numerator / denominator).
	PackThresholdNumerator   = 1
	PackThresholdDenominator = 4

	// ShardRequiredPages ("RG_REQUIRED_PAGES" in the original): the
	// opportunistic cutoff used when deciding whether a send-thread
	// shard should raid a peer shard before asking the global memory
	// manager for pages outside the reserved region. Tuning constant,
	// not a correctness guarantee -- see DESIGN.md.
	ShardRequiredPages = 96
)

// Thread-local page cache, spec.md section 4.2.
const (
	// ThreadLocalCacheMax is the maximum pages held in one thread-local
	// cache.
	ThreadLocalCacheMax = 32

	// ThreadLocalCacheRefillDivisor and ThreadLocalCacheDrainNumerator /
	// ThreadLocalCacheDrainDenominator: refill and drain batches are max/6
	// and (2*max)/3 respectively.
	ThreadLocalCacheRefillDivisor = 6
	ThreadLocalCacheDrainNumerator   = 2
	ThreadLocalCacheDrainDenominator = 3
)

// Page pool sharding, spec.md section 4.1.
const (
	// MaxPagePoolShards bounds sharding by send-thread id.
	MaxPagePoolShards = MaxSendThreads
)

// Scheduling responsiveness mapping, spec.md section 6.
const (
	MinSchedResponsiveness = 0
	MaxSchedResponsiveness = 10

	MinSignalsBeforeSend = 70
	MaxSignalsBeforeSendVal = 1000

	MinSignalsBeforeSendFlush = 10
	MaxSignalsBeforeSendFlush = 340
)

// Receive thread loop cadence, spec.md section 4.11.
const (
	// UpdateConnectionsEveryNIterations is how often update_connections
	// is polled from the receive thread's main loop.
	UpdateConnectionsEveryNIterations = 16

	// PollReceiveDelayMillis is the delay passed to pollReceive when
	// there is no outstanding work and a main (non-receive) thread
	// exists.
	PollReceiveDelayMillis = 10 * time.Millisecond

	// PollReceiveDelayNoMainMillis is the same, but used when there is
	// no main thread in the configuration.
	PollReceiveDelayNoMainMillis = 1 * time.Millisecond

	// CongestionWaitTimeout bounds how long a thread yields on another
	// thread's congestion waiter before rechecking.
	CongestionWaitTimeout = 1 * time.Millisecond

	// MaxConsecutiveSleepLoops is the number of times
	// handle_full_job_buffers may loop waiting before it logs and
	// forces continued progress using extra_signals.
	MaxConsecutiveSleepLoops = 10
)

// Real-time scheduling, spec.md section 4.10.
const (
	// RealtimeBreakIntervalMillis is how long a real-time thread runs
	// busy before it is briefly downgraded to let the OS time-share.
	RealtimeBreakIntervalMillis = 50 * time.Millisecond
)

// Crash coordination, spec.md section 5/7.
const (
	// CrashAckTimeout bounds how long mt_execSTOP_FOR_CRASH waits for
	// every thread to acknowledge before dumping regardless.
	CrashAckTimeout = 2 * time.Second
)
