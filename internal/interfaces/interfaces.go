// Package interfaces provides the internal interface definitions for
// go-mtsched. They are kept separate from the public package to avoid
// circular imports between the root package and the scheduler internals,
// the same split the teacher project uses for its Backend/Logger/Observer
// contracts.
package interfaces

import "github.com/behrlich/go-mtsched/internal/signal"

// Block is the external collaborator contract (spec.md section 6, "Block
// dispatch contract"): the scheduler core calls Execute with a populated
// signal and never inspects the result. Errors are signalled by the block
// itself constructing and sending a new signal to an error handler; the
// core provides no error return here by design.
type Block interface {
	Execute(gsn uint16, sig *signal.Signal)
}

// SendStatus is the result of a prepareSend call.
type SendStatus int

const (
	SendOK SendStatus = iota
	SendBufferFull
	SendDisconnected
)

// Transporter is the wire transporter contract (spec.md section 6). The
// core only ever calls these five methods; the transporter calls back via
// the SendCallback interface below.
type Transporter interface {
	PrepareSend(trpID uint32, prio signal.Priority, sig *signal.Signal) (SendStatus, error)
	PerformSend(trpID uint32, nonBlocking bool) error
	UpdateConnections() error
	PollReceive(delayMillis int) (numEvents int, err error)
	PerformReceive(recvIdx int) (buffersFull bool, err error)
}

// IOVec mirrors the (base, length) pair handed to a transporter's
// scatter-gather send path.
type IOVec struct {
	Base   []byte
	Length int
}

// SendCallback is implemented by the send buffer / send-thread pool and
// invoked by the transporter (spec.md section 6, "Transporter -> core").
type SendCallback interface {
	GetBytesToSendIovec(trpID uint32, iov []IOVec) (count int, err error)
	BytesSent(trpID uint32, n int) (remaining int, err error)
	EnableSendBuffer(trpID uint32)
	DisableSendBuffer(trpID uint32)
	LockTransporter(trpID uint32)
	UnlockTransporter(trpID uint32)
	LockSendTransporter(trpID uint32)
	UnlockSendTransporter(trpID uint32)
}

// MemoryManager is the external page allocator collaborator (spec.md
// section 1, "memory manager"): fixed-size 32 KiB page alloc/free, called
// only on page pool shard miss.
type MemoryManager interface {
	AllocPage() (pageID uint32, ok bool)
	FreePage(pageID uint32)
}

// Watchdog is the external watchdog registration interface (spec.md
// section 1). Nothing in this module calls Register or Kick; no
// watchdog is wired into the scheduler round.
type Watchdog interface {
	Register(threadNo uint32) (token uint32)
	Kick(token uint32)
}

// AffinityConfigurator is the external thread-affinity/priority
// configurator collaborator (spec.md section 1). A concrete Linux
// implementation lives in internal/ctrl, built on golang.org/x/sys/unix.
type AffinityConfigurator interface {
	SetAffinity(threadNo uint32, cpus []int) error
	SetRealtime(threadNo uint32, enabled bool) error
}

// Logger is the diagnostic logging collaborator used throughout the
// scheduler core for oversleep warnings, contended-lock reports and
// congestion/crash diagnostics.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer is the metrics collection collaborator. Implementations must
// be thread-safe: methods are called from block-thread, send-thread and
// receive-thread contexts concurrently.
type Observer interface {
	ObserveSignalExecuted(gsn uint16, prio signal.Priority)
	ObserveJobBufferDepth(threadNo uint32, jbbNo uint32, freePages int)
	ObserveSendBytes(trpID uint32, n int)
	ObserveWait(threadNo uint32, slept bool)
	ObserveCongestion(threadNo uint32, congested bool)
}
