package uring

import (
	"fmt"
	"syscall"
	"time"

	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/sendbuffer"
	"github.com/behrlich/go-mtsched/internal/signal"
	"github.com/behrlich/go-mtsched/internal/wire"
)

// SocketTransporter implements interfaces.Transporter over one connected
// file descriptor, using a Ring to batch writev/readv calls. It plays
// the role the teacher's queue.Runner played for one ublk hardware
// queue: own a send buffer, own a receive scratch area, and drain both
// through the same ring with one syscall per round.
type SocketTransporter struct {
	trpID uint32
	fd    int
	ring  *Ring
	out   *sendbuffer.Buffer

	recvBuf  []byte
	onSignal func(sig *signal.Signal) (buffersFull bool)

	connected bool
}

// NewSocketTransporter wires a connected fd, a Ring and this
// transporter's outgoing sendbuffer.Buffer together. onSignal is called
// once per fully-decoded incoming signal; it returns true if injecting
// it discovered a downstream job buffer FULL (spec.md section 4.11).
func NewSocketTransporter(trpID uint32, fd int, ring *Ring, out *sendbuffer.Buffer, onSignal func(*signal.Signal) bool) *SocketTransporter {
	return &SocketTransporter{
		trpID:     trpID,
		fd:        fd,
		ring:      ring,
		out:       out,
		recvBuf:   make([]byte, 64*1024),
		onSignal:  onSignal,
		connected: true,
	}
}

// PrepareSend marshals sig onto the end of this transporter's send
// buffer (spec.md section 6, core -> transporter). It never blocks on
// the network; PerformSend drains whatever has accumulated.
func (t *SocketTransporter) PrepareSend(trpID uint32, prio signal.Priority, sig *signal.Signal) (interfaces.SendStatus, error) {
	if !t.connected {
		return interfaces.SendDisconnected, nil
	}
	need := wire.HeaderBytes + 4*int(sig.Header.Length) + 4*int(sig.Header.SectionCount)
	buf := t.out.GetWritePtr(need)
	if buf == nil {
		return interfaces.SendBufferFull, nil
	}
	n, err := wire.MarshalSignal(sig, buf)
	if err != nil {
		return interfaces.SendBufferFull, err
	}
	t.out.UpdateWritePtr(n)
	return interfaces.SendOK, nil
}

// PerformSend drains this transporter's send buffer through the ring:
// gather pending bytes into a batch of writev iovecs, submit them in
// one FlushSubmissions call, and advance the send buffer's read
// position by however many bytes the kernel accepted.
func (t *SocketTransporter) PerformSend(trpID uint32, nonBlocking bool) error {
	if !t.connected {
		return fmt.Errorf("uring: transporter %d disconnected", trpID)
	}

	iov := make([]interfaces.IOVec, 0, 16)
	n := t.out.GetBytesToSendIovec(iov[:cap(iov)])
	if n == 0 {
		return nil
	}
	iov = iov[:n]

	sysIov := make([]syscall.Iovec, n)
	for i, v := range iov {
		sysIov[i] = syscall.Iovec{Base: &v.Base[0]}
		sysIov[i].SetLen(v.Length)
	}

	if err := t.ring.PrepareWritev(t.fd, sysIov, uint64(t.trpID)); err != nil {
		return err
	}
	if _, err := t.ring.FlushSubmissions(); err != nil {
		return err
	}

	timeout := 10 * time.Millisecond
	if nonBlocking {
		timeout = 0
	}
	results, err := t.ring.WaitCompletions(timeout)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.N < 0 {
			t.connected = false
			return fmt.Errorf("uring: send on transporter %d failed: %d", t.trpID, res.N)
		}
		t.out.BytesSent(int(res.N))
	}
	return nil
}

// UpdateConnections is a no-op: a SocketTransporter owns exactly one
// already-connected fd, unlike the teacher's controller which owned
// device lifecycle ioctls.
func (t *SocketTransporter) UpdateConnections() error {
	return nil
}

// PollReceive submits a batched read into the receive scratch buffer
// and waits up to delayMillis for it to complete.
func (t *SocketTransporter) PollReceive(delayMillis int) (numEvents int, err error) {
	if !t.connected {
		return 0, nil
	}
	sysIov := []syscall.Iovec{{Base: &t.recvBuf[0]}}
	sysIov[0].SetLen(len(t.recvBuf))

	if err := t.ring.PrepareReadv(t.fd, sysIov, uint64(t.trpID)); err != nil {
		return 0, err
	}
	if _, err := t.ring.FlushSubmissions(); err != nil {
		return 0, err
	}
	results, err := t.ring.WaitCompletions(time.Duration(delayMillis) * time.Millisecond)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// PerformReceive decodes every signal in the bytes most recently read
// and hands each to onSignal, returning true if any injection found a
// downstream job buffer FULL.
func (t *SocketTransporter) PerformReceive(recvIdx int) (buffersFull bool, err error) {
	if !t.connected || t.onSignal == nil {
		return false, nil
	}
	data := t.recvBuf
	for len(data) >= wire.HeaderBytes {
		var sig signal.Signal
		n, derr := wire.UnmarshalSignal(data, &sig)
		if derr != nil {
			break
		}
		if t.onSignal(&sig) {
			buffersFull = true
		}
		data = data[n:]
	}
	return buffersFull, nil
}
