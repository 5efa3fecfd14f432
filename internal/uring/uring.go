// Package uring wraps a single io_uring instance for batched vectored
// send/receive, grounded on the teacher's internal/uring: the same
// Ring/Batch/Result interface shape, but repurposed away from ublk's
// URING_CMD control-plane commands. Here a Ring drives plain file
// descriptors -- the sockets/pipes a transporter (spec.md section 6)
// reads and writes -- submitting a whole batch of prepared writev/readv
// operations with one FlushSubmissions call, the same "prepare many,
// flush once" idiom the teacher's queue runner uses for ublk I/O
// commands.
package uring

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	giouring "github.com/pawelgaczynski/giouring"
)

// ErrRingFull is returned when the submission queue has no free slot.
var ErrRingFull = errors.New("uring: submission queue full")

// Result is the outcome of one submitted operation.
type Result struct {
	UserData uint64
	N        int32
	Err      error
}

// Ring submits batched writev/readv operations against arbitrary file
// descriptors and harvests their completions, the building block
// SocketTransporter drives. internal/sendthread and internal/recvthread
// do not use it directly; they reach transporters only through
// interfaces.Transporter.
type Ring struct {
	ring    *giouring.Ring
	entries uint32
}

// New creates a ring with room for entries in-flight submissions.
func New(entries uint32) (*Ring, error) {
	r, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("uring: create ring: %w", err)
	}
	return &Ring{ring: r, entries: entries}, nil
}

// Close tears down the ring.
func (r *Ring) Close() {
	if r.ring != nil {
		r.ring.QueueExit()
	}
}

// PrepareWritev stages a batched vectored write of iov to fd, tagged
// with userData, without submitting it to the kernel yet.
func (r *Ring) PrepareWritev(fd int, iov []syscall.Iovec, userData uint64) error {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	sqe.PrepareWritev(int32(fd), iov, 0, 0)
	sqe.UserData = userData
	return nil
}

// PrepareReadv stages a batched vectored read from fd into iov, tagged
// with userData, without submitting it to the kernel yet.
func (r *Ring) PrepareReadv(fd int, iov []syscall.Iovec, userData uint64) error {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	sqe.PrepareReadv(int32(fd), iov, 0, 0)
	sqe.UserData = userData
	return nil
}

// FlushSubmissions submits every staged SQE with one io_uring_enter
// syscall and returns how many were submitted.
func (r *Ring) FlushSubmissions() (int, error) {
	n, err := r.ring.Submit()
	if err != nil {
		return 0, fmt.Errorf("uring: submit: %w", err)
	}
	return int(n), nil
}

// WaitCompletions blocks for at least one completion (or timeout) and
// drains every completion currently available.
func (r *Ring) WaitCompletions(timeout time.Duration) ([]Result, error) {
	cqe, err := r.ring.WaitCQETimeout(timeout)
	if err != nil {
		return nil, nil
	}

	var out []Result
	for cqe != nil {
		out = append(out, Result{UserData: cqe.UserData, N: cqe.Res})
		r.ring.CQESeen(cqe)
		cqe, _ = r.ring.PeekCQE()
	}
	return out, nil
}
