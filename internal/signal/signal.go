// Package signal defines the wire-level message the scheduler dispatches:
// a fixed-header, bounded-payload signal plus up to three opaque section
// handles. Signals are value types -- they are copied into and out of
// queues, never shared by pointer across threads, so that a single-writer
// page producer never races a consumer's in-place read.
package signal

import "github.com/behrlich/go-mtsched/internal/constants"

// BlockRef addresses a block instance: a block number and an instance
// number packed together, matching the "sender block reference" /
// "receiver block number" fields of the header.
type BlockRef uint32

// NewBlockRef packs a block number and instance number into a BlockRef.
func NewBlockRef(blockNo uint16, instanceNo uint16) BlockRef {
	return BlockRef(uint32(blockNo)<<16 | uint32(instanceNo))
}

// BlockNo returns the block number component.
func (r BlockRef) BlockNo() uint16 { return uint16(r >> 16) }

// InstanceNo returns the instance number component.
func (r BlockRef) InstanceNo() uint16 { return uint16(r) }

// Priority selects which job buffer (JBA or JBB) a signal is queued on.
type Priority uint8

const (
	PriorityB Priority = iota // normal job buffer traffic
	PriorityA                 // pre-empting, always-flushed traffic
)

// Header is the 7-word signal header (DATA MODEL, spec.md section 3).
type Header struct {
	SenderRef   BlockRef // sender block reference
	ReceiverNo  uint16   // receiver block number
	GSN         uint16   // global signal number
	Length      uint16   // data length in words
	SectionCount uint8   // number of valid section handles (0-3)
	Trace       bool     // trace flag
	SignalID    uint32   // monotonically increasing signal id
}

// SectionHandle is an opaque reference to a variable-length section
// payload owned elsewhere; the scheduler core never dereferences it.
type SectionHandle uint32

// Signal is a value-copied message: header, up to 25 data words, and up
// to 3 section handles. Max on-wire size is constants.SignalMaxWords.
type Signal struct {
	Header   Header
	Data     [constants.SignalMaxDataWords]uint32
	Sections [constants.SignalMaxSections]SectionHandle
}

// Words returns the number of 32-bit words this signal occupies on the
// wire: header words plus data length.
func (s *Signal) Words() int {
	return constants.SignalHeaderWords + int(s.Header.Length)
}

// WireWords returns the number of 32-bit words this signal occupies when
// stored in a queue page: header, data, and one word per section handle.
func (s *Signal) WireWords() int {
	return s.Words() + int(s.Header.SectionCount)
}

// Valid reports whether the signal's declared shape fits within the
// hard bounds all queues and pages assume.
func (s *Signal) Valid() bool {
	if int(s.Header.Length) > constants.SignalMaxDataWords {
		return false
	}
	if int(s.Header.SectionCount) > constants.SignalMaxSections {
		return false
	}
	return s.Words() <= constants.SignalMaxWords
}

// CopyFrom overwrites the receiver with a value copy of src. Used at
// every queue boundary (local stage -> JBB, JBB -> execute, time queue
// slot -> prio-A redelivery) so that no two threads ever observe the
// same backing array.
func (s *Signal) CopyFrom(src *Signal) {
	s.Header = src.Header
	n := src.Header.Length
	if int(n) > constants.SignalMaxDataWords {
		n = constants.SignalMaxDataWords
	}
	copy(s.Data[:n], src.Data[:n])
	s.Sections = src.Sections
}
