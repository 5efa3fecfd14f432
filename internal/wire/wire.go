// Package wire implements the on-the-wire encoding of a signal header
// (spec.md section 6, "Transporter contract"): the fixed byte layout a
// transporter's send/receive path marshals to and from, independent of
// the in-memory Signal layout internal/jobbuffer's pages use. Kept
// separate from internal/signal so a future wire format change never
// touches the hot page-copy path.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/behrlich/go-mtsched/internal/signal"
)

// ErrShortBuffer is returned by Unmarshal when data is too small to hold
// a complete header.
var ErrShortBuffer = errors.New("wire: buffer too short for signal header")

// HeaderBytes is the fixed-size on-the-wire encoding of Header: every
// field packed little-endian, section count and trace flag sharing one
// byte pair with length, matching the teacher's own manual
// binary.LittleEndian field-by-field layout for fixed C-compatible
// structs.
const HeaderBytes = 4 + 2 + 2 + 2 + 1 + 1 + 4

// MarshalHeader encodes h into buf[:HeaderBytes]. buf must have length
// at least HeaderBytes.
func MarshalHeader(h *signal.Header, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.SenderRef))
	binary.LittleEndian.PutUint16(buf[4:6], h.ReceiverNo)
	binary.LittleEndian.PutUint16(buf[6:8], h.GSN)
	binary.LittleEndian.PutUint16(buf[8:10], h.Length)
	buf[10] = h.SectionCount
	if h.Trace {
		buf[11] = 1
	} else {
		buf[11] = 0
	}
	binary.LittleEndian.PutUint32(buf[12:16], h.SignalID)
}

// UnmarshalHeader decodes a header from data, which must be at least
// HeaderBytes long.
func UnmarshalHeader(data []byte, h *signal.Header) error {
	if len(data) < HeaderBytes {
		return ErrShortBuffer
	}
	h.SenderRef = signal.BlockRef(binary.LittleEndian.Uint32(data[0:4]))
	h.ReceiverNo = binary.LittleEndian.Uint16(data[4:6])
	h.GSN = binary.LittleEndian.Uint16(data[6:8])
	h.Length = binary.LittleEndian.Uint16(data[8:10])
	h.SectionCount = data[10]
	h.Trace = data[11] != 0
	h.SignalID = binary.LittleEndian.Uint32(data[12:16])
	return nil
}

// MarshalSignal encodes a full signal -- header, data words, and section
// handles -- into buf. Returns the number of bytes written, or an error
// if buf is too small. The layout is header, then Length data words,
// then SectionCount section handles, each a little-endian uint32.
func MarshalSignal(sig *signal.Signal, buf []byte) (int, error) {
	need := HeaderBytes + 4*int(sig.Header.Length) + 4*int(sig.Header.SectionCount)
	if len(buf) < need {
		return 0, ErrShortBuffer
	}
	MarshalHeader(&sig.Header, buf)
	off := HeaderBytes
	for i := 0; i < int(sig.Header.Length); i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], sig.Data[i])
		off += 4
	}
	for i := 0; i < int(sig.Header.SectionCount); i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(sig.Sections[i]))
		off += 4
	}
	return need, nil
}

// UnmarshalSignal decodes a full signal from data, the inverse of
// MarshalSignal. Returns the number of bytes consumed.
func UnmarshalSignal(data []byte, sig *signal.Signal) (int, error) {
	if err := UnmarshalHeader(data, &sig.Header); err != nil {
		return 0, err
	}
	need := HeaderBytes + 4*int(sig.Header.Length) + 4*int(sig.Header.SectionCount)
	if len(data) < need {
		return 0, ErrShortBuffer
	}
	off := HeaderBytes
	for i := 0; i < int(sig.Header.Length); i++ {
		sig.Data[i] = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
	}
	for i := 0; i < int(sig.Header.SectionCount); i++ {
		sig.Sections[i] = signal.SectionHandle(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	return need, nil
}
