// Package peer owns sockets and gives them message-level semantics: a
// reconnecting TCP client, a descriptor-oriented TCP server used by the
// reactor, and a broadcast-capable UDP peer.
//
// TCP messages are framed as a 4-byte big-endian length followed by that many
// bytes: the payload plus one 0x00 terminator appended by the sender. The
// length is always written in network byte order so peers on different
// architectures agree on it.
package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4
	// MaxFrameSize bounds the length prefix accepted by ReadFrame.
	MaxFrameSize = 16 * 1024 * 1024
	// Terminator is the byte appended to every payload on the wire.
	Terminator = 0x00
)

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds the limit.
	ErrFrameTooLarge = errors.New("peer: frame exceeds maximum size")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("peer: transport closed")
	// ErrWouldBlock is returned by Server.Accept on a non-blocking listener
	// with no pending connection.
	ErrWouldBlock = errors.New("peer: operation would block")
)

// EncodeFrame returns the wire form of payload. A nil or empty payload still
// produces the prefix and the terminator.
//
// Parameters:
//   - payload: Message bytes; not modified
//
// Returns:
//   - HeaderSize + len(payload) + 1 bytes ready to be written
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload)+1)
	binary.BigEndian.PutUint32(buf, uint32(len(payload)+1))
	copy(buf[HeaderSize:], payload)
	buf[len(buf)-1] = Terminator
	return buf
}

// WriteFrame writes payload as one frame, resuming after partial writes and
// retrying interrupted ones.
//
// Parameters:
//   - w: Destination stream
//   - payload: Message bytes
//
// Returns:
//   - An error if the frame could not be written completely
func WriteFrame(w io.Writer, payload []byte) error {
	return writeFull(w, EncodeFrame(payload))
}

// ReadFrame reads exactly one frame from r and returns its payload without
// the terminator. Short reads are continued until the prefix and the whole
// body have arrived; a stream that ends in between yields io.ErrUnexpectedEOF.
//
// Parameters:
//   - r: Source stream
//   - maxSize: Largest accepted length prefix; 0 selects MaxFrameSize
//
// Returns:
//   - The payload (empty, never nil, for an empty message)
//   - io.EOF if r ended cleanly before a new frame, ErrFrameTooLarge, or a read error
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}

	var hdr [HeaderSize]byte
	if err := readFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}

	if n == 0 {
		return []byte{}, nil
	}

	body := make([]byte, n)
	if err := readFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}

		return nil, err
	}

	if body[n-1] == Terminator {
		body = body[:n-1]
	}

	return body, nil
}

// readFull fills buf, retrying EINTR. io.EOF is only returned when nothing
// was read.
func readFull(r io.Reader, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if err == nil {
			continue
		}

		if errors.Is(err, syscall.EINTR) {
			continue
		}

		if errors.Is(err, io.EOF) && got > 0 && got < len(buf) {
			return io.ErrUnexpectedEOF
		}

		if got == len(buf) {
			return nil
		}

		return err
	}

	return nil
}

func writeFull(w io.Writer, buf []byte) error {
	sent := 0
	for sent < len(buf) {
		n, err := w.Write(buf[sent:])
		sent += n
		if err == nil {
			continue
		}

		if errors.Is(err, syscall.EINTR) {
			continue
		}

		return err
	}

	return nil
}

// FrameBuffer reassembles frames from bytes that arrive in arbitrary chunks,
// for readers that must not wait for the rest of a frame. It is not safe for
// concurrent use.
type FrameBuffer struct {
	buf     []byte
	maxSize uint32
}

// NewFrameBuffer returns an empty FrameBuffer.
//
// Parameters:
//   - maxSize: Largest accepted length prefix; 0 selects MaxFrameSize
func NewFrameBuffer(maxSize uint32) *FrameBuffer {
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}

	return &FrameBuffer{maxSize: maxSize}
}

// Write appends p to the pending bytes. It never fails.
func (b *FrameBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed by Next.
func (b *FrameBuffer) Buffered() int {
	return len(b.buf)
}

// Next removes the oldest complete frame and returns its payload without the
// terminator.
//
// Returns:
//   - The payload and true, or nil and false while the frame is incomplete
//   - ErrFrameTooLarge if the pending length prefix exceeds the limit
func (b *FrameBuffer) Next() ([]byte, bool, error) {
	if len(b.buf) < HeaderSize {
		return nil, false, nil
	}

	n := binary.BigEndian.Uint32(b.buf)
	if n > b.maxSize {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, b.maxSize)
	}

	end := HeaderSize + int(n)
	if len(b.buf) < end {
		return nil, false, nil
	}

	body := make([]byte, n)
	copy(body, b.buf[HeaderSize:end])
	b.buf = b.buf[:copy(b.buf, b.buf[end:])]

	if n > 0 && body[n-1] == Terminator {
		body = body[:n-1]
	}

	return body, true, nil
}
