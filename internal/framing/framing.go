// Package framing delimits a byte stream into length-prefixed frames.
//
// Wire format:
//
//	0       4
//	+-------+----------------+
//	| size  | payload ...    |
//	+-------+----------------+
//
// size is a little-endian uint32 holding the total frame length, header
// included. A frame carrying an empty payload therefore has size 4.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize = 4

	// DefaultMaxFrameSize bounds a single frame, header included.
	DefaultMaxFrameSize = 16 << 20

	// Buffers larger than this are reallocated once mostly drained so one
	// large frame does not pin its memory for the life of the connection.
	compactThreshold = 256 << 10
)

var (
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrInvalidFrameSize = errors.New("invalid frame size")
	ErrPayloadTooLarge  = errors.New("payload too large")
)

// FramingError reports a malformed or oversized frame header. It is fatal to
// the connection that produced it.
type FramingError struct {
	Size uint32
	Max  int
	Err  error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: %v (size=%d max=%d)", e.Err, e.Size, e.Max)
}

func (e *FramingError) Unwrap() error { return e.Err }

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	total := uint64(len(payload)) + HeaderSize
	if total > uint64(^uint32(0)) {
		return dst, ErrPayloadTooLarge
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(total))
	return append(dst, payload...), nil
}

// Encode returns payload wrapped in a frame.
func Encode(payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
}

// Decoder reassembles frames from arbitrarily split input. It is not safe for
// concurrent use; use one Decoder per connection.
type Decoder struct {
	max int
	buf []byte
	err error
}

func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{max: maxFrameSize}
}

// Write buffers p. It never fails; header errors surface from Next.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes held for incomplete frames.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete payload. ok is false when more input is
// required. Once Next returns an error the decoder is poisoned and keeps
// returning it.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	if d.err != nil {
		return nil, false, d.err
	}
	if len(d.buf) < HeaderSize {
		return nil, false, nil
	}
	size := binary.LittleEndian.Uint32(d.buf[:HeaderSize])
	if size < HeaderSize {
		d.fail(&FramingError{Size: size, Max: d.max, Err: ErrInvalidFrameSize})
		return nil, false, d.err
	}
	if uint64(size) > uint64(d.max) {
		d.fail(&FramingError{Size: size, Max: d.max, Err: ErrFrameTooLarge})
		return nil, false, d.err
	}
	if len(d.buf) < int(size) {
		return nil, false, nil
	}

	payload = make([]byte, int(size)-HeaderSize)
	copy(payload, d.buf[HeaderSize:size])

	rest := copy(d.buf, d.buf[size:])
	d.buf = d.buf[:rest]
	if cap(d.buf) > compactThreshold && len(d.buf) < cap(d.buf)/4 {
		d.buf = append([]byte(nil), d.buf...)
	}
	return payload, true, nil
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.buf = nil
}

// Reader reads frames from an io.Reader.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	chunk []byte
}

func NewReader(r io.Reader, maxFrameSize int) *Reader {
	return &Reader{
		r:     r,
		dec:   NewDecoder(maxFrameSize),
		chunk: make([]byte, 32<<10),
	}
}

// ReadFrame blocks until a full payload is available. A stream that ends
// between frames returns io.EOF; one that ends mid-frame returns
// io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		payload, ok, err := r.dec.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}

		n, err := r.r.Read(r.chunk)
		if n > 0 {
			_, _ = r.dec.Write(r.chunk[:n])
		}
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				// Drain what was delivered alongside EOF before reporting it.
				if payload, ok, derr := r.dec.Next(); derr != nil || ok {
					return payload, derr
				}
			}
			if errors.Is(err, io.EOF) && r.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Writer writes frames to an io.Writer. It is not safe for concurrent use.
type Writer struct {
	w   io.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame frames payload and writes it with a single Write call.
func (w *Writer) WriteFrame(payload []byte) error {
	buf, err := AppendFrame(w.buf[:0], payload)
	if err != nil {
		return err
	}
	w.buf = buf
	_, err = w.w.Write(buf)
	return err
}
