// Package blockio implements block-sized (512-byte) framing over a file
// handle, honoring TFTP transfer mode and netascii transcoding.
package blockio

import (
	"errors"
	"io"

	"github.com/spf13/afero"

	"github.com/ilstam/apts/internal/netascii"
	"github.com/ilstam/apts/internal/wire"
)

// BlockSize is the RFC 1350 DATA payload size.
const BlockSize = 512

// ErrClosed is returned when a caller reads from or writes to a handle that
// has already emitted or consumed its final short block.
var ErrClosed = errors.New("blockio: operation on closed handle")

// Reader yields a file's contents in BlockSize chunks, netascii-encoding
// them first if the transfer mode requires it.
type Reader struct {
	mode   wire.Mode
	file   afero.File
	closed bool

	// carry holds netascii-encoded bytes not yet shipped to the caller.
	carry []byte
	// fileDone is set once the underlying file has returned io.EOF.
	fileDone bool
}

// NewReader opens name on fs for reading and returns a Reader for it.
func NewReader(fs afero.Fs, name string, mode wire.Mode) (*Reader, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	return &Reader{mode: mode, file: f}, nil
}

// Mode reports the transfer mode this reader encodes for.
func (r *Reader) Mode() wire.Mode { return r.mode }

// NextBlock returns the next up-to-BlockSize bytes of (possibly
// netascii-encoded) file content. A block shorter than BlockSize (including
// empty) is the final block; the handle is closed and any further call
// returns ErrClosed.
func (r *Reader) NextBlock() ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}

	var block []byte
	switch r.mode {
	case wire.ModeOctet:
		block = r.nextOctetBlock()
	default:
		block = r.nextNetasciiBlock()
	}

	if len(block) < BlockSize {
		r.closed = true
		_ = r.file.Close()
	}
	return block, nil
}

func (r *Reader) nextOctetBlock() []byte {
	buf := make([]byte, BlockSize)
	n, err := io.ReadFull(r.file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		n = 0
	}
	return buf[:n]
}

// nextNetasciiBlock refills the carry buffer from the underlying file in
// BlockSize chunks (encoding each chunk as it's read) until the carry holds
// at least BlockSize bytes or the file is exhausted, then slices off
// exactly BlockSize bytes (or whatever remains).
func (r *Reader) nextNetasciiBlock() []byte {
	for len(r.carry) < BlockSize && !r.fileDone {
		chunk := make([]byte, BlockSize)
		n, err := r.file.Read(chunk)
		if n > 0 {
			r.carry = append(r.carry, netascii.Encode(chunk[:n], nil)...)
		}
		if err != nil {
			r.fileDone = true
		}
	}

	take := BlockSize
	if take > len(r.carry) {
		take = len(r.carry)
	}

	block := r.carry[:take]
	r.carry = r.carry[take:]
	return block
}

// Close releases the underlying file handle if it hasn't already been
// released by a short final block.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// Writer accepts a file's contents in blocks, netascii-decoding them first
// if the transfer mode requires it.
type Writer struct {
	mode   wire.Mode
	file   afero.File
	closed bool
}

// NewWriter creates (or truncates) name on fs for writing and returns a
// Writer for it.
func NewWriter(fs afero.Fs, name string, mode wire.Mode) (*Writer, error) {
	f, err := fs.Create(name)
	if err != nil {
		return nil, err
	}
	return &Writer{mode: mode, file: f}, nil
}

// Mode reports the transfer mode this writer decodes for.
func (w *Writer) Mode() wire.Mode { return w.mode }

// WriteBlock writes one block of (possibly netascii-encoded) data to the
// file. A block shorter than BlockSize is the final block and closes the
// handle; any further call returns ErrClosed.
func (w *Writer) WriteBlock(b []byte) error {
	if w.closed {
		return ErrClosed
	}

	out := b
	if w.mode == wire.ModeNetascii {
		out = netascii.Decode(b, nil)
	}

	if _, err := w.file.Write(out); err != nil {
		return err
	}

	if len(b) < BlockSize {
		w.closed = true
		return w.file.Close()
	}
	return nil
}

// Close releases the underlying file handle if it hasn't already been
// released by a short final block.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
