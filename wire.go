// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// headerSize is the byte length of the mini header: {type: u16, size: u32}.
const headerSize = 6

// frame is a decoded mini-header message: the wire type tag plus its
// payload. It replaces the prepend-size-trick the original C source uses
// to walk a packed buffer backwards (SPEC_FULL.md §5).
type frame struct {
	Type  MessageType
	Bytes []byte
}

// readFrame reads one mini-header message from r: a six-byte
// {type:u16, size:u32} header in little-endian order followed by exactly
// size bytes of payload.
func readFrame(ctx context.Context, r io.Reader) (frame, error) {
	var hdr [headerSize]byte
	if err := readFullWithContext(ctx, r, hdr[:]); err != nil {
		return frame{}, err
	}

	typ := binary.LittleEndian.Uint16(hdr[0:2])
	size := binary.LittleEndian.Uint32(hdr[2:6])

	if err := defaultValidator.ValidateFrameSize(size, maxFrameSize); err != nil {
		return frame{}, protocolError("readFrame",
			fmt.Sprintf("frame size %d exceeds maximum %d", size, maxFrameSize), err)
	}

	payload := make([]byte, size)
	if size > 0 {
		if err := readFullWithContext(ctx, r, payload); err != nil {
			return frame{}, err
		}
	}

	return frame{Type: MessageType(typ), Bytes: payload}, nil
}

// writeFrame writes one mini-header message to w under the caller's
// synchronization (transport.go's send mutex serializes this).
func writeFrame(ctx context.Context, w io.Writer, typ MessageType, payload []byte) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(typ))
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(len(payload)))

	buf := make([]byte, 0, headerSize+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)

	return writeFullWithContext(ctx, w, buf)
}

// maxFrameSize bounds a single mini-header payload to guard against a
// malicious or corrupt size field driving an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

// wireEncoder accumulates fixed-layout fields in wire (little-endian) byte
// order, mirroring the teacher's writeBinaryWithContext helper built over
// bytes.Buffer + binary.Write.
type wireEncoder struct {
	buf bytes.Buffer
}

func newWireEncoder() *wireEncoder {
	return &wireEncoder{}
}

func (e *wireEncoder) put(v any) *wireEncoder {
	_ = binary.Write(&e.buf, binary.LittleEndian, v)
	return e
}

func (e *wireEncoder) putBytes(b []byte) *wireEncoder {
	e.buf.Write(b)
	return e
}

func (e *wireEncoder) bytes() []byte {
	return e.buf.Bytes()
}

// wireDecoder reads fixed-layout fields out of a payload in wire order,
// recording the underlying read error (reported by Err) the first time
// a read runs past the end of the buffer instead of panicking; callers
// wrap it as a protocol error.
type wireDecoder struct {
	r   *bytes.Reader
	err error
}

func newWireDecoder(b []byte) *wireDecoder {
	return &wireDecoder{r: bytes.NewReader(b)}
}

func (d *wireDecoder) get(v any) *wireDecoder {
	if d.err != nil {
		return d
	}
	d.err = binary.Read(d.r, binary.LittleEndian, v)
	return d
}

// getBytes reads exactly n bytes.
func (d *wireDecoder) getBytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
		return nil
	}
	return b
}

// remaining returns every byte not yet consumed.
func (d *wireDecoder) remaining() []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, d.r.Len())
	_, _ = d.r.Read(b)
	return b
}

func (d *wireDecoder) Err() error {
	return d.err
}
