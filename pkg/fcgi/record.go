// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package fcgi implements the FastCGI record layer and its client and
// server endpoints: a single connection multiplexes requests by id, with
// PARAMS/STDIN/STDOUT/STDERR substreams delimited by empty records.
package fcgi

import (
	"encoding/binary"

	"github.com/spurringworld/pipy/pkg/event"
)

// Record types.
const (
	TypeBeginRequest = 1
	TypeAbortRequest = 2
	TypeEndRequest   = 3
	TypeParams       = 4
	TypeStdin        = 5
	TypeStdout       = 6
	TypeStderr       = 7
	TypeData         = 8
)

// Roles carried in BEGIN_REQUEST.
const (
	RoleResponder  = 1
	RoleAuthorizer = 2
	RoleFilter     = 3
)

// Protocol statuses carried in END_REQUEST.
const (
	StatusRequestComplete = 0
	StatusCantMpxConn     = 1
	StatusOverloaded      = 2
	StatusUnknownRole     = 3
)

const headerSize = 8

// header is the 8-byte record header: version, type, request id, content
// length, padding length and a reserved byte.
type header struct {
	version       byte
	recType       byte
	requestID     int
	contentLength int
	paddingLength int
}

func parseHeader(p []byte) header {
	return header{
		version:       p[0],
		recType:       p[1],
		requestID:     int(binary.BigEndian.Uint16(p[2:4])),
		contentLength: int(binary.BigEndian.Uint16(p[4:6])),
		paddingLength: int(p[6]),
	}
}

// writeRecord frames body as one record into out, splitting bodies larger
// than the 16-bit content length across records.
func writeRecord(out *event.Buffer, recType, requestID int, body []byte) {
	for {
		n := len(body)
		if n > 0xffff {
			n = 0xffff
		}
		var h [headerSize]byte
		h[0] = 1
		h[1] = byte(recType)
		binary.BigEndian.PutUint16(h[2:4], uint16(requestID))
		binary.BigEndian.PutUint16(h[4:6], uint16(n))
		out.Push(h[:])
		out.Push(body[:n])
		body = body[n:]
		if len(body) == 0 {
			return
		}
	}
}

// deframer incrementally cuts records out of the byte stream.
type deframer struct {
	buffer *event.Buffer
}

func newDeframer() *deframer {
	return &deframer{buffer: event.NewBuffer()}
}

func (d *deframer) push(buf *event.Buffer) {
	d.buffer.PushBuffer(buf)
}

// next returns the next complete record, or false while more bytes are
// needed.
func (d *deframer) next() (header, *event.Buffer, bool) {
	if d.buffer.Size() < headerSize {
		return header{}, nil, false
	}
	var raw [headerSize]byte
	for i := range raw {
		raw[i] = d.buffer.ByteAt(i)
	}
	h := parseHeader(raw[:])
	total := headerSize + h.contentLength + h.paddingLength
	if d.buffer.Size() < total {
		return header{}, nil, false
	}
	d.buffer.Shift(headerSize).Release()
	body := d.buffer.Shift(h.contentLength)
	d.buffer.Shift(h.paddingLength).Release()
	return h, body, true
}

func (d *deframer) reset() {
	d.buffer.Release()
}

// encodeNameValues encodes FastCGI name-value pairs with 1-or-4-byte
// lengths (high bit marks the long form).
func encodeNameValues(out *event.Buffer, pairs map[string]string) {
	writeLen := func(n int) {
		if n < 128 {
			out.PushByte(byte(n))
			return
		}
		var raw [4]byte
		binary.BigEndian.PutUint32(raw[:], uint32(n)|0x80000000)
		out.Push(raw[:])
	}
	for k, v := range pairs {
		writeLen(len(k))
		writeLen(len(v))
		out.PushString(k)
		out.PushString(v)
	}
}

// decodeNameValues parses FastCGI name-value pairs.
func decodeNameValues(p []byte) map[string]string {
	out := map[string]string{}
	readLen := func() (int, bool) {
		if len(p) == 0 {
			return 0, false
		}
		if p[0] < 128 {
			n := int(p[0])
			p = p[1:]
			return n, true
		}
		if len(p) < 4 {
			return 0, false
		}
		n := int(binary.BigEndian.Uint32(p[:4]) &^ 0x80000000)
		p = p[4:]
		return n, true
	}
	for len(p) > 0 {
		nk, ok := readLen()
		if !ok {
			break
		}
		nv, ok := readLen()
		if !ok || len(p) < nk+nv {
			break
		}
		out[string(p[:nk])] = string(p[nk : nk+nv])
		p = p[nk+nv:]
	}
	return out
}
