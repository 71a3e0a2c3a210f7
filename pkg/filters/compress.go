// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Algorithm names accepted by the message compression filters.
const (
	AlgorithmGzip    = "gzip"
	AlgorithmDeflate = "deflate"
)

// ValidAlgorithm reports whether the compression algorithm is supported.
// Brotli is not: nothing provides it, and the binder rejects it at apply
// time.
func ValidAlgorithm(name string) bool {
	return name == AlgorithmGzip || name == AlgorithmDeflate
}

func compressBytes(algorithm string, src []byte) ([]byte, error) {
	var out bytes.Buffer
	var w io.WriteCloser
	switch algorithm {
	case AlgorithmGzip:
		w = gzip.NewWriter(&out)
	case AlgorithmDeflate:
		fw, err := flate.NewWriter(&out, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		w = fw
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decompressBytes(algorithm string, src []byte) ([]byte, error) {
	var r io.ReadCloser
	switch algorithm {
	case AlgorithmGzip:
		gr, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		r = gr
	case AlgorithmDeflate:
		r = flate.NewReader(bytes.NewReader(src))
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// CompressMessage compresses each message body with the configured
// algorithm, emitting the compressed body as a single Data event.
type CompressMessage struct {
	pipeline.Base
	algorithm string

	start  *event.MessageStart
	buffer *event.Buffer
}

// NewCompressMessage creates a compressMessage filter template.
func NewCompressMessage(algorithm string) *CompressMessage {
	return &CompressMessage{algorithm: algorithm}
}

// Name implements pipeline.Filter.
func (c *CompressMessage) Name() string { return "compressMessage" }

// Clone implements pipeline.Filter.
func (c *CompressMessage) Clone() pipeline.Filter {
	return &CompressMessage{Base: c.CloneBase(), algorithm: c.algorithm}
}

// Process implements pipeline.Filter.
func (c *CompressMessage) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageStart:
		if c.start == nil {
			c.start = e
			c.buffer = event.NewBuffer()
		}
	case *event.Data:
		if c.start != nil {
			c.buffer.PushBuffer(e.Buffer)
			return
		}
		c.Output(evt)
	case *event.MessageEnd:
		if c.start != nil {
			body, err := compressBytes(c.algorithm, c.buffer.Bytes())
			c.emit(evt, body, err)
			return
		}
		c.Output(evt)
	default:
		c.Output(evt)
	}
}

func (c *CompressMessage) emit(end event.Event, body []byte, err error) {
	start := c.start
	c.start = nil
	c.buffer = nil
	if err != nil {
		c.Output(&event.StreamEnd{Err: event.KindProtocolError})
		return
	}
	c.Output(start)
	if len(body) > 0 {
		c.Output(event.NewData(body))
	}
	c.Output(end)
}

// Reset implements pipeline.Filter.
func (c *CompressMessage) Reset() {
	c.start = nil
	c.buffer = nil
}

// DecompressMessage inflates each message body.
type DecompressMessage struct {
	pipeline.Base
	algorithm string

	start  *event.MessageStart
	buffer *event.Buffer
}

// NewDecompressMessage creates a decompressMessage filter template.
func NewDecompressMessage(algorithm string) *DecompressMessage {
	return &DecompressMessage{algorithm: algorithm}
}

// Name implements pipeline.Filter.
func (d *DecompressMessage) Name() string { return "decompressMessage" }

// Clone implements pipeline.Filter.
func (d *DecompressMessage) Clone() pipeline.Filter {
	return &DecompressMessage{Base: d.CloneBase(), algorithm: d.algorithm}
}

// Process implements pipeline.Filter.
func (d *DecompressMessage) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageStart:
		if d.start == nil {
			d.start = e
			d.buffer = event.NewBuffer()
		}
	case *event.Data:
		if d.start != nil {
			d.buffer.PushBuffer(e.Buffer)
			return
		}
		d.Output(evt)
	case *event.MessageEnd:
		if d.start != nil {
			body, err := decompressBytes(d.algorithm, d.buffer.Bytes())
			start := d.start
			d.start = nil
			d.buffer = nil
			if err != nil {
				d.Output(&event.StreamEnd{Err: event.KindProtocolError})
				return
			}
			d.Output(start)
			if len(body) > 0 {
				d.Output(event.NewData(body))
			}
			d.Output(evt)
			return
		}
		d.Output(evt)
	default:
		d.Output(evt)
	}
}

// Reset implements pipeline.Filter.
func (d *DecompressMessage) Reset() {
	d.start = nil
	d.buffer = nil
}
