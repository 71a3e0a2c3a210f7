// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// HTTP/1 head codec. Bodies are delimited by Content-Length; chunked
// transfer encoding and HTTP/2 are out of scope for the core.

type httpDecodeState int

const (
	httpStateHead httpDecodeState = iota
	httpStateBody
)

type httpDecoder struct {
	request bool

	buffer  *event.Buffer
	state   httpDecodeState
	need    int
	head    map[string]any
	started bool
}

func (d *httpDecoder) reset() {
	d.buffer.Release()
	d.state = httpStateHead
	d.need = 0
	d.head = nil
	d.started = false
}

// drain parses as many complete heads and bodies as the buffer holds,
// emitting through out.
func (d *httpDecoder) drain(out func(event.Event)) {
	for {
		switch d.state {
		case httpStateHead:
			raw := d.buffer.Bytes()
			idx := strings.Index(string(raw), "\r\n\r\n")
			if idx < 0 {
				return
			}
			headBytes := d.buffer.Shift(idx + 4).Bytes()
			head, contentLength, err := parseHTTPHead(string(headBytes), d.request)
			if err != nil {
				out(&event.StreamEnd{Err: event.KindProtocolError})
				return
			}
			d.head = head
			d.need = contentLength
			out(&event.MessageStart{Head: head})
			if d.need == 0 {
				out(&event.MessageEnd{})
				continue
			}
			d.state = httpStateBody

		case httpStateBody:
			if d.buffer.Empty() {
				return
			}
			n := d.buffer.Size()
			if n > d.need {
				n = d.need
			}
			body := d.buffer.Shift(n)
			d.need -= n
			out(event.NewDataFrom(body))
			if d.need == 0 {
				out(&event.MessageEnd{})
				d.state = httpStateHead
				continue
			}
			return
		}
	}
}

func parseHTTPHead(raw string, request bool) (map[string]any, int, error) {
	lines := strings.Split(strings.TrimSuffix(raw, "\r\n\r\n"), "\r\n")
	if len(lines) == 0 {
		return nil, 0, fmt.Errorf("empty head")
	}
	head := map[string]any{"protocol": "HTTP/1.1"}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 3 {
		return nil, 0, fmt.Errorf("malformed start line %q", lines[0])
	}
	if request {
		head["method"] = parts[0]
		head["path"] = parts[1]
		head["protocol"] = parts[2]
	} else {
		head["protocol"] = parts[0]
		status, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, 0, fmt.Errorf("malformed status %q", parts[1])
		}
		head["status"] = status
		head["statusText"] = parts[2]
	}
	headers := map[string]string{}
	contentLength := 0
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		headers[k] = v
		if k == "content-length" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, 0, fmt.Errorf("malformed content-length %q", v)
			}
			contentLength = n
		}
	}
	head["headers"] = headers
	return head, contentLength, nil
}

// DecodeHTTPRequest parses HTTP/1 requests into messages.
type DecodeHTTPRequest struct {
	pipeline.Base
	dec httpDecoder
}

// NewDecodeHTTPRequest creates a decodeHTTPRequest filter template.
func NewDecodeHTTPRequest() *DecodeHTTPRequest {
	return &DecodeHTTPRequest{dec: httpDecoder{request: true, buffer: event.NewBuffer()}}
}

// Name implements pipeline.Filter.
func (d *DecodeHTTPRequest) Name() string { return "decodeHTTPRequest" }

// Clone implements pipeline.Filter.
func (d *DecodeHTTPRequest) Clone() pipeline.Filter {
	return &DecodeHTTPRequest{
		Base: d.CloneBase(),
		dec:  httpDecoder{request: true, buffer: event.NewBuffer()},
	}
}

// Process implements pipeline.Filter.
func (d *DecodeHTTPRequest) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.Data:
		d.dec.buffer.PushBuffer(e.Buffer)
		d.dec.drain(d.Output)
	case *event.StreamEnd:
		d.Output(evt)
	}
}

// Reset implements pipeline.Filter.
func (d *DecodeHTTPRequest) Reset() { d.dec.reset() }

// DecodeHTTPResponse parses HTTP/1 responses into messages.
type DecodeHTTPResponse struct {
	pipeline.Base
	dec httpDecoder
}

// NewDecodeHTTPResponse creates a decodeHTTPResponse filter template.
func NewDecodeHTTPResponse() *DecodeHTTPResponse {
	return &DecodeHTTPResponse{dec: httpDecoder{buffer: event.NewBuffer()}}
}

// Name implements pipeline.Filter.
func (d *DecodeHTTPResponse) Name() string { return "decodeHTTPResponse" }

// Clone implements pipeline.Filter.
func (d *DecodeHTTPResponse) Clone() pipeline.Filter {
	return &DecodeHTTPResponse{
		Base: d.CloneBase(),
		dec:  httpDecoder{buffer: event.NewBuffer()},
	}
}

// Process implements pipeline.Filter.
func (d *DecodeHTTPResponse) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.Data:
		d.dec.buffer.PushBuffer(e.Buffer)
		d.dec.drain(d.Output)
	case *event.StreamEnd:
		d.Output(evt)
	}
}

// Reset implements pipeline.Filter.
func (d *DecodeHTTPResponse) Reset() { d.dec.reset() }

// httpEncoder serializes buffered messages into HTTP/1 wire bytes.
type httpEncoder struct {
	request bool
	head    map[string]any
	buffer  *event.Buffer
}

func (e *httpEncoder) reset() {
	e.head = nil
	e.buffer.Release()
}

func (e *httpEncoder) emit(out func(event.Event)) {
	head := e.head
	e.head = nil
	body := e.buffer.Bytes()
	e.buffer.Release()

	var sb strings.Builder
	if e.request {
		method, _ := head["method"].(string)
		if method == "" {
			method = "GET"
		}
		path, _ := head["path"].(string)
		if path == "" {
			path = "/"
		}
		fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", method, path)
	} else {
		status, _ := head["status"].(int)
		if status == 0 {
			status = 200
		}
		statusText, _ := head["statusText"].(string)
		if statusText == "" {
			statusText = "OK"
		}
		fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", status, statusText)
	}
	headers, _ := head["headers"].(map[string]string)
	for k, v := range headers {
		if strings.EqualFold(k, "content-length") {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&sb, "content-length: %d\r\n", len(body))
	sb.WriteString("\r\n")

	buf := event.NewBuffer()
	buf.PushString(sb.String())
	buf.Push(body)
	out(event.NewDataFrom(buf))
}

// EncodeHTTPRequest serializes messages as HTTP/1 requests.
type EncodeHTTPRequest struct {
	pipeline.Base
	enc httpEncoder
}

// NewEncodeHTTPRequest creates an encodeHTTPRequest filter template.
func NewEncodeHTTPRequest() *EncodeHTTPRequest {
	return &EncodeHTTPRequest{enc: httpEncoder{request: true, buffer: event.NewBuffer()}}
}

// Name implements pipeline.Filter.
func (f *EncodeHTTPRequest) Name() string { return "encodeHTTPRequest" }

// Clone implements pipeline.Filter.
func (f *EncodeHTTPRequest) Clone() pipeline.Filter {
	return &EncodeHTTPRequest{
		Base: f.CloneBase(),
		enc:  httpEncoder{request: true, buffer: event.NewBuffer()},
	}
}

// Process implements pipeline.Filter.
func (f *EncodeHTTPRequest) Process(evt event.Event) {
	processEncode(&f.enc, evt, f.Output)
}

// Reset implements pipeline.Filter.
func (f *EncodeHTTPRequest) Reset() { f.enc.reset() }

// EncodeHTTPResponse serializes messages as HTTP/1 responses.
type EncodeHTTPResponse struct {
	pipeline.Base
	enc httpEncoder
}

// NewEncodeHTTPResponse creates an encodeHTTPResponse filter template.
func NewEncodeHTTPResponse() *EncodeHTTPResponse {
	return &EncodeHTTPResponse{enc: httpEncoder{buffer: event.NewBuffer()}}
}

// Name implements pipeline.Filter.
func (f *EncodeHTTPResponse) Name() string { return "encodeHTTPResponse" }

// Clone implements pipeline.Filter.
func (f *EncodeHTTPResponse) Clone() pipeline.Filter {
	return &EncodeHTTPResponse{
		Base: f.CloneBase(),
		enc:  httpEncoder{buffer: event.NewBuffer()},
	}
}

// Process implements pipeline.Filter.
func (f *EncodeHTTPResponse) Process(evt event.Event) {
	processEncode(&f.enc, evt, f.Output)
}

// Reset implements pipeline.Filter.
func (f *EncodeHTTPResponse) Reset() { f.enc.reset() }

func processEncode(e *httpEncoder, evt event.Event, out func(event.Event)) {
	switch ev := evt.(type) {
	case *event.MessageStart:
		if e.head == nil {
			e.head = ev.Head
			if e.head == nil {
				e.head = map[string]any{}
			}
		}
	case *event.Data:
		if e.head != nil {
			e.buffer.PushBuffer(ev.Buffer)
		}
	case *event.MessageEnd:
		if e.head != nil {
			e.emit(out)
		}
	case *event.StreamEnd:
		e.head = nil
		e.buffer.Release()
		out(evt)
	}
}
