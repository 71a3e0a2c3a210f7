// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"encoding/binary"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Protocol names reported by DetectProtocol.
const (
	ProtocolTLS  = "TLS"
	ProtocolHTTP = "HTTP"
)

// DetectProtocol sniffs the first payload bytes, reports the detected
// protocol name (empty when unrecognized) and passes the stream through
// untouched.
type DetectProtocol struct {
	pipeline.Base
	onDetect func(name string)

	sniffed bool
	head    *event.Buffer
}

// NewDetectProtocol creates a detectProtocol filter template.
func NewDetectProtocol(onDetect func(name string)) *DetectProtocol {
	return &DetectProtocol{onDetect: onDetect}
}

// Name implements pipeline.Filter.
func (d *DetectProtocol) Name() string { return "detectProtocol" }

// Clone implements pipeline.Filter.
func (d *DetectProtocol) Clone() pipeline.Filter {
	return &DetectProtocol{Base: d.CloneBase(), onDetect: d.onDetect}
}

// Process implements pipeline.Filter.
func (d *DetectProtocol) Process(evt event.Event) {
	if !d.sniffed {
		if data, ok := evt.(*event.Data); ok && !data.Empty() {
			if d.head == nil {
				d.head = event.NewBuffer()
			}
			d.head.PushBuffer(data.Buffer)
			if d.head.Size() >= 8 {
				d.sniffed = true
				d.onDetect(sniff(d.head.Bytes()))
				d.head = nil
			}
		}
	}
	d.Output(evt)
}

func sniff(p []byte) string {
	if len(p) >= 3 && p[0] == 0x16 && p[1] == 0x03 && p[2] <= 0x04 {
		return ProtocolTLS
	}
	methods := []string{"GET ", "POST", "PUT ", "HEAD", "DELE", "OPTI", "PATC", "CONN", "TRAC"}
	head := string(p[:4])
	for _, m := range methods {
		if head == m {
			return ProtocolHTTP
		}
	}
	return ""
}

// Reset implements pipeline.Filter.
func (d *DetectProtocol) Reset() {
	d.sniffed = false
	d.head = nil
}

// TLSClientHello is the parsed handshake summary passed to
// handleTLSClientHello callbacks.
type TLSClientHello struct {
	ServerName string
	Protocols  []string
}

// HandleTLSClientHello buffers the leading bytes of a stream, parses the
// TLS ClientHello and hands the SNI and ALPN lists to the callback before
// letting the stream through unmodified.
type HandleTLSClientHello struct {
	pipeline.Base
	fn func(*TLSClientHello)

	done bool
	head *event.Buffer
}

// NewHandleTLSClientHello creates a handleTLSClientHello filter template.
func NewHandleTLSClientHello(fn func(*TLSClientHello)) *HandleTLSClientHello {
	return &HandleTLSClientHello{fn: fn}
}

// Name implements pipeline.Filter.
func (h *HandleTLSClientHello) Name() string { return "handleTLSClientHello" }

// Clone implements pipeline.Filter.
func (h *HandleTLSClientHello) Clone() pipeline.Filter {
	return &HandleTLSClientHello{Base: h.CloneBase(), fn: h.fn}
}

// Process implements pipeline.Filter.
func (h *HandleTLSClientHello) Process(evt event.Event) {
	if !h.done {
		if data, ok := evt.(*event.Data); ok && !data.Empty() {
			if h.head == nil {
				h.head = event.NewBuffer()
			}
			h.head.PushBuffer(data.Buffer)
			if hello, ok := parseClientHello(h.head.Bytes()); ok {
				h.done = true
				h.head = nil
				h.fn(hello)
			} else if h.head != nil && h.head.Size() > 16*1024 {
				// Not a TLS stream; give up quietly.
				h.done = true
				h.head = nil
			}
		}
	}
	h.Output(evt)
}

// parseClientHello extracts SNI and ALPN from a TLS record containing a
// ClientHello. It reports false while the record is still incomplete or
// when the bytes are not a ClientHello.
func parseClientHello(p []byte) (*TLSClientHello, bool) {
	if len(p) < 5 || p[0] != 0x16 {
		return nil, false
	}
	recLen := int(binary.BigEndian.Uint16(p[3:5]))
	if len(p) < 5+recLen {
		return nil, false
	}
	hs := p[5 : 5+recLen]
	if len(hs) < 4 || hs[0] != 0x01 {
		return nil, false
	}
	body := hs[4:]
	// legacy_version + random
	if len(body) < 34 {
		return nil, false
	}
	body = body[34:]
	// session id
	if len(body) < 1 || len(body) < 1+int(body[0]) {
		return nil, false
	}
	body = body[1+int(body[0]):]
	// cipher suites
	if len(body) < 2 {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) < 2+n {
		return nil, false
	}
	body = body[2+n:]
	// compression methods
	if len(body) < 1 || len(body) < 1+int(body[0]) {
		return nil, false
	}
	body = body[1+int(body[0]):]
	// extensions
	if len(body) < 2 {
		return &TLSClientHello{}, true
	}
	extLen := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) < 2+extLen {
		return nil, false
	}
	exts := body[2 : 2+extLen]
	hello := &TLSClientHello{}
	for len(exts) >= 4 {
		typ := binary.BigEndian.Uint16(exts[:2])
		l := int(binary.BigEndian.Uint16(exts[2:4]))
		if len(exts) < 4+l {
			break
		}
		data := exts[4 : 4+l]
		switch typ {
		case 0: // server_name
			if len(data) >= 5 && data[2] == 0 {
				nameLen := int(binary.BigEndian.Uint16(data[3:5]))
				if len(data) >= 5+nameLen {
					hello.ServerName = string(data[5 : 5+nameLen])
				}
			}
		case 16: // ALPN
			if len(data) >= 2 {
				list := data[2:]
				for len(list) >= 1 {
					pl := int(list[0])
					if len(list) < 1+pl {
						break
					}
					hello.Protocols = append(hello.Protocols, string(list[1:1+pl]))
					list = list[1+pl:]
				}
			}
		}
		exts = exts[4+l:]
	}
	return hello, true
}

// Reset implements pipeline.Filter.
func (h *HandleTLSClientHello) Reset() {
	h.done = false
	h.head = nil
}
