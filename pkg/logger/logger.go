// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package logger provides structured log routing to pipeline-backed
// targets, notably the HTTP target that batches log records and posts
// them upstream.
package logger

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/filters"
	"github.com/spurringworld/pipy/pkg/metrics"
	"github.com/spurringworld/pipy/pkg/netio"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Target receives log records.
type Target interface {
	Write(record []byte)
	Close()
}

// Logger fans log records out to its targets.
type Logger struct {
	name    string
	targets []Target
}

// New creates a named logger.
func New(name string, targets ...Target) *Logger {
	return &Logger{name: name, targets: targets}
}

// Log sends one record to every target.
func (l *Logger) Log(record []byte) {
	for _, t := range l.targets {
		t.Write(record)
	}
}

// Close releases every target.
func (l *Logger) Close() {
	for _, t := range l.targets {
		t.Close()
	}
}

// HTTPTarget batches records and posts them to a URL through an internal
// pipeline of pack, encodeHTTPRequest and connect. The pipeline is built
// at construction; an invalid URL fails construction rather than
// surfacing later on the first write.
type HTTPTarget struct {
	loop *engine.Loop

	layout *pipeline.Layout
	pipe   *pipeline.Pipeline
	head   map[string]any
}

// HTTPTargetOptions tune batching and the outbound connection.
type HTTPTargetOptions struct {
	// BatchSize is how many records make one POST; defaults to 100.
	BatchSize int

	// BatchTimeout flushes a partial batch; defaults to one second.
	BatchTimeout time.Duration

	// Headers are added to every request.
	Headers map[string]string

	// Outbound configures the upstream connection.
	Outbound netio.OutboundOptions
}

// NewHTTPTarget creates an HTTP log target posting to rawURL.
func NewHTTPTarget(loop *engine.Loop, met *metrics.Metrics, rawURL string, opts HTTPTargetOptions) (*HTTPTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid log target url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("invalid log target url %q: need an http host", rawURL)
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "80")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = time.Second
	}

	headers := map[string]string{"host": u.Host, "content-type": "application/json"}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	t := &HTTPTarget{
		loop: loop,
		head: map[string]any{
			"method":  "POST",
			"path":    path,
			"headers": headers,
		},
	}
	t.layout = pipeline.NewLayout("log-http", loop.Logger(),
		filters.NewPack(loop, opts.BatchSize, opts.BatchTimeout),
		filters.NewEncodeHTTPRequest(),
		filters.NewConnect(loop, met, filters.StaticTarget(host), opts.Outbound),
	)
	return t, nil
}

// Write queues one record for the next batch.
func (t *HTTPTarget) Write(record []byte) {
	data := event.NewData(record)
	t.loop.Post(func() {
		ic := pipeline.NewInputContext()
		defer ic.Close()
		if t.pipe == nil {
			t.pipe = t.layout.Alloc(pipeline.NewContext(nil))
			t.pipe.Chain(event.Discard)
			t.pipe.Input(&event.StreamStart{})
		}
		t.pipe.Input(&event.MessageStart{Head: t.head})
		t.pipe.Input(data)
		t.pipe.Input(&event.MessageEnd{})
	})
}

// Close flushes and releases the batching pipeline.
func (t *HTTPTarget) Close() {
	t.loop.Post(func() {
		ic := pipeline.NewInputContext()
		defer ic.Close()
		if t.pipe != nil {
			t.pipe.Input(&event.StreamEnd{})
			pipeline.Release(t.pipe)
			t.pipe = nil
		}
	})
}
