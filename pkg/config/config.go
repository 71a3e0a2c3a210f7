// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config translates the declarative configuration surface into
// runnable pipelines: listeners, tasks, readers, named pipelines and
// indexed sub-pipelines, with bind-time validation of joint filters.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/errors"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/fcgi"
	"github.com/spurringworld/pipy/pkg/filters"
	"github.com/spurringworld/pipy/pkg/metrics"
	"github.com/spurringworld/pipy/pkg/mux"
	"github.com/spurringworld/pipy/pkg/netio"
	"github.com/spurringworld/pipy/pkg/pipeline"
	"github.com/spurringworld/pipy/pkg/task"
)

// Configuration accumulates declarations and applies them into live
// layouts, listeners, tasks and readers. Declaration order is free; name
// references resolve at Apply.
type Configuration struct {
	loop   *engine.Loop
	met    *metrics.Metrics
	logger *slog.Logger

	named    map[string]*Builder
	order    []*Builder
	listens  []*listenDecl
	tasks    []*taskDecl
	readers  []*readerDecl
	exports  map[exportKey]any
	imports  []importDecl
	failures []error
}

type listenDecl struct {
	ip      string
	port    int
	opts    netio.ListenerOptions
	builder *Builder
}

type taskDecl struct {
	interval time.Duration
	builder  *Builder
}

type readerDecl struct {
	path    string
	builder *Builder
}

type exportKey struct{ namespace, name string }

type importDecl struct {
	namespace, name string
	dst             *any
}

// New creates an empty configuration bound to an engine loop.
func New(loop *engine.Loop, met *metrics.Metrics, logger *slog.Logger) *Configuration {
	if logger == nil {
		logger = loop.Logger()
	}
	return &Configuration{
		loop:    loop,
		met:     met,
		logger:  logger,
		named:   make(map[string]*Builder),
		exports: make(map[exportKey]any),
	}
}

// Loop returns the engine loop the configuration binds to.
func (c *Configuration) Loop() *engine.Loop { return c.loop }

// Metrics returns the metrics instance handed to bound components.
func (c *Configuration) Metrics() *metrics.Metrics { return c.met }

func (c *Configuration) fail(err error) {
	if err != nil {
		c.failures = append(c.failures, err)
	}
}

// Listen declares a listener on ip:port; the returned builder describes
// its pipeline.
func (c *Configuration) Listen(ip string, port int, opts netio.ListenerOptions) *Builder {
	b := c.newBuilder(fmt.Sprintf("listen:%d", port))
	c.listens = append(c.listens, &listenDecl{ip: ip, port: port, opts: opts, builder: b})
	return b
}

// Task declares a pipeline run on a schedule; zero interval runs once.
func (c *Configuration) Task(interval time.Duration) *Builder {
	b := c.newBuilder(fmt.Sprintf("task:%d", len(c.tasks)))
	c.tasks = append(c.tasks, &taskDecl{interval: interval, builder: b})
	return b
}

// Read declares a file-sourced pipeline entry point.
func (c *Configuration) Read(path string) *Builder {
	b := c.newBuilder("read:" + path)
	c.readers = append(c.readers, &readerDecl{path: path, builder: b})
	return b
}

// Pipeline declares a named pipeline usable as a sub-pipeline target.
func (c *Configuration) Pipeline(name string) *Builder {
	if name == "" {
		c.fail(errors.NewConfig("pipe-def", name, fmt.Errorf("pipeline name cannot be empty")))
	}
	if _, dup := c.named[name]; dup {
		c.fail(errors.NewConfig("pipe-def", name, errors.ErrDuplicatePipeline))
	}
	b := c.newBuilder(name)
	b.name = name
	c.named[name] = b
	return b
}

// SubPipeline declares an inline, anonymous sub-pipeline for use with
// ToPipeline.
func (c *Configuration) SubPipeline() *Builder {
	return c.newBuilder("")
}

// Export publishes value under namespace/name. Duplicate exports are
// fatal at apply.
func (c *Configuration) Export(namespace, name string, value any) {
	k := exportKey{namespace, name}
	if _, dup := c.exports[k]; dup {
		c.fail(errors.NewConfig("config", namespace+"/"+name, errors.ErrDuplicateExport))
		return
	}
	c.exports[k] = value
}

// Import binds dst to an exported value at apply time. A missing export
// is fatal.
func (c *Configuration) Import(namespace, name string, dst *any) {
	c.imports = append(c.imports, importDecl{namespace: namespace, name: name, dst: dst})
}

func (c *Configuration) newBuilder(label string) *Builder {
	b := &Builder{cfg: c, label: label}
	c.order = append(c.order, b)
	return b
}

// Applied is the live result of a configuration apply.
type Applied struct {
	Listeners []*netio.Listener
	Tasks     []*task.Task
	Readers   []*task.Reader
}

// Apply resolves references, validates joint filters and instantiates
// layouts, listeners, tasks and readers. Any configuration error aborts
// the apply with an explanatory message.
func (c *Configuration) Apply() (*Applied, error) {
	if len(c.failures) > 0 {
		return nil, c.failures[0]
	}

	for _, imp := range c.imports {
		v, ok := c.exports[exportKey{imp.namespace, imp.name}]
		if !ok {
			return nil, errors.NewConfig("config", imp.namespace+"/"+imp.name, errors.ErrMissingImport)
		}
		*imp.dst = v
	}

	// Create all layouts first so name references resolve regardless of
	// declaration order.
	for _, b := range c.order {
		b.layout = pipeline.NewLayout(b.name, c.logger, b.filters...)
	}

	// Bind sub-pipeline references.
	for _, b := range c.order {
		for _, ref := range b.tos {
			joint, ok := b.filters[ref.filterIdx].(pipeline.Joint)
			if !ok || joint.SubSlots() == 0 {
				return nil, errors.NewConfig("pipe-def", b.label,
					fmt.Errorf("filter %q takes no sub-pipeline", b.filters[ref.filterIdx].Name()))
			}
			var target *pipeline.Layout
			switch {
			case ref.inline != nil:
				target = ref.inline.layout
			default:
				nb, ok := c.named[ref.name]
				if !ok {
					return nil, errors.NewConfig("pipe-def", b.label,
						fmt.Errorf("%w %q", errors.ErrUnknownPipeline, ref.name))
				}
				target = nb.layout
			}
			joint.To(target)
		}
	}

	// Every joint slot must be bound.
	for _, b := range c.order {
		for _, f := range b.filters {
			if joint, ok := f.(pipeline.Joint); ok && joint.SubSlots() > 0 {
				if joint.BoundSubs() < joint.SubSlots() {
					return nil, errors.NewConfig("pipe-def", b.label,
						fmt.Errorf("%w (%s)", errors.ErrMissingTo, f.Name()))
				}
			}
		}
	}

	out := &Applied{}
	for _, l := range c.listens {
		out.Listeners = append(out.Listeners,
			netio.NewListener(c.loop, l.ip, l.port, l.builder.layout, l.opts, c.met))
	}
	for _, t := range c.tasks {
		out.Tasks = append(out.Tasks, task.New(c.loop, t.builder.layout, t.interval))
	}
	for _, r := range c.readers {
		out.Readers = append(out.Readers, task.NewReader(c.loop, r.builder.layout, r.path))
	}
	return out, nil
}

// Builder accumulates a pipeline definition filter by filter. Joint
// filters must be followed by To or ToPipeline.
type Builder struct {
	cfg    *Configuration
	label  string
	name   string
	layout *pipeline.Layout

	filters []pipeline.Filter
	tos     []toRef
}

type toRef struct {
	filterIdx int
	name      string
	inline    *Builder
}

// Layout returns the instantiated layout; valid after Apply.
func (b *Builder) Layout() *pipeline.Layout { return b.layout }

// Append adds an arbitrary filter template.
func (b *Builder) Append(f pipeline.Filter) *Builder {
	b.filters = append(b.filters, f)
	return b
}

// To binds the previous joint filter's next slot to the named pipeline.
func (b *Builder) To(name string) *Builder {
	if len(b.filters) == 0 {
		b.cfg.fail(errors.NewConfig("pipe-def", b.label,
			fmt.Errorf("%w: to(%q) has no preceding filter", errors.ErrInvalidOption, name)))
		return b
	}
	b.tos = append(b.tos, toRef{filterIdx: len(b.filters) - 1, name: name})
	return b
}

// ToPipeline binds the previous joint filter's next slot to an inline
// sub-pipeline.
func (b *Builder) ToPipeline(sub *Builder) *Builder {
	if len(b.filters) == 0 {
		b.cfg.fail(errors.NewConfig("pipe-def", b.label,
			fmt.Errorf("%w: to(...) has no preceding filter", errors.ErrInvalidOption)))
		return b
	}
	b.tos = append(b.tos, toRef{filterIdx: len(b.filters) - 1, inline: sub})
	return b
}

// Connect appends a connect filter targeting addr.
func (b *Builder) Connect(addr string, opts netio.OutboundOptions) *Builder {
	return b.Append(filters.NewConnect(b.cfg.loop, b.cfg.met, filters.StaticTarget(addr), opts))
}

// ConnectTo appends a connect filter with a dynamic target.
func (b *Builder) ConnectTo(target filters.Target, opts netio.OutboundOptions) *Builder {
	return b.Append(filters.NewConnect(b.cfg.loop, b.cfg.met, target, opts))
}

// Mux appends a mux filter; follow with To.
func (b *Builder) Mux(selector mux.Selector, opts mux.Options) *Builder {
	return b.Append(mux.NewMux(b.cfg.loop, b.cfg.met, selector, opts))
}

// MuxQueue appends a muxQueue filter; follow with To.
func (b *Builder) MuxQueue(selector mux.Selector, opts mux.Options) *Builder {
	return b.Append(mux.NewMuxQueue(b.cfg.loop, b.cfg.met, selector, opts, nil))
}

// MuxQueueOneWay appends a muxQueue filter with a one-way predicate.
func (b *Builder) MuxQueueOneWay(selector mux.Selector, opts mux.Options, isOneWay func(*event.MessageStart) bool) *Builder {
	return b.Append(mux.NewMuxQueue(b.cfg.loop, b.cfg.met, selector, opts, isOneWay))
}

// MuxHTTP appends a muxQueue filter for pipelined HTTP/1 upstreams;
// follow with To on a sub-pipeline that encodes requests and decodes
// responses.
func (b *Builder) MuxHTTP(selector mux.Selector, opts mux.Options) *Builder {
	return b.MuxQueue(selector, opts)
}

// MuxFCGI appends a muxFCGI filter; follow with To.
func (b *Builder) MuxFCGI(selector mux.Selector, opts mux.Options) *Builder {
	return b.Append(fcgi.NewMux(b.cfg.loop, b.cfg.met, selector, opts))
}

// Demux appends a demux filter; follow with To.
func (b *Builder) Demux() *Builder {
	return b.Append(mux.NewDemux(false))
}

// DemuxQueue appends a strict-order demux filter; follow with To.
func (b *Builder) DemuxQueue() *Builder {
	return b.Append(mux.NewDemux(true))
}

// DemuxFCGI appends the FastCGI server endpoint; follow with To.
func (b *Builder) DemuxFCGI() *Builder {
	return b.Append(fcgi.NewServer())
}

// Fork appends a fork filter; follow with To.
func (b *Builder) Fork() *Builder {
	return b.Append(filters.NewFork())
}

// Link appends a link filter; follow with To.
func (b *Builder) Link() *Builder {
	return b.Append(filters.NewLink())
}

// Replay appends a replay filter; follow with To.
func (b *Builder) Replay() *Builder {
	return b.Append(filters.NewReplay(b.cfg.loop))
}

// AcceptSOCKS appends an acceptSOCKS filter; follow with To.
func (b *Builder) AcceptSOCKS(onConnect func(host string, port int) bool) *Builder {
	return b.Append(filters.NewAcceptSOCKS(onConnect))
}

// Dummy appends a dummy filter.
func (b *Builder) Dummy() *Builder { return b.Append(filters.NewDummy()) }

// Dump appends a dump filter.
func (b *Builder) Dump(tag string) *Builder {
	return b.Append(filters.NewDump(b.cfg.logger, tag))
}

// Tee appends a tee filter.
func (b *Builder) Tee(sink func() filters.WriteSink) *Builder {
	return b.Append(filters.NewTee(sink))
}

// Wait appends a wait filter.
func (b *Builder) Wait(cond func(*pipeline.Context) bool) *Builder {
	return b.Append(filters.NewWait(b.cfg.loop, cond))
}

// Pack appends a pack filter.
func (b *Builder) Pack(count int, timeout time.Duration) *Builder {
	return b.Append(filters.NewPack(b.cfg.loop, count, timeout))
}

// ThrottleDataRate appends a data-rate throttle.
func (b *Builder) ThrottleDataRate(bytesPerSecond int) *Builder {
	return b.Append(filters.NewThrottleDataRate(b.cfg.loop, bytesPerSecond))
}

// ThrottleMessageRate appends a message-rate throttle.
func (b *Builder) ThrottleMessageRate(messagesPerSecond int) *Builder {
	return b.Append(filters.NewThrottleMessageRate(b.cfg.loop, messagesPerSecond))
}

// ThrottleConcurrency appends a concurrency throttle.
func (b *Builder) ThrottleConcurrency(capacity int) *Builder {
	return b.Append(filters.NewThrottleConcurrency(capacity))
}

// CompressMessage appends a compressMessage filter. Unsupported
// algorithms are fatal at apply.
func (b *Builder) CompressMessage(algorithm string) *Builder {
	if !filters.ValidAlgorithm(algorithm) {
		b.cfg.fail(errors.NewConfig("pipe-def", b.label,
			fmt.Errorf("%w: compression algorithm %q", errors.ErrInvalidOption, algorithm)))
	}
	return b.Append(filters.NewCompressMessage(algorithm))
}

// DecompressMessage appends a decompressMessage filter.
func (b *Builder) DecompressMessage(algorithm string) *Builder {
	if !filters.ValidAlgorithm(algorithm) {
		b.cfg.fail(errors.NewConfig("pipe-def", b.label,
			fmt.Errorf("%w: compression algorithm %q", errors.ErrInvalidOption, algorithm)))
	}
	return b.Append(filters.NewDecompressMessage(algorithm))
}

// HandleStreamStart appends a stream-start callback filter.
func (b *Builder) HandleStreamStart(fn func(event.Event)) *Builder {
	return b.Append(filters.NewHandleStreamStart(fn))
}

// HandleData appends a data callback filter.
func (b *Builder) HandleData(fn func(event.Event)) *Builder {
	return b.Append(filters.NewHandleData(fn))
}

// HandleMessageStart appends a message-start callback filter.
func (b *Builder) HandleMessageStart(fn func(event.Event)) *Builder {
	return b.Append(filters.NewHandleMessageStart(fn))
}

// HandleMessageEnd appends a message-end callback filter.
func (b *Builder) HandleMessageEnd(fn func(event.Event)) *Builder {
	return b.Append(filters.NewHandleMessageEnd(fn))
}

// HandleMessage appends a whole-message callback filter.
func (b *Builder) HandleMessage(fn func(*filters.Message)) *Builder {
	return b.Append(filters.NewHandleMessage(fn))
}

// HandleStreamEnd appends a stream-end callback filter.
func (b *Builder) HandleStreamEnd(fn func(event.Event)) *Builder {
	return b.Append(filters.NewHandleStreamEnd(fn))
}

// HandleTLSClientHello appends a ClientHello callback filter.
func (b *Builder) HandleTLSClientHello(fn func(*filters.TLSClientHello)) *Builder {
	return b.Append(filters.NewHandleTLSClientHello(fn))
}

// DetectProtocol appends a protocol sniffing filter.
func (b *Builder) DetectProtocol(fn func(name string)) *Builder {
	return b.Append(filters.NewDetectProtocol(fn))
}

// DecodeMQTT appends an MQTT decoder.
func (b *Builder) DecodeMQTT() *Builder { return b.Append(filters.NewDecodeMQTT()) }

// EncodeMQTT appends an MQTT encoder.
func (b *Builder) EncodeMQTT() *Builder { return b.Append(filters.NewEncodeMQTT()) }

// DecodeDubbo appends a Dubbo frame decoder.
func (b *Builder) DecodeDubbo() *Builder { return b.Append(filters.NewDecodeDubbo()) }

// EncodeDubbo appends a Dubbo frame encoder.
func (b *Builder) EncodeDubbo(opts filters.EncodeDubboOptions) *Builder {
	return b.Append(filters.NewEncodeDubbo(opts))
}

// DecodeWebSocket appends a WebSocket frame decoder.
func (b *Builder) DecodeWebSocket() *Builder { return b.Append(filters.NewDecodeWebSocket()) }

// EncodeWebSocket appends a WebSocket frame encoder.
func (b *Builder) EncodeWebSocket() *Builder { return b.Append(filters.NewEncodeWebSocket()) }

// DecodeHTTPRequest appends an HTTP/1 request decoder.
func (b *Builder) DecodeHTTPRequest() *Builder { return b.Append(filters.NewDecodeHTTPRequest()) }

// EncodeHTTPRequest appends an HTTP/1 request encoder.
func (b *Builder) EncodeHTTPRequest() *Builder { return b.Append(filters.NewEncodeHTTPRequest()) }

// DecodeHTTPResponse appends an HTTP/1 response decoder.
func (b *Builder) DecodeHTTPResponse() *Builder { return b.Append(filters.NewDecodeHTTPResponse()) }

// EncodeHTTPResponse appends an HTTP/1 response encoder.
func (b *Builder) EncodeHTTPResponse() *Builder { return b.Append(filters.NewEncodeHTTPResponse()) }
