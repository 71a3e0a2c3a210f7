// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spurringworld/pipy/pkg/errors"
	"github.com/spurringworld/pipy/pkg/filters"
	"github.com/spurringworld/pipy/pkg/mux"
	"github.com/spurringworld/pipy/pkg/netio"
)

// Document is the YAML configuration schema: listeners, readers, tasks
// and named pipelines of filter specs.
type Document struct {
	Listeners []ListenerSpec            `yaml:"listeners"`
	Tasks     []TaskSpec                `yaml:"tasks"`
	Readers   []ReaderSpec              `yaml:"readers"`
	Pipelines map[string][]FilterSpec   `yaml:"pipelines"`
}

// Duration parses either a Go duration string ("250ms", "2s") or a plain
// number of seconds.
type Duration time.Duration

// D returns the native duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds float64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ListenerSpec declares one listener.
type ListenerSpec struct {
	IP             string   `yaml:"ip"`
	Port           int      `yaml:"port"`
	MaxConnections *int     `yaml:"maxConnections"`
	ReadTimeout    Duration `yaml:"readTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout"`
	IdleTimeout    Duration `yaml:"idleTimeout"`
	Transparent    bool     `yaml:"transparent"`
	CloseEOF       bool     `yaml:"closeEOF"`
	Pipeline       string   `yaml:"pipeline"`
}

// TaskSpec declares one scheduled task.
type TaskSpec struct {
	Interval Duration `yaml:"interval"`
	Pipeline string   `yaml:"pipeline"`
}

// ReaderSpec declares one file tap.
type ReaderSpec struct {
	Path     string `yaml:"path"`
	Pipeline string `yaml:"pipeline"`
}

// FilterSpec declares one filter inside a pipeline.
type FilterSpec struct {
	Filter         string   `yaml:"filter"`
	To             string   `yaml:"to"`
	Target         string   `yaml:"target"`
	Algorithm      string   `yaml:"algorithm"`
	Tag            string   `yaml:"tag"`
	Rate           int      `yaml:"rate"`
	Count          int      `yaml:"count"`
	Timeout        Duration `yaml:"timeout"`
	IsRequest      *bool    `yaml:"isRequest"`
	MaxIdle        Duration `yaml:"maxIdle"`
	MaxQueue       int      `yaml:"maxQueue"`
	MaxMessages    int      `yaml:"maxMessages"`
	BufferLimit    int      `yaml:"bufferLimit"`
	RetryCount     int      `yaml:"retryCount"`
	RetryDelay     Duration `yaml:"retryDelay"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
	ReadTimeout    Duration `yaml:"readTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout"`
}

// LoadFile parses a YAML configuration file into c.
func (c *Configuration) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.NewConfig("config", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return errors.NewConfig("config", path, err)
	}
	return c.Load(&doc)
}

// Load binds a parsed document into c.
func (c *Configuration) Load(doc *Document) error {
	for name, specs := range doc.Pipelines {
		b := c.Pipeline(name)
		if err := c.buildFilters(b, specs); err != nil {
			return err
		}
	}
	for _, l := range doc.Listeners {
		opts := netio.DefaultListenerOptions()
		if l.MaxConnections != nil {
			opts.MaxConnections = *l.MaxConnections
		}
		opts.ReadTimeout = l.ReadTimeout.D()
		opts.WriteTimeout = l.WriteTimeout.D()
		opts.IdleTimeout = l.IdleTimeout.D()
		opts.Transparent = l.Transparent
		opts.CloseEOF = l.CloseEOF
		ip := l.IP
		if ip == "" {
			ip = "0.0.0.0"
		}
		b := c.Listen(ip, l.Port, opts)
		if l.Pipeline == "" {
			return errors.NewConfig("listener", fmt.Sprintf("%s:%d", ip, l.Port),
				fmt.Errorf("%w: listener needs a pipeline", errors.ErrInvalidOption))
		}
		b.Link().To(l.Pipeline)
	}
	for _, t := range doc.Tasks {
		if t.Pipeline == "" {
			return errors.NewConfig("config", "task",
				fmt.Errorf("%w: task needs a pipeline", errors.ErrInvalidOption))
		}
		c.Task(t.Interval.D()).Link().To(t.Pipeline)
	}
	for _, r := range doc.Readers {
		if r.Pipeline == "" {
			return errors.NewConfig("config", "read:"+r.Path,
				fmt.Errorf("%w: reader needs a pipeline", errors.ErrInvalidOption))
		}
		c.Read(r.Path).Link().To(r.Pipeline)
	}
	return nil
}

func (c *Configuration) buildFilters(b *Builder, specs []FilterSpec) error {
	for _, s := range specs {
		muxOpts := mux.DefaultOptions()
		if s.MaxIdle > 0 {
			muxOpts.MaxIdle = s.MaxIdle.D()
		}
		muxOpts.MaxQueue = s.MaxQueue
		muxOpts.MaxMessages = s.MaxMessages

		obOpts := netio.OutboundOptions{
			BufferLimit:    s.BufferLimit,
			RetryCount:     s.RetryCount,
			RetryDelay:     s.RetryDelay.D(),
			ConnectTimeout: s.ConnectTimeout.D(),
			ReadTimeout:    s.ReadTimeout.D(),
			WriteTimeout:   s.WriteTimeout.D(),
		}

		needsTo := false
		switch s.Filter {
		case "connect":
			if s.Target == "" {
				return errors.NewConfig("pipe-def", b.label,
					fmt.Errorf("%w: connect needs a target", errors.ErrInvalidOption))
			}
			b.Connect(s.Target, obOpts)
		case "mux":
			b.Mux(nil, muxOpts)
			needsTo = true
		case "muxQueue", "muxHTTP":
			b.MuxQueue(nil, muxOpts)
			needsTo = true
		case "muxFCGI":
			b.MuxFCGI(nil, muxOpts)
			needsTo = true
		case "demux":
			b.Demux()
			needsTo = true
		case "demuxQueue":
			b.DemuxQueue()
			needsTo = true
		case "demuxFCGI":
			b.DemuxFCGI()
			needsTo = true
		case "fork":
			b.Fork()
			needsTo = true
		case "link":
			b.Link()
			needsTo = true
		case "replay":
			b.Replay()
			needsTo = true
		case "dummy":
			b.Dummy()
		case "dump":
			b.Dump(s.Tag)
		case "pack":
			b.Pack(s.Count, s.Timeout.D())
		case "throttleDataRate":
			b.ThrottleDataRate(s.Rate)
		case "throttleMessageRate":
			b.ThrottleMessageRate(s.Rate)
		case "throttleConcurrency":
			b.ThrottleConcurrency(s.Count)
		case "compressMessage":
			b.CompressMessage(s.Algorithm)
		case "decompressMessage":
			b.DecompressMessage(s.Algorithm)
		case "decodeMQTT":
			b.DecodeMQTT()
		case "encodeMQTT":
			b.EncodeMQTT()
		case "decodeDubbo":
			b.DecodeDubbo()
		case "encodeDubbo":
			b.EncodeDubbo(filters.EncodeDubboOptions{IsRequest: s.IsRequest})
		case "decodeWebSocket":
			b.DecodeWebSocket()
		case "encodeWebSocket":
			b.EncodeWebSocket()
		case "decodeHTTPRequest":
			b.DecodeHTTPRequest()
		case "encodeHTTPRequest":
			b.EncodeHTTPRequest()
		case "decodeHTTPResponse":
			b.DecodeHTTPResponse()
		case "encodeHTTPResponse":
			b.EncodeHTTPResponse()
		default:
			return errors.NewConfig("pipe-def", b.label,
				fmt.Errorf("%w: unknown filter %q", errors.ErrInvalidOption, s.Filter))
		}

		if s.To != "" {
			b.To(s.To)
		} else if needsTo {
			return errors.NewConfig("pipe-def", b.label,
				fmt.Errorf("%w (%s)", errors.ErrMissingTo, s.Filter))
		}
	}
	return nil
}
