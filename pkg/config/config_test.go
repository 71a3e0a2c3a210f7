// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/errors"
	"github.com/spurringworld/pipy/pkg/mux"
	"github.com/spurringworld/pipy/pkg/netio"
)

func newTestConfig() *Configuration {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(engine.New(logger), nil, logger)
}

func TestApplyBuildsLayouts(t *testing.T) {
	c := newTestConfig()
	c.Pipeline("upstream").
		EncodeHTTPRequest().
		Connect("127.0.0.1:8080", netio.OutboundOptions{}).
		DecodeHTTPResponse()
	c.Pipeline("main").
		DecodeDubbo().
		Demux().To("permsg")
	c.Pipeline("permsg").
		MuxQueue(nil, mux.DefaultOptions()).To("upstream")

	applied, err := c.Apply()
	require.NoError(t, err)
	assert.Empty(t, applied.Listeners)
}

func TestMissingToIsFatal(t *testing.T) {
	c := newTestConfig()
	c.Pipeline("main").Demux() // joint without .to(...)
	_, err := c.Apply()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingTo)
}

func TestUnknownPipelineIsFatal(t *testing.T) {
	c := newTestConfig()
	c.Pipeline("main").Demux().To("nowhere")
	_, err := c.Apply()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownPipeline)
}

func TestDuplicatePipelineIsFatal(t *testing.T) {
	c := newTestConfig()
	c.Pipeline("twice").Dummy()
	c.Pipeline("twice").Dummy()
	_, err := c.Apply()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicatePipeline)
}

func TestToOnNonJointIsFatal(t *testing.T) {
	c := newTestConfig()
	c.Pipeline("main").Dummy().To("elsewhere")
	c.Pipeline("elsewhere").Dummy()
	_, err := c.Apply()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "takes no sub-pipeline")
}

func TestUnsupportedCompressionIsFatal(t *testing.T) {
	c := newTestConfig()
	c.Pipeline("main").CompressMessage("br")
	_, err := c.Apply()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidOption)
}

func TestExportImport(t *testing.T) {
	c := newTestConfig()
	c.Export("ns", "limit", 42)
	var got any
	c.Import("ns", "limit", &got)
	_, err := c.Apply()
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestDuplicateExportIsFatal(t *testing.T) {
	c := newTestConfig()
	c.Export("ns", "x", 1)
	c.Export("ns", "x", 2)
	_, err := c.Apply()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateExport)
}

func TestMissingImportIsFatal(t *testing.T) {
	c := newTestConfig()
	var got any
	c.Import("ns", "absent", &got)
	_, err := c.Apply()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingImport)
}

const sampleYAML = `
listeners:
  - ip: 127.0.0.1
    port: 20880
    maxConnections: 100
    idleTimeout: 30s
    pipeline: main

pipelines:
  main:
    - filter: decodeDubbo
    - filter: demux
      to: permsg
    - filter: encodeDubbo
      isRequest: false
  permsg:
    - filter: muxQueue
      maxQueue: 8
      maxIdle: 60s
      to: upstream
  upstream:
    - filter: encodeHTTPRequest
    - filter: connect
      target: 127.0.0.1:8080
      connectTimeout: 5s
    - filter: decodeHTTPResponse
`

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	c := newTestConfig()
	require.NoError(t, c.LoadFile(path))
	applied, err := c.Apply()
	require.NoError(t, err)
	require.Len(t, applied.Listeners, 1)

	ip, port := applied.Listeners[0].Addr()
	assert.Equal(t, "127.0.0.1", ip)
	assert.Equal(t, 20880, port)
	assert.Equal(t, 100, applied.Listeners[0].Options().MaxConnections)
}

func TestLoadYAMLMissingTo(t *testing.T) {
	doc := &Document{
		Pipelines: map[string][]FilterSpec{
			"main": {{Filter: "demux"}},
		},
	}
	c := newTestConfig()
	err := c.Load(doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingTo)
}

func TestLoadYAMLUnknownFilter(t *testing.T) {
	doc := &Document{
		Pipelines: map[string][]FilterSpec{
			"main": {{Filter: "teleport"}},
		},
	}
	c := newTestConfig()
	err := c.Load(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown filter")
}
