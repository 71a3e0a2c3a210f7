// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spurringworld/pipy/pkg/pipeline"
)

func TestConnectionCounters(t *testing.T) {
	m := New("test")

	m.InboundOpened(8080)
	m.InboundOpened(8080)
	m.InboundClosed(8080)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboundConnections.WithLabelValues("8080")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.InboundAccepted.WithLabelValues("8080")))

	m.OutboundConnected(5 * time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboundConnections))

	m.DiscardedBytes(3072)
	assert.Equal(t, 3072.0, testutil.ToFloat64(m.DiscardedDataSize))
}

func TestPrometheusExposition(t *testing.T) {
	m := New("expo")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	layout := pipeline.NewLayout("expo-test", logger)
	p := layout.Alloc(pipeline.NewContext(nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, body, `expo_pipelines_in_use{layout="expo-test"} 1`,
		"text format is name{label=\"value\"} value")

	pipeline.Release(p)
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `expo_pipelines_in_use{layout="expo-test"} 0`)
	assert.Contains(t, rec.Body.String(), `expo_pipelines_pooled{layout="expo-test"} 1`)
}

func TestHistogramBuckets(t *testing.T) {
	m := New("hist")
	m.OutboundConnected(3 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `hist_outbound_connect_seconds_bucket{le="0.005"} 1`),
		"histogram buckets carry le labels")
}
