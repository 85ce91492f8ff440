package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/events"
)

func TestLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("hello")
	require.NoError(t, logger.Sync())
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"ts":`)

	buf.Reset()
	logger, err = newLogger(&buf, "warn", "console")
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")

	_, err = newLogger(&buf, "loud", "json")
	require.Error(t, err)
}

func TestMetricsObserveBus(t *testing.T) {
	m := NewMetrics()
	bus := events.NewBus(10)
	stop := m.ObserveBus(bus)

	bus.Emit(events.Event{Kind: events.KindStatus, ProjectID: "p1"})
	bus.Emit(events.Event{Kind: events.KindProofCreated, ProjectID: "p1", Data: events.Payload{"kind": "diff"}})
	stop()
	bus.Emit(events.Event{Kind: events.KindStatus, ProjectID: "p1"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("proof-created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Proofs.WithLabelValues("diff")))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveAdvance("PLAN", "ok")
	m.ObserveWatchdogFire("r1", nil)
	m.ObserveWatchdogFire("r1", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WatchdogFires.WithLabelValues("error")))
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `forgeline_advances_total{state="PLAN",status="ok"} 1`), body)
}

func TestTracing(t *testing.T) {
	ctx := context.Background()
	noop, err := InitTracing(ctx, false, nil)
	require.NoError(t, err)
	_, span := StartSpan(ctx, noop.Tracer, "noop")
	span.End()
	require.NoError(t, noop.Shutdown(ctx))

	var buf bytes.Buffer
	tr, err := InitTracing(ctx, true, &buf)
	require.NoError(t, err)
	_, span = StartSpan(ctx, tr.Tracer, "engine.advance")
	span.End()
	require.NoError(t, tr.Shutdown(ctx))
	assert.Contains(t, buf.String(), "engine.advance")
}
