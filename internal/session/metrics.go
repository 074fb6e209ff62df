package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type sessionInstruments struct {
	framesRouted  metric.Int64Counter
	framesDropped metric.Int64Counter
	rpcDuration   metric.Float64Histogram
	reconnects    metric.Int64Counter
}

func newSessionInstruments() *sessionInstruments {
	inst := &sessionInstruments{}
	meter := otel.Meter("session")
	if counter, err := meter.Int64Counter("deriva_session_frames_routed",
		metric.WithDescription("Inbound frames routed by channel family"),
		metric.WithUnit("{frame}")); err == nil {
		inst.framesRouted = counter
	}
	if counter, err := meter.Int64Counter("deriva_session_frames_dropped",
		metric.WithDescription("Inbound frames dropped as malformed or unroutable"),
		metric.WithUnit("{frame}")); err == nil {
		inst.framesDropped = counter
	}
	if hist, err := meter.Float64Histogram("deriva_session_rpc_duration_seconds",
		metric.WithDescription("Round-trip latency of RPC calls by method"),
		metric.WithUnit("s")); err == nil {
		inst.rpcDuration = hist
	}
	if counter, err := meter.Int64Counter("deriva_session_reconnects",
		metric.WithDescription("Websocket reconnect attempts"),
		metric.WithUnit("{reconnect}")); err == nil {
		inst.reconnects = counter
	}
	return inst
}

func (i *sessionInstruments) recordRouted(route string) {
	if i == nil || i.framesRouted == nil {
		return
	}
	i.framesRouted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("route", route)))
}

func (i *sessionInstruments) recordDropped() {
	if i == nil || i.framesDropped == nil {
		return
	}
	i.framesDropped.Add(context.Background(), 1)
}

func (i *sessionInstruments) recordRPC(method string, elapsed time.Duration) {
	if i == nil || i.rpcDuration == nil {
		return
	}
	i.rpcDuration.Record(context.Background(), elapsed.Seconds(),
		metric.WithAttributes(attribute.String("method", method)))
}

func (i *sessionInstruments) recordReconnect() {
	if i == nil || i.reconnects == nil {
		return
	}
	i.reconnects.Add(context.Background(), 1)
}
