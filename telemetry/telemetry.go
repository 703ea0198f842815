// Package telemetry holds the small OpenTelemetry helpers shared by the
// processing core: tracer names and span error recording.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names used across the module. Keeping them in one place makes
// trace filtering predictable in the collector.
const (
	TracerLock      = "paygrid.lock"
	TracerStream    = "paygrid.stream"
	TracerProcessor = "paygrid.processor"
	TracerLedger    = "paygrid.ledger"
)

// Common span attribute keys.
const (
	AttrTransactionID = "paygrid.transaction_id"
	AttrPartition     = "paygrid.partition"
	AttrNodeID        = "paygrid.node_id"
	AttrAccountID     = "paygrid.account_id"
)

// HandleSpanError sets the status of the span to error and records the error.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// HandleSpanEvent adds an event to the span.
func HandleSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}
