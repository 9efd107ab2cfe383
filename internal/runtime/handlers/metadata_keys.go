package handlers

// Reserved envelope metadata keys.
const (
	// MetadataKeyCorrelationID carries a correlation id from producers that
	// cannot set the envelope field.
	MetadataKeyCorrelationID = "correlation_id"

	// MetadataKeyEventSchema names the Go type a typed handler replied with.
	MetadataKeyEventSchema = "event_message_schema"

	// MetadataKeyHandledBy records which handler produced a response.
	MetadataKeyHandledBy = "handled_by"

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"

	// MetadataKeySpanID stores distributed tracing span ID.
	MetadataKeySpanID = "span_id"
)
