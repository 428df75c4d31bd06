package mcpclient

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceHeaders copies the active trace context from ctx onto header so
// downstream MCP servers can continue the trace (grounded on the teacher's
// runtime/mcp trace propagation, which this component otherwise omits since
// the spec's non-goals exclude distributed tracing across MCP servers but not
// the propagation plumbing itself).
func InjectTraceHeaders(ctx context.Context, header http.Header) {
	if ctx == nil || header == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}
