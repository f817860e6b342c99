// Package observability provides the Router's ambient logging,
// request-ID propagation, and span-creation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies the Router's tracer in whatever provider the
// embedding process has configured. The Router never configures an SDK
// or exporter itself — that is the embedding process's decision — it
// only starts spans against the global (or injected) tracer, which is a
// no-op until the caller installs a real TracerProvider.
const TracerName = "llmux/router"

// Tracer returns the Router's tracer, resolved against whatever
// TracerProvider the embedding process has registered with otel.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// LLMSpanAttributes holds the standard attributes recorded on a
// deployment-call span.
type LLMSpanAttributes struct {
	Provider   string
	Model      string
	Deployment string
	Stream     bool
}

// StartLLMSpan starts a span for a single deployment call attempt.
func StartLLMSpan(ctx context.Context, operation string, attrs LLMSpanAttributes) (context.Context, trace.Span) {
	return Tracer().Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gen_ai.system", attrs.Provider),
			attribute.String("gen_ai.request.model", attrs.Model),
			attribute.String("llmux.deployment_id", attrs.Deployment),
			attribute.Bool("gen_ai.request.stream", attrs.Stream),
		),
	)
}

// RecordLLMResponse records usage and finish-reason attributes on a span.
func RecordLLMResponse(span trace.Span, inputTokens, outputTokens int, finishReason string) {
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int("gen_ai.usage.output_tokens", outputTokens),
		attribute.String("gen_ai.response.finish_reason", finishReason),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
