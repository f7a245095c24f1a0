package router

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/parley/internal/bus"
)

var tracer = otel.Tracer("parley/router")

func startSpan(ctx context.Context, name string, ev bus.Event) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("chat.source", ev.Source),
		attribute.String("chat.channel_id", ev.ChannelID),
		attribute.String("chat.correlation", ev.Correlation),
	))
}

func recordDecision(span trace.Span, allow bool, reason string) {
	span.SetAttributes(
		attribute.Bool("policy.allow", allow),
		attribute.String("policy.reason", reason),
	)
}
