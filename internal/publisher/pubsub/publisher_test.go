package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
)

func TestBuildMessageCarriesAttributes(t *testing.T) {
	t.Parallel()

	evt := crawler.Completion{SessionID: "s-1", OriginRef: "tab-7", Status: crawler.OutcomeCompleted, Title: "Saga"}
	msg, err := buildMessage(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, "s-1", msg.Attributes["session_id"])
	require.Equal(t, "tab-7", msg.Attributes["origin_ref"])
	require.Equal(t, "completed", msg.Attributes["status"])

	var decoded crawler.Completion
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, "Saga", decoded.Title)
}

func TestCarrierInjectsTraceContext(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	carrier := &pubsubCarrier{attrs: map[string]string{}}
	propagation.TraceContext{}.Inject(ctx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
	require.Contains(t, carrier.Keys(), "traceparent")
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)
	New(nil).Stop()
}
