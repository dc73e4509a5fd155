package pubsub

import (
	"context"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublishRequiresClientAndTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "events", map[string]string{"k": "v"})
	require.ErrorContains(t, err, "client is not configured")

	p := &Publisher{client: nil}
	_, err = p.Publish(context.Background(), "", nil)
	require.Error(t, err)
}

func TestCarrierRoundTripsTraceContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	prop := propagation.TraceContext{}
	carrier := &pubsubCarrier{attrs: map[string]string{"event_type": "task.completed"}}
	prop.Inject(ctx, carrier)

	assert.Contains(t, carrier.Get("traceparent"), traceID.String())
	assert.ElementsMatch(t, []string{"event_type", "traceparent"}, carrier.Keys())

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), carrier))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
}

func TestPublishDeliversToFakeServer(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "crawlq-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/crawlq-test/topics/events"})
	require.NoError(t, err)

	p := New(client)
	id, err := p.Publish(ctx, "events", attributedPayload{Kind: "task.completed"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	p.Stop()

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"kind":"task.completed"}`, string(msgs[0].Data))
	assert.Equal(t, "task.completed", msgs[0].Attributes["event_type"])
}

type attributedPayload struct {
	Kind string `json:"kind"`
}

func (a attributedPayload) Attributes() map[string]string {
	return map[string]string{"event_type": a.Kind}
}
