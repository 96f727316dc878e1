package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestServer(t *testing.T, topic string) []option.ClientOption {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	if topic != "" {
		admin, err := pubsub.NewClient(context.Background(), "proj", option.WithGRPCConn(conn))
		require.NoError(t, err)
		_, err = admin.CreateTopic(context.Background(), topic)
		require.NoError(t, err)
	}
	return []option.ClientOption{option.WithGRPCConn(conn)}
}

func TestPublisherPublishes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	opts := newTestServer(t, "outcomes")

	pub, err := Open(ctx, "proj", "outcomes", opts...)
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "delivered", map[string]string{"domain": "water"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())
}

func TestOpenMissingTopic(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "proj", "absent", newTestServer(t, "")...)
	require.ErrorContains(t, err, "does not exist")
}

func TestPublishMessageShape(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "proj", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	topic, err := client.CreateTopic(ctx, "outcomes")
	require.NoError(t, err)

	pub := New(topic)
	_, err = pub.Publish(ctx, "fallback", map[string]int{"attempts": 3})
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "fallback", msgs[0].Attributes["kind"])
	var body map[string]int
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, 3, body["attempts"])
}

func TestPublishUnconfigured(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "x", nil)
	require.Error(t, err)
	require.NoError(t, p.Close())
}
