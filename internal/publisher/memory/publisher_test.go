package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "sessions", crawler.Completion{SessionID: "s-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "audit", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "sessions", msgs[0].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "sessions", pub.Messages()[0].Topic, "Messages() must return a copy")

	got := pub.Topic("sessions")
	require.Len(t, got, 1)
	require.Equal(t, "s-1", got[0].(crawler.Completion).SessionID)
	require.Empty(t, pub.Topic("missing"))
}
