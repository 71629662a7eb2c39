package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	require.NoError(t, q.Publish(ctx, Message{Type: "boarding", Body: []byte(`{"bus":"Bus-10"}`)}))

	messages, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.Equal(t, "boarding", msg.Type)
		assert.JSONEq(t, `{"bus":"Bus-10"}`, string(msg.Body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestInMemoryPublishHonorsDeadlineWhenFull(t *testing.T) {
	q := NewInMemory(1)
	bg := context.Background()
	require.NoError(t, q.Publish(bg, Message{Type: "boarding"}))

	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, Message{Type: "boarding"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSerializeRoundTrip(t *testing.T) {
	msg := Message{Type: "boarding", Body: []byte(`{"time":"07|45"}`)}
	got := deserialize(serialize(msg))
	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.Body, got.Body)
}
