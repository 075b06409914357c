package bus

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/log"
)

func TestMain(m *testing.M) {
	log.Init(&log.LoggerConfig{
		Level:   "error",
		Pattern: "%time[%level] - %msg\n",
		Time:    "2006-01-02 15:04:05",
	})
	os.Exit(m.Run())
}

func TestPublishBroadcastsToAllSubscribers(t *testing.T) {
	b := New(8)
	defer b.Close()

	var a, c atomic.Int32
	_, err := b.Subscribe(context.Background(), "sdp_info", func(_ context.Context, _ any) (any, error) {
		a.Add(1)
		return nil, nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "sdp_info", func(_ context.Context, _ any) (any, error) {
		c.Add(1)
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish("sdp_info", "session"))
	assert.Eventually(t, func() bool { return a.Load() == 1 && c.Load() == 1 }, time.Second, time.Millisecond)
}

func TestSendRoundRobinsAcrossSubscribers(t *testing.T) {
	b := New(8)
	defer b.Close()

	var hitsA, hitsB atomic.Int32
	_, _ = b.Subscribe(context.Background(), "sip_invite_udf", func(_ context.Context, _ any) (any, error) {
		hitsA.Add(1)
		return nil, nil
	})
	_, _ = b.Subscribe(context.Background(), "sip_invite_udf", func(_ context.Context, _ any) (any, error) {
		hitsB.Add(1)
		return nil, nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Send("sip_invite_udf", i))
	}

	assert.Eventually(t, func() bool { return hitsA.Load()+hitsB.Load() == 10 }, time.Second, time.Millisecond)
	assert.Positive(t, hitsA.Load())
	assert.Positive(t, hitsB.Load())
}

func TestSendWithNoSubscriberReturnsError(t *testing.T) {
	b := New(8)
	defer b.Close()

	err := b.Send("nobody_home", "x")
	assert.ErrorIs(t, err, ErrNoSubscriber)
}

func TestRequestReturnsSubscriberReply(t *testing.T) {
	b := New(8)
	defer b.Close()

	_, err := b.Subscribe(context.Background(), "sip_invite_transaction_udf", func(_ context.Context, msg any) (any, error) {
		return map[string]any{"echo": msg}, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := b.Request(ctx, "sip_invite_transaction_udf", "payload")
	require.NoError(t, err)
	assert.Equal(t, "payload", reply.(map[string]any)["echo"])
}

func TestRequestWithoutSubscriberReturnsErrNoSubscriber(t *testing.T) {
	b := New(8)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := b.Request(ctx, "nobody_home", "x")
	assert.ErrorIs(t, err, ErrNoSubscriber)
}

func TestShardIndexIsStableForProcessLifetime(t *testing.T) {
	callID := "abc-123@host"
	first := ShardIndex(callID, 8)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, ShardIndex(callID, 8))
	}
}

func TestEndpointsReflectsActiveSubscriptions(t *testing.T) {
	b := New(8)
	defer b.Close()

	assert.NotContains(t, b.Endpoints(), "sip_invite_udf")

	unsub, err := b.Subscribe(context.Background(), "sip_invite_udf", func(_ context.Context, _ any) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Contains(t, b.Endpoints(), "sip_invite_udf")

	unsub()
	assert.Eventually(t, func() bool {
		_, ok := b.Endpoints()["sip_invite_udf"]
		return !ok
	}, time.Second, time.Millisecond)
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := New(8)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish("x", 1), ErrClosed)
	assert.ErrorIs(t, b.Send("x", 1), ErrClosed)
}
