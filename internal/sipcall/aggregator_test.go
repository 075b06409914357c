package sipcall

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/bus"
	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/persistence"
	"firestige.xyz/otus/internal/siptxn"
	"firestige.xyz/otus/internal/udf"
)

func TestMain(m *testing.M) {
	log.Init(&log.LoggerConfig{
		Level:   "error",
		Pattern: "%time[%level] - %msg\n",
		Time:    "2006-01-02 15:04:05",
	})
	os.Exit(m.Run())
}

type fakeCallBus struct {
	mu        sync.Mutex
	handlers  map[string]bus.Handler
	published []any
}

func newFakeCallBus() *fakeCallBus {
	return &fakeCallBus{handlers: make(map[string]bus.Handler)}
}

func (b *fakeCallBus) Subscribe(_ context.Context, topic string, h bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return func() {}, nil
}

func (b *fakeCallBus) Publish(_ string, msg any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return nil
}

func (b *fakeCallBus) deliver(t *testing.T, topic string, msg any) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	require.NotNil(t, h, "no subscriber for topic %s", topic)
	_, err := h(context.Background(), msg)
	require.NoError(t, err)
}

func (b *fakeCallBus) snapshotPublished() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]any, len(b.published))
	copy(out, b.published)
	return out
}

type acceptAllDispatcher struct{}

func (acceptAllDispatcher) Execute(_ context.Context, _ string, _ any, cb udf.Callback) {
	cb(udf.Result{Accepted: true, Attributes: map[string]any{}})
}

func TestAggregatorAnsweredCallTerminatesOnBye(t *testing.T) {
	b := newFakeCallBus()
	writer := persistence.NewMemoryWriter()
	sink := persistence.NewBatchingSink(writer, 1, time.Hour)
	defer sink.Close()

	agg := New(b, acceptAllDispatcher{}, sink, 0, 1, time.Minute, 10*time.Millisecond, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agg.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)

	now := time.Now()
	key := model.TransactionKey{CallID: "call-1", CSeq: 1, Method: "INVITE", Branch: "z9hG4bK1"}

	b.deliver(t, "sip_invite_provisional", &siptxn.Emitted{Transaction: &model.SipTransaction{
		Key: key, State: model.SipTxnProceeding, StatusCode: 180, CreatedAt: now,
	}})

	b.deliver(t, "sip_invite_transaction", &siptxn.Emitted{Transaction: &model.SipTransaction{
		Key: key, State: model.SipTxnSucceed, StatusCode: 200, CreatedAt: now, TerminatedAt: now.Add(time.Second),
	}})

	byeKey := model.TransactionKey{CallID: "call-1", CSeq: 2, Method: "BYE", Branch: "z9hG4bK2"}
	b.deliver(t, "sip_bye_transaction", &siptxn.Emitted{Transaction: &model.SipTransaction{
		Key: byeKey, State: model.SipTxnSucceed, StatusCode: 200, CreatedAt: now.Add(2 * time.Second), TerminatedAt: now.Add(3 * time.Second),
	}})

	assert.Eventually(t, func() bool {
		return len(b.snapshotPublished()) == 1
	}, time.Second, 5*time.Millisecond)

	emitted, ok := b.snapshotPublished()[0].(*Emitted)
	require.True(t, ok)
	assert.Equal(t, model.SipCallEnded, emitted.Call.State)
	assert.False(t, emitted.Call.AnsweredAt.IsZero())
	assert.Len(t, emitted.Call.Transactions, 2)
}

func TestAggregatorFailedInviteTerminatesImmediately(t *testing.T) {
	b := newFakeCallBus()
	writer := persistence.NewMemoryWriter()
	sink := persistence.NewBatchingSink(writer, 1, time.Hour)
	defer sink.Close()

	agg := New(b, acceptAllDispatcher{}, sink, 0, 1, time.Minute, 10*time.Millisecond, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agg.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)

	now := time.Now()
	key := model.TransactionKey{CallID: "call-2", CSeq: 1, Method: "INVITE", Branch: "z9hG4bK3"}
	b.deliver(t, "sip_invite_transaction", &siptxn.Emitted{Transaction: &model.SipTransaction{
		Key: key, State: model.SipTxnFailed, StatusCode: 486, CreatedAt: now, TerminatedAt: now.Add(time.Second),
	}})

	assert.Eventually(t, func() bool {
		return len(b.snapshotPublished()) == 1
	}, time.Second, 5*time.Millisecond)

	emitted := b.snapshotPublished()[0].(*Emitted)
	assert.Equal(t, model.SipCallFailed, emitted.Call.State)
}

func TestAggregatorExpiresRingingCallAsFailed(t *testing.T) {
	b := newFakeCallBus()
	writer := persistence.NewMemoryWriter()
	sink := persistence.NewBatchingSink(writer, 1, time.Hour)
	defer sink.Close()

	agg := New(b, acceptAllDispatcher{}, sink, 0, 1, 10*time.Millisecond, 5*time.Millisecond, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agg.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)

	key := model.TransactionKey{CallID: "call-3", CSeq: 1, Method: "INVITE", Branch: "z9hG4bK4"}
	b.deliver(t, "sip_invite_provisional", &siptxn.Emitted{Transaction: &model.SipTransaction{
		Key: key, State: model.SipTxnProceeding, StatusCode: 180, CreatedAt: time.Now(),
	}})

	assert.Eventually(t, func() bool {
		return len(b.snapshotPublished()) == 1
	}, time.Second, 5*time.Millisecond)

	emitted := b.snapshotPublished()[0].(*Emitted)
	assert.Equal(t, model.SipCallFailed, emitted.Call.State)
}
