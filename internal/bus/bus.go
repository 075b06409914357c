// Package bus implements the in-process message bus every correlation engine
// rides on: topic-addressed mailboxes supporting broadcast (Publish),
// point-to-point (Send), and request/reply (Request) delivery, plus sharded
// send for deterministic Call-ID/To-URI routing.
//
// Messages pass by reference — no serialization round-trip — since
// everything lives in one process. Delivery is at-most-once on timeout,
// exactly-once on success; ordering is FIFO per (sender, topic).
package bus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"firestige.xyz/otus/internal/log"
)

// ErrClosed is returned by any operation performed after Close.
var ErrClosed = errors.New("bus: closed")

// ErrNoSubscriber is returned by Send/Request when a topic has no subscriber.
var ErrNoSubscriber = errors.New("bus: no subscriber for topic")

// ErrQueueFull is returned when a topic's inbound queue is saturated; the
// caller is expected to treat this the same way a remote timeout is treated
// — the message is dropped, never silently swallowed (spec §5 backpressure).
var ErrQueueFull = errors.New("bus: partition queue full")

// Handler processes one message delivered to a subscription. Returning an
// error only affects logging — the bus itself never retries.
type Handler func(ctx context.Context, msg any) (reply any, err error)

// Stats exposes bus-wide counters, consumed by internal/metrics.
type Stats struct {
	Published int64
	Delivered int64
	Dropped   int64
}

type envelope struct {
	msg   any
	reply chan any
}

type subscription struct {
	handler Handler
	queue   chan envelope
	cancel  context.CancelFunc
}

// Bus is the concrete, in-memory implementation described above. Every
// subscription owns one goroutine and one bounded queue, mirroring the
// teacher's one-partition-per-goroutine shape (internal/eventbus) but
// generalized to one queue per *subscription* rather than a small fixed
// partition count, since this core's topic space is shard-addressed already
// (e.g. "sip_call_3") and does not need a second layer of hashing.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription
	rr          map[string]*atomic.Uint64 // round-robin cursor per topic
	queueSize   int

	closed atomic.Bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// New creates a Bus whose per-subscription queues hold queueSize messages
// before Send/Publish starts reporting ErrQueueFull.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subscribers: make(map[string][]*subscription),
		rr:          make(map[string]*atomic.Uint64),
		queueSize:   queueSize,
	}
}

// Subscribe registers a handler under topic. It returns an Unsubscribe func.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		handler: handler,
		queue:   make(chan envelope, b.queueSize),
		cancel:  cancel,
	}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	if _, ok := b.rr[topic]; !ok {
		b.rr[topic] = &atomic.Uint64{}
	}
	b.mu.Unlock()

	go b.runSubscription(subCtx, topic, sub)

	log.GetLogger().WithField("topic", topic).Debug("bus: subscribed")

	return func() {
		cancel()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

func (b *Bus) runSubscription(ctx context.Context, topic string, sub *subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.queue:
			if !ok {
				return
			}
			reply, err := sub.handler(ctx, env.msg)
			if err != nil {
				log.GetLogger().WithField("topic", topic).WithError(err).Warn("bus: handler error")
			}
			if env.reply != nil {
				env.reply <- reply
			} else {
				b.delivered.Add(1)
			}
		}
	}
}

// Publish broadcasts msg to every current subscriber of topic. A subscriber
// whose queue is full is skipped (counted as dropped) — Publish never blocks.
func (b *Bus) Publish(topic string, msg any) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := append([]*subscription(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- envelope{msg: msg}:
		default:
			b.dropped.Add(1)
			log.GetLogger().WithField("topic", topic).Warn("bus: publish dropped, queue full")
		}
	}
	return nil
}

// Send delivers msg to exactly one subscriber of topic, chosen round-robin.
func (b *Bus) Send(topic string, msg any) error {
	sub, err := b.pick(topic)
	if err != nil {
		return err
	}
	b.published.Add(1)
	select {
	case sub.queue <- envelope{msg: msg}:
		return nil
	default:
		b.dropped.Add(1)
		return ErrQueueFull
	}
}

// SendSharded delivers msg to "<topicPrefix>_<shard>" where shard is derived
// deterministically from key via FNV hashing, matching spec 4.F/4.B's sharded
// routing requirement: the same key always maps to the same shard index for
// the process lifetime (shard count is fixed at boot).
func (b *Bus) SendSharded(topicPrefix string, key string, shardCount int, msg any) error {
	shard := ShardIndex(key, shardCount)
	return b.Send(fmt.Sprintf("%s_%d", topicPrefix, shard), msg)
}

// ShardIndex computes abs(fnv32a(key)) mod shardCount, the hashing scheme
// spec 4.F names explicitly for sip_call/sip_register routing.
func ShardIndex(key string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shardCount))
}

// Request delivers msg to one subscriber of topic and waits up to timeout for
// a reply. On timeout, ErrNoSubscriber, or ErrQueueFull it returns an error —
// callers (principally internal/udf) are expected to treat any error here as
// "no-op success", never as data loss.
func (b *Bus) Request(ctx context.Context, topic string, msg any) (any, error) {
	sub, err := b.pick(topic)
	if err != nil {
		return nil, err
	}
	b.published.Add(1)

	replyCh := make(chan any, 1)
	select {
	case sub.queue <- envelope{msg: msg, reply: replyCh}:
	default:
		b.dropped.Add(1)
		return nil, ErrQueueFull
	}

	select {
	case reply := <-replyCh:
		b.delivered.Add(1)
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) pick(topic string) (*subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	b.mu.RLock()
	subs := b.subscribers[topic]
	cursor := b.rr[topic]
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil, ErrNoSubscriber
	}
	if cursor == nil {
		return subs[0], nil
	}
	idx := cursor.Add(1) % uint64(len(subs))
	return subs[idx], nil
}

// Endpoints returns the set of topic names that currently have at least one
// subscriber — used by internal/udf's periodic discovery refresh.
func (b *Bus) Endpoints() map[string]struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]struct{}, len(b.subscribers))
	for topic, subs := range b.subscribers {
		if len(subs) > 0 {
			out[topic] = struct{}{}
		}
	}
	return out
}

// GetStats returns a snapshot of bus-wide counters.
func (b *Bus) GetStats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close shuts every subscription down. Further Publish/Send/Request calls
// return ErrClosed.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.subscribers = make(map[string][]*subscription)
	log.GetLogger().Info("bus: closed")
	return nil
}
