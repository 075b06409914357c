// Package sipcall implements the SIP call (dialog) aggregator (spec §4.H),
// adapted from plugins/handler/skywalking/dialog's DialogContext/DialogState
// shape: that package models Early/Confirmed/Terminated as distinct types
// implementing a common interface; this aggregator's five-state machine has
// no per-state behavior beyond the transition table itself, so the state
// interface collapses to a single transition function over model.SipCallState
// while keeping the same per-shard, single-goroutine, no-lock ownership.
package sipcall

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/otus/internal/bus"
	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/persistence"
	"firestige.xyz/otus/internal/siptxn"
	"firestige.xyz/otus/internal/udf"
)

// inviteRoutedTopics are the sip_<method>_transaction topics a sip_call
// shard must observe, matching internal/sipmsg's sip_call routing set
// (every known method except the ones routed to their own single-shard
// per-method topic).
var inviteRoutedTopics = []string{
	"sip_invite_transaction",
	"sip_ack_transaction",
	"sip_bye_transaction",
	"sip_cancel_transaction",
	"sip_info_transaction",
	"sip_update_transaction",
	"sip_refer_transaction",
	"sip_prack_transaction",
	"sip_publish_transaction",
}

// Bus is the subset of *bus.Bus the aggregator needs.
type Bus interface {
	Subscribe(ctx context.Context, topic string, handler bus.Handler) (func(), error)
	Publish(topic string, msg any) error
}

// Dispatcher is the subset of *udf.Dispatcher the aggregator needs.
type Dispatcher interface {
	Execute(ctx context.Context, endpoint string, payload any, cb udf.Callback)
}

// Emitted is what the aggregator publishes on "sip_call" once a call
// terminates.
type Emitted struct {
	Call       *model.SipCall
	Attributes map[string]any
}

// Aggregator owns one shard's call map. callInstances is the total shard
// count (vertx.instances); shard is this instance's own index, used both for
// its collection name and to filter the broadcast transaction topics down to
// the calls this shard owns.
type Aggregator struct {
	shard              int
	callInstances      int
	terminationTimeout time.Duration
	expirationDelay    time.Duration

	bus  Bus
	udf  Dispatcher
	sink persistence.Sink

	timeSuffix string

	calls map[string]*model.SipCall
}

// New creates an Aggregator owning shard out of callInstances total shards.
func New(b Bus, d Dispatcher, sink persistence.Sink, shard, callInstances int, terminationTimeout, expirationDelay time.Duration, timeSuffix string) *Aggregator {
	if callInstances <= 0 {
		callInstances = 1
	}
	if expirationDelay <= 0 {
		expirationDelay = 100 * time.Millisecond
	}
	if terminationTimeout <= 0 {
		terminationTimeout = 32 * time.Second
	}
	return &Aggregator{
		shard:              shard,
		callInstances:      callInstances,
		terminationTimeout: terminationTimeout,
		expirationDelay:    expirationDelay,
		bus:                b,
		udf:                d,
		sink:               sink,
		timeSuffix:         timeSuffix,
		calls:              make(map[string]*model.SipCall),
	}
}

// Run drives the shard's single owning goroutine until ctx is canceled. It
// subscribes to every sip_call-routed transaction topic (each a broadcast
// Publish every call-aggregator shard receives) and to the INVITE
// provisional-ringing topic, filtering both down to the calls this shard
// owns via the same Call-ID hash sipmsg used to route the originating
// transactions.
func (a *Aggregator) Run(ctx context.Context) error {
	inbox := make(chan *siptxn.Emitted, 256)

	forward := func(_ context.Context, msg any) (any, error) {
		emitted, ok := msg.(*siptxn.Emitted)
		if !ok {
			return nil, nil
		}
		select {
		case inbox <- emitted:
		default:
			log.GetLogger().Warn("sipcall: inbox full, dropping message")
		}
		return nil, nil
	}

	var unsubs []func()
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	for _, topic := range append([]string{"sip_invite_provisional"}, inviteRoutedTopics...) {
		unsub, err := a.bus.Subscribe(ctx, topic, forward)
		if err != nil {
			return err
		}
		unsubs = append(unsubs, unsub)
	}

	ticker := time.NewTicker(a.expirationDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case emitted := <-inbox:
			a.onTransaction(ctx, emitted)
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Aggregator) owns(callID string) bool {
	return bus.ShardIndex(callID, a.callInstances) == a.shard
}

func (a *Aggregator) onTransaction(ctx context.Context, emitted *siptxn.Emitted) {
	txn := emitted.Transaction
	callID := txn.Key.CallID
	if !a.owns(callID) {
		return
	}

	call, exists := a.calls[callID]
	if !exists {
		call = &model.SipCall{CallID: callID, State: model.SipCallTrying, CreatedAt: txn.CreatedAt}
		a.calls[callID] = call
	}
	if call.IsTerminated() {
		return
	}

	switch txn.Key.Method {
	case "INVITE":
		a.onInvite(ctx, call, txn)
	case "BYE":
		call.Transactions = append(call.Transactions, txn.Key)
		call.State = model.SipCallEnded
		call.TerminatedAt = txn.TerminatedAt
		a.terminate(ctx, call)
	case "CANCEL":
		call.Transactions = append(call.Transactions, txn.Key)
		if call.State != model.SipCallAnswered {
			call.State = model.SipCallFailed
			call.TerminatedAt = txn.TerminatedAt
			a.terminate(ctx, call)
		}
	default:
		// ACK and other in-dialog methods (INFO, UPDATE, REFER, PRACK,
		// PUBLISH) are recorded but never drive a state transition.
		call.Transactions = append(call.Transactions, txn.Key)
	}
}

// onInvite handles both the lightweight provisional notification (which
// carries a non-terminated *model.SipTransaction still in state Proceeding)
// and the fully terminated INVITE transaction.
func (a *Aggregator) onInvite(ctx context.Context, call *model.SipCall, txn *model.SipTransaction) {
	if txn.State == model.SipTxnProceeding {
		if call.State == model.SipCallTrying {
			call.State = model.SipCallRinging
		}
		return
	}

	call.Transactions = append(call.Transactions, txn.Key)
	if txn.State == model.SipTxnSucceed {
		call.State = model.SipCallAnswered
		call.AnsweredAt = txn.TerminatedAt
		return
	}

	call.State = model.SipCallFailed
	call.TerminatedAt = txn.TerminatedAt
	a.terminate(ctx, call)
}

// sweep terminates every call older than terminationTimeout that never
// reached ended/failed, mirroring internal/siptxn's expiry sweep.
func (a *Aggregator) sweep(ctx context.Context) {
	now := time.Now()
	for callID, call := range a.calls {
		if call.IsTerminated() {
			continue
		}
		if now.Sub(call.CreatedAt) < a.terminationTimeout {
			continue
		}
		_ = callID
		call.State = model.SipCallFailed
		call.TerminatedAt = now
		a.terminate(ctx, call)
	}
}

func (a *Aggregator) terminate(ctx context.Context, call *model.SipCall) {
	a.udf.Execute(ctx, "sip_call_udf", call, func(result udf.Result) {
		delete(a.calls, call.CallID)
		if !result.Accepted {
			return
		}

		if err := a.bus.Publish("sip_call", &Emitted{Call: call, Attributes: result.Attributes}); err != nil {
			log.GetLogger().WithError(err).Warn("sipcall: publish failed")
		}

		collection := model.CollectionSuffix(fmt.Sprintf("sip_call_index%d", a.shard), call.TerminatedAt, a.timeSuffix)
		doc := persistence.Document{
			"call_id":       call.CallID,
			"state":         string(call.State),
			"created_at":    call.CreatedAt,
			"answered_at":   call.AnsweredAt,
			"terminated_at": call.TerminatedAt,
			"transactions":  len(call.Transactions),
		}
		for k, v := range result.Attributes {
			doc[k] = v
		}
		if err := a.sink.Send(collection, doc); err != nil {
			metrics.PersistenceErrorsTotal.WithLabelValues(collection).Inc()
		}
	})
}
