// Package siptxn implements the SIP transaction aggregator (spec §4.G),
// adapted from plugins/handler/skywalking/transaction's state-machine shape:
// one Aggregator instance owns one shard's transaction map with no external
// synchronization, driven by a single goroutine that multiplexes inbound
// messages and the expiry ticker exactly like internal/otus/pipeline's
// partition loop. The per-RFC-3261 retransmission timers that shape taught
// (Timer B/F/H/I/J/K) do not apply here — this core observes already
// captured messages and never retransmits, so expiry collapses to the
// single termination-timeout sweep spec 4.G names.
package siptxn

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ghettovoice/gosip/sip"

	"firestige.xyz/otus/internal/bus"
	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/persistence"
	"firestige.xyz/otus/internal/sipmsg"
	"firestige.xyz/otus/internal/udf"
)

// Bus is the subset of *bus.Bus the aggregator needs.
type Bus interface {
	Subscribe(ctx context.Context, topic string, handler bus.Handler) (func(), error)
	Publish(topic string, msg any) error
}

// Dispatcher is the subset of *udf.Dispatcher the aggregator needs.
type Dispatcher interface {
	Execute(ctx context.Context, endpoint string, payload any, cb udf.Callback)
}

// Emitted is what the aggregator publishes downstream on a terminated
// transaction: sip_<method>_transaction.
type Emitted struct {
	Transaction *model.SipTransaction
	Attributes  map[string]any
}

// Aggregator owns one shard's transaction map.
type Aggregator struct {
	shard             int
	inboundTopic      string
	terminationTimeout time.Duration
	expirationDelay   time.Duration

	bus  Bus
	udf  Dispatcher
	sink persistence.Sink

	timeSuffix string

	transactions map[model.TransactionKey]*model.SipTransaction
}

// New creates an Aggregator bound to inboundTopic (e.g. "sip_call_3").
func New(b Bus, d Dispatcher, sink persistence.Sink, inboundTopic string, shard int, terminationTimeout, expirationDelay time.Duration, timeSuffix string) *Aggregator {
	if expirationDelay <= 0 {
		expirationDelay = 100 * time.Millisecond
	}
	if terminationTimeout <= 0 {
		terminationTimeout = 32 * time.Second
	}
	return &Aggregator{
		shard:              shard,
		inboundTopic:       inboundTopic,
		terminationTimeout: terminationTimeout,
		expirationDelay:    expirationDelay,
		bus:                b,
		udf:                d,
		sink:               sink,
		timeSuffix:         timeSuffix,
		transactions:       make(map[model.TransactionKey]*model.SipTransaction),
	}
}

// Run drives the shard's single owning goroutine until ctx is canceled.
func (a *Aggregator) Run(ctx context.Context) error {
	inbox := make(chan *sipmsg.Parsed, 256)
	unsubscribe, err := a.bus.Subscribe(ctx, a.inboundTopic, func(_ context.Context, msg any) (any, error) {
		parsed, ok := msg.(*sipmsg.Parsed)
		if !ok {
			return nil, nil
		}
		select {
		case inbox <- parsed:
		default:
			log.GetLogger().WithField("topic", a.inboundTopic).Warn("siptxn: inbox full, dropping message")
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	ticker := time.NewTicker(a.expirationDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case parsed := <-inbox:
			a.onMessage(ctx, parsed)
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Aggregator) onMessage(ctx context.Context, parsed *sipmsg.Parsed) {
	key, ts, err := buildKey(parsed)
	if err != nil {
		log.GetLogger().WithError(err).Debug("siptxn: failed to derive transaction key")
		return
	}

	txn, exists := a.transactions[key]
	if !exists {
		txn = &model.SipTransaction{Key: key, CreatedAt: parsed.Packet.Timestamp}
		a.transactions[key] = txn
	}

	if req, ok := parsed.Message.(sip.Request); ok {
		if !txn.HasRequest {
			txn.HasRequest = true
			txn.RequestPayload = parsed.Packet.Payload
			txn.SrcAddr = parsed.Packet.Src
			txn.DstAddr = parsed.Packet.Dst
			txn.UAType = classifyUA(req)
		}
		return
	}

	resp, ok := parsed.Message.(sip.Response)
	if !ok {
		return
	}
	if txn.HasResponse && txn.ResponseIsFinal {
		return
	}
	prevStatus := txn.StatusCode
	txn.HasResponse = true
	txn.ResponsePayload = parsed.Packet.Payload
	txn.StatusCode = int(resp.StatusCode())
	txn.ResponseIsFinal = txn.StatusCode >= 200

	if !txn.ResponseIsFinal {
		txn.State = model.SipTxnProceeding
		is18x := func(code int) bool { return code >= 180 && code <= 189 }
		if key.Method == "INVITE" && is18x(txn.StatusCode) && !is18x(prevStatus) {
			if err := a.bus.Publish("sip_invite_provisional", &Emitted{Transaction: txn}); err != nil {
				log.GetLogger().WithError(err).Warn("siptxn: provisional publish failed")
			}
		}
		return
	}

	txn.TerminatedAt = ts
	txn.State = classifyFinalState(txn.StatusCode)
	a.terminate(ctx, key, txn)
}

// sweep terminates every transaction older than terminationTimeout that
// never received a final response, per spec 4.G's timer-driven expiry.
func (a *Aggregator) sweep(ctx context.Context) {
	now := time.Now()
	for key, txn := range a.transactions {
		if txn.IsTerminated() {
			continue
		}
		if now.Sub(txn.CreatedAt) < a.terminationTimeout {
			continue
		}
		txn.TerminatedAt = now
		txn.State = model.SipTxnFailed
		a.terminate(ctx, key, txn)
	}
}

func (a *Aggregator) terminate(ctx context.Context, key model.TransactionKey, txn *model.SipTransaction) {
	method := strings.ToLower(key.Method)
	endpoint := fmt.Sprintf("sip_%s_transaction_udf", method)

	a.udf.Execute(ctx, endpoint, txn, func(result udf.Result) {
		delete(a.transactions, key)
		if !result.Accepted {
			return
		}

		emitTopic := fmt.Sprintf("sip_%s_transaction", method)
		if err := a.bus.Publish(emitTopic, &Emitted{Transaction: txn, Attributes: result.Attributes}); err != nil {
			log.GetLogger().WithError(err).WithField("topic", emitTopic).Warn("siptxn: publish failed")
		}

		collection := model.CollectionSuffix(fmt.Sprintf("sip_%s_index%d", method, a.shard), txn.TerminatedAt, a.timeSuffix)
		doc := persistence.Document{
			"call_id":     txn.Key.CallID,
			"cseq":        txn.Key.CSeq,
			"method":      txn.Key.Method,
			"branch":      txn.Key.Branch,
			"state":       string(txn.State),
			"status_code": txn.StatusCode,
			"created_at":  txn.CreatedAt,
			"terminated_at": txn.TerminatedAt,
			"ua_type":     string(txn.UAType),
		}
		for k, v := range result.Attributes {
			doc[k] = v
		}
		if err := a.sink.Send(collection, doc); err != nil {
			metrics.PersistenceErrorsTotal.WithLabelValues(collection).Inc()
		}
	})
}

func classifyFinalState(status int) model.SipTransactionState {
	switch {
	case status >= 200 && status < 300:
		return model.SipTxnSucceed
	case status == 401 || status == 407:
		return model.SipTxnUnauthorized
	case status == 487:
		return model.SipTxnCanceled
	case status >= 300 && status < 400:
		return model.SipTxnRedirected
	default:
		return model.SipTxnFailed
	}
}

// classifyUA is a best-effort heuristic: a request observed with a single
// Via hop is assumed to come straight from the originating UAC; more than
// one hop means at least one proxy is in path, which this core attributes
// to the UAS side (spec §3.NEW — dashboarding attribute only).
func classifyUA(req sip.Request) model.UAType {
	hops := len(req.GetHeaders("Via"))
	if hops == 0 {
		return model.UATypeUnknown
	}
	if hops == 1 {
		return model.UATypeUAC
	}
	return model.UATypeUAS
}

func buildKey(parsed *sipmsg.Parsed) (model.TransactionKey, time.Time, error) {
	callID, ok := parsed.Message.CallID()
	if !ok {
		return model.TransactionKey{}, time.Time{}, fmt.Errorf("siptxn: missing Call-ID")
	}
	cseq, ok := parsed.Message.CSeq()
	if !ok {
		return model.TransactionKey{}, time.Time{}, fmt.Errorf("siptxn: missing CSeq")
	}
	via, ok := parsed.Message.Via()
	if !ok {
		return model.TransactionKey{}, time.Time{}, fmt.Errorf("siptxn: missing Via")
	}

	seqNum, method := parseCSeq(cseq.Value())
	branch := extractBranch(via.Value())

	return model.TransactionKey{
		CallID: callID.Value(),
		CSeq:   seqNum,
		Method: method,
		Branch: branch,
	}, parsed.Packet.Timestamp, nil
}

func parseCSeq(raw string) (uint32, string) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return 0, ""
	}
	n, _ := strconv.ParseUint(fields[0], 10, 32)
	return uint32(n), strings.ToUpper(fields[len(fields)-1])
}

func extractBranch(via string) string {
	idx := strings.Index(via, "branch=")
	if idx == -1 {
		return ""
	}
	rest := via[idx+len("branch="):]
	if end := strings.IndexByte(rest, ';'); end != -1 {
		return rest[:end]
	}
	return rest
}
