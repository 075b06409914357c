// Package sipmsg implements the SIP message handler (spec §4.F): decodes
// each SIP packet, validates mandatory headers, extracts the routing prefix
// and shard key, and forwards the parsed message onto the bus.
package sipmsg

import (
	"fmt"
	"strings"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"golang.org/x/text/encoding/charmap"

	gosiplogpkg "github.com/ghettovoice/gosip/log"

	"firestige.xyz/otus/internal/bus"
	"firestige.xyz/otus/internal/gosiplog"
	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
)

// knownMethods is the CSeq method set spec §4.F accepts; anything else is
// dropped before it reaches an aggregator.
var knownMethods = map[string]struct{}{
	"INVITE": {}, "ACK": {}, "BYE": {}, "CANCEL": {}, "REGISTER": {},
	"NOTIFY": {}, "MESSAGE": {}, "OPTIONS": {}, "SUBSCRIBE": {},
	"INFO": {}, "UPDATE": {}, "REFER": {}, "PRACK": {}, "PUBLISH": {},
}

// shardedByMethodPrefixes route to sip_<method>; everything else not in this set
// (but still in knownMethods) routes to sip_call.
var shardedByMethodPrefixes = map[string]string{
	"REGISTER":  "sip_register",
	"NOTIFY":    "sip_notify",
	"MESSAGE":   "sip_message",
	"OPTIONS":   "sip_options",
	"SUBSCRIBE": "sip_subscribe",
}

// Parsed is what the handler forwards to the shard topic: the original
// packet alongside the decoded SIP message.
type Parsed struct {
	Packet  *model.Packet
	Message sip.Message
	CallID  string
	ToURI   string
}

// Bus is the subset of *bus.Bus the handler needs.
type Bus interface {
	SendSharded(topicPrefix string, key string, shardCount int, msg any) error
	Send(topic string, msg any) error
}

// Handler decodes, validates, and routes SIP packets.
type Handler struct {
	bus           Bus
	callInstances int
	exclusions    map[string]struct{}
	gosipLogger   gosiplogpkg.Logger
}

// New creates a Handler. callInstances is the sip_call shard count
// (vertx.instances); exclusions is the configured CSeq-method exclusion set
// (spec §6 sip.message.exclusions) — excluded methods still get a metric
// but are never written or forwarded.
func New(b Bus, callInstances int, exclusions []string) *Handler {
	if callInstances <= 0 {
		callInstances = 1
	}
	excl := make(map[string]struct{}, len(exclusions))
	for _, m := range exclusions {
		excl[strings.ToUpper(m)] = struct{}{}
	}
	return &Handler{
		bus:           b,
		callInstances: callInstances,
		exclusions:    excl,
		gosipLogger:   gosiplog.New(log.GetLogger()),
	}
}

// Handle decodes p.Payload as a SIP message and routes it. Malformed
// payloads and messages missing Call-ID/From/To are dropped silently
// (spec §7 category 1); unknown CSeq methods are dropped before the metric
// is counted.
func (h *Handler) Handle(p *model.Packet) {
	text, err := charmap.ISO8859_1.NewDecoder().String(string(p.Payload))
	if err != nil {
		log.GetLogger().WithError(err).Debug("sipmsg: failed to decode payload as ISO-8859-1")
		return
	}

	msg, err := parser.ParseMessage([]byte(text), h.gosipLogger)
	if err != nil {
		log.GetLogger().WithError(err).Debug("sipmsg: failed to parse SIP message")
		return
	}

	callID, ok := msg.CallID()
	from, okFrom := msg.From()
	to, okTo := msg.To()
	if !ok || !okFrom || !okTo {
		log.GetLogger().Debug("sipmsg: missing Call-ID/From/To, dropping")
		return
	}
	_ = from

	cseq, ok := msg.CSeq()
	if !ok {
		return
	}
	method, _ := extractCSeqMethod(cseq.Value())
	if _, known := knownMethods[method]; !known {
		return
	}

	statusType, statusCode := classify(msg)
	metrics.SipMessagesTotal.WithLabelValues(
		method, strings.ToLower(method), statusType, statusCode, p.Src.Host, p.Dst.Host,
	).Inc()

	if _, excluded := h.exclusions[method]; excluded {
		return
	}

	toURI, _ := extractURIAndTag(to.Value())
	parsed := &Parsed{Packet: p, Message: msg, CallID: callID.Value(), ToURI: toURI}

	if prefix, ok := shardedByMethodPrefixes[method]; ok {
		shard := 0
		if prefix == "sip_register" {
			shard = bus.ShardIndex(toURI, h.callInstances)
		}
		_ = h.bus.Send(fmt.Sprintf("%s_%d", prefix, shard), parsed)
		return
	}

	_ = h.bus.SendSharded("sip_call", callID.Value(), h.callInstances, parsed)
}

// extractCSeqMethod splits a raw CSeq header value ("113 INVITE") into its
// sequence number and method name.
func extractCSeqMethod(raw string) (method string, seq string) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", ""
	}
	return strings.ToUpper(fields[len(fields)-1]), fields[0]
}

// extractURIAndTag pulls the bare URI and tag param out of a From/To header
// value such as "<sip:alice@example.com>;tag=12345".
func extractURIAndTag(header string) (uri string, tag string) {
	h := strings.TrimSpace(header)
	if len(h) > 0 && h[0] == '<' {
		if end := strings.IndexByte(h, '>'); end != -1 {
			h = h[1:end]
		}
	}
	semi := strings.IndexByte(h, ';')
	if semi == -1 {
		return h, ""
	}
	uri = h[:semi]
	for _, param := range strings.Split(h[semi+1:], ";") {
		if strings.HasPrefix(param, "tag=") {
			tag = strings.TrimPrefix(param, "tag=")
			break
		}
	}
	return uri, tag
}

// classify derives the {status_type, status_code} metric tags: requests
// carry no status, responses carry "Nxx" and the numeric code.
func classify(msg sip.Message) (statusType, statusCode string) {
	if resp, ok := msg.(sip.Response); ok {
		code := int(resp.StatusCode())
		return fmt.Sprintf("%dxx", code/100), fmt.Sprintf("%d", code)
	}
	return "", ""
}
