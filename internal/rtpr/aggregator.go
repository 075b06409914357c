// Package rtpr implements the RTP-R session aggregator (spec §4.I): it pairs
// RTP/RTCP quality reports into sessions keyed by (src, dst, SSRC), enriches
// orphaned reports with a cached SDP session, computes R-factor/MOS, and
// emits both raw per-report documents and aggregated session metrics.
//
// Grounded on plugins/parser/rtp/rtp.go for the general decode-then-classify
// shape (this core decodes RtpReportPayload records rather than raw RTP
// headers, since RTP-R reports arrive pre-summarized) and on
// internal/siptxn's single-owning-goroutine-plus-ticker shape for the map
// lifecycle.
package rtpr

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/otus/internal/bus"
	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/persistence"
)

// Bus is the subset of *bus.Bus the aggregator needs.
type Bus interface {
	Subscribe(ctx context.Context, topic string, handler bus.Handler) (func(), error)
	Publish(topic string, msg any) error
}

// Emitted is forwarded to the "media" topic once a session terminates, for
// call-correlation downstream.
type Emitted struct {
	Session *model.RtprSession
}

// Aggregator owns the SDP cache and both the rtp and rtcp session maps. It
// runs on a single goroutine, matching every other correlation engine's
// no-lock ownership model.
type Aggregator struct {
	bus  Bus
	sink persistence.Sink

	cumulativeMetrics bool
	aggregationTimeout time.Duration
	expirationDelay    time.Duration
	timeSuffix         string

	sdp  map[int64]*model.SdpSession
	rtp  map[SessionKey]*model.RtprSession
	rtcp map[SessionKey]*model.RtprSession
}

type inboundReport struct {
	source model.RtpReportSource
	packet *model.Packet
}

// New creates an Aggregator.
func New(b Bus, sink persistence.Sink, cumulativeMetrics bool, aggregationTimeout, expirationDelay time.Duration, timeSuffix string) *Aggregator {
	if aggregationTimeout <= 0 {
		aggregationTimeout = 30 * time.Second
	}
	if expirationDelay <= 0 {
		expirationDelay = 4 * time.Second
	}
	return &Aggregator{
		bus:                b,
		sink:               sink,
		cumulativeMetrics:  cumulativeMetrics,
		aggregationTimeout: aggregationTimeout,
		expirationDelay:    expirationDelay,
		timeSuffix:         timeSuffix,
		sdp:                make(map[int64]*model.SdpSession),
		rtp:                make(map[SessionKey]*model.RtprSession),
		rtcp:               make(map[SessionKey]*model.RtprSession),
	}
}

// Run drives the aggregator's single owning goroutine until ctx is canceled.
func (a *Aggregator) Run(ctx context.Context) error {
	inbox := make(chan inboundReport, 256)
	sdpInbox := make(chan []model.SdpSession, 16)

	reportHandler := func(source model.RtpReportSource) bus.Handler {
		return func(_ context.Context, msg any) (any, error) {
			pkt, ok := msg.(*model.Packet)
			if !ok {
				return nil, nil
			}
			select {
			case inbox <- inboundReport{source: source, packet: pkt}:
			default:
				log.GetLogger().Warn("rtpr: inbox full, dropping report")
			}
			return nil, nil
		}
	}

	unsubRTP, err := a.bus.Subscribe(ctx, "rtpr", reportHandler(model.RtpReportSourceRTP))
	if err != nil {
		return err
	}
	defer unsubRTP()

	unsubRTCP, err := a.bus.Subscribe(ctx, "rtpr_rtcp", reportHandler(model.RtpReportSourceRTCP))
	if err != nil {
		return err
	}
	defer unsubRTCP()

	unsubSDP, err := a.bus.Subscribe(ctx, "sdp_info", func(_ context.Context, msg any) (any, error) {
		sessions, ok := msg.([]model.SdpSession)
		if !ok {
			return nil, nil
		}
		select {
		case sdpInbox <- sessions:
		default:
			log.GetLogger().Warn("rtpr: sdp inbox full, dropping sdp_info batch")
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	defer unsubSDP()

	ticker := time.NewTicker(a.expirationDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-inbox:
			a.onReport(r.source, r.packet)
		case sessions := <-sdpInbox:
			for i := range sessions {
				s := sessions[i]
				a.sdp[s.ID] = &s
			}
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Aggregator) onReport(source model.RtpReportSource, pkt *model.Packet) {
	report, err := DecodeReport(pkt.Payload, source)
	if err != nil {
		log.GetLogger().WithError(err).Debug("rtpr: failed to decode report")
		return
	}
	if report.Cumulative {
		return
	}

	if report.CallID == "" {
		a.enrich(report, pkt)
	}

	key := BuildSessionKey(pkt.Src, pkt.Dst, report.SSRC)
	sessions := a.rtp
	channel := "rtp"
	if source == model.RtpReportSourceRTCP {
		sessions = a.rtcp
		channel = "rtcp"
	}

	session, exists := sessions[key]
	if !exists {
		session = &model.RtprSession{SrcAddr: pkt.Src, DstAddr: pkt.Dst, SSRC: report.SSRC, CreatedAt: pkt.Timestamp}
		sessions[key] = session
	}
	a.merge(session, report, pkt.Timestamp)

	a.writeRaw(channel, report, pkt.Timestamp)

	if !a.cumulativeMetrics {
		a.emitMetrics(channel, report)
	}
}

// enrich looks up a cached SDP session by the report's source then
// destination address and copies CallID/codec onto the report, computing
// R-factor and MOS from the codec's impairment constants.
func (a *Aggregator) enrich(report *model.RtpReportPayload, pkt *model.Packet) {
	sdp, ok := a.sdp[model.SdpSessionID(pkt.Src)]
	if !ok {
		sdp, ok = a.sdp[model.SdpSessionID(pkt.Dst)]
	}
	if !ok {
		return
	}

	report.CallID = sdp.CallID
	report.CodecName = sdp.Codec.Name
	report.PayloadType = sdp.Codec.PayloadType

	rFactor := ComputeRFactor(report.FractionLost, sdp.Codec.IE, sdp.Codec.BPL)
	mos := ComputeMOS(rFactor)
	report.RFactor = &rFactor
	report.MOS = &mos
}

// merge folds report into session's running aggregate: counters add,
// jitter is a count-weighted running average, duration tracks elapsed time
// since the session was created.
func (a *Aggregator) merge(session *model.RtprSession, report *model.RtpReportPayload, ts time.Time) {
	session.LastReportTimestamp = ts

	prevCount := session.ReportCount
	session.ReportCount++

	agg := &session.Report
	agg.Source = report.Source
	agg.SSRC = report.SSRC
	agg.ExpectedPacketCount += report.ExpectedPacketCount
	agg.ReceivedPacketCount += report.ReceivedPacketCount
	agg.LostPacketCount += report.LostPacketCount
	agg.RejectedPacketCount += report.RejectedPacketCount

	if prevCount == 0 {
		agg.MinJitter = report.LastJitter
		agg.MaxJitter = report.LastJitter
		agg.AvgJitter = report.LastJitter
	} else {
		if report.LastJitter < agg.MinJitter {
			agg.MinJitter = report.LastJitter
		}
		if report.LastJitter > agg.MaxJitter {
			agg.MaxJitter = report.LastJitter
		}
		agg.AvgJitter = (agg.AvgJitter*float64(prevCount) + report.LastJitter) / float64(session.ReportCount)
	}
	agg.LastJitter = report.LastJitter
	agg.Duration = ts.Sub(session.CreatedAt)

	if report.CallID != "" {
		agg.CallID = report.CallID
	}
	if report.CodecName != "" {
		agg.CodecName = report.CodecName
		agg.PayloadType = report.PayloadType
	}
	if report.RFactor != nil {
		agg.RFactor = report.RFactor
	}
	if report.MOS != nil {
		agg.MOS = report.MOS
	}
}

func (a *Aggregator) writeRaw(channel string, report *model.RtpReportPayload, ts time.Time) {
	collection := model.CollectionSuffix(fmt.Sprintf("rtpr_%s_raw", channel), ts, a.timeSuffix)
	doc := persistence.Document{
		"ssrc":            report.SSRC,
		"call_id":         report.CallID,
		"codec_name":      report.CodecName,
		"payload_type":    report.PayloadType,
		"expected":        report.ExpectedPacketCount,
		"received":        report.ReceivedPacketCount,
		"lost":            report.LostPacketCount,
		"rejected":        report.RejectedPacketCount,
		"fraction_lost":   report.FractionLost,
		"last_jitter":     report.LastJitter,
		"timestamp":       ts,
	}
	if report.RFactor != nil {
		doc["r_factor"] = *report.RFactor
	}
	if report.MOS != nil {
		doc["mos"] = *report.MOS
	}
	if err := a.sink.Send(collection, doc); err != nil {
		metrics.PersistenceErrorsTotal.WithLabelValues(collection).Inc()
	}
}

func (a *Aggregator) emitMetrics(channel string, report *model.RtpReportPayload) {
	metrics.RtprJitter.WithLabelValues(channel).Observe(report.LastJitter)
	metrics.RtprExpectedPackets.WithLabelValues(channel).Add(float64(report.ExpectedPacketCount))
	metrics.RtprLostPackets.WithLabelValues(channel).Add(float64(report.LostPacketCount))
	metrics.RtprRejectedPackets.WithLabelValues(channel).Add(float64(report.RejectedPacketCount))
	if report.RFactor != nil {
		metrics.RtprRFactor.WithLabelValues(channel).Observe(*report.RFactor)
	}
	if report.MOS != nil {
		metrics.RtprMOS.WithLabelValues(channel).Observe(*report.MOS)
	}
}

// sweep evicts stale SDP cache entries and terminates quiet sessions, per
// spec §4.I's expiry rule.
func (a *Aggregator) sweep() {
	now := time.Now()

	for id, sdp := range a.sdp {
		if now.Sub(sdp.Timestamp) > a.aggregationTimeout {
			delete(a.sdp, id)
		}
	}

	a.sweepSessions("rtp", a.rtp, now)
	a.sweepSessions("rtcp", a.rtcp, now)
}

func (a *Aggregator) sweepSessions(channel string, sessions map[SessionKey]*model.RtprSession, now time.Time) {
	for key, session := range sessions {
		if now.Sub(session.LastReportTimestamp) <= a.aggregationTimeout {
			continue
		}
		delete(sessions, key)

		if err := a.bus.Publish("media", &Emitted{Session: session}); err != nil {
			log.GetLogger().WithError(err).Warn("rtpr: publish to media failed")
		}

		if a.cumulativeMetrics {
			agg := session.Report
			metrics.RtprDuration.WithLabelValues(channel).Observe(agg.Duration.Seconds())
			a.emitMetrics(channel, &agg)
		}
	}
}
