// Package metrics implements the summary/timer/counter sink adapter (spec
// §4.C, §6) backed by Prometheus. Metric names: packets_processed,
// sip_messages_total (method as a label), and rtpr_{jitter|r_factor|mos|
// expected_packets|lost_packets|rejected_packets|duration_seconds}, each
// with a channel label (rtp|rtcp).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsProcessedTotal counts every packet the core accepts for
	// correlation, tagged by the protocol that routed it.
	PacketsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packets_processed",
			Help: "Total number of packets accepted into the correlation core",
		},
		[]string{"protocol"},
	)

	// SipMessagesTotal is the per-message counter spec 4.F describes, tagged
	// with the fixed tag set from spec §6.
	SipMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sip_messages_total",
			Help: "Total number of SIP messages handled, by method and status",
		},
		[]string{"cseq_method", "method", "status_type", "status_code", "src_host", "dst_host"},
	)

	// RtprJitter, RtprRFactor, RtprMOS, RtprDuration are summary/timer-shaped
	// metrics for RTP-R session quality, split by rtp/rtcp channel.
	RtprJitter = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "rtpr_jitter",
			Help:       "RTP-R reported jitter",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"channel"},
	)

	RtprRFactor = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "rtpr_r_factor",
			Help:       "Computed E-model R-factor for an RTP-R session",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"channel"},
	)

	RtprMOS = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "rtpr_mos",
			Help:       "Computed MOS for an RTP-R session",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"channel"},
	)

	RtprExpectedPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtpr_expected_packets",
			Help: "Cumulative RTP-R expected packet count",
		},
		[]string{"channel"},
	)

	RtprLostPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtpr_lost_packets",
			Help: "Cumulative RTP-R lost packet count",
		},
		[]string{"channel"},
	)

	RtprRejectedPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtpr_rejected_packets",
			Help: "Cumulative RTP-R rejected packet count",
		},
		[]string{"channel"},
	)

	RtprDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtpr_duration_seconds",
			Help:    "RTP-R session duration at emission time",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"channel"},
	)

	// BusDroppedTotal is registered for messages dropped on a full
	// subscriber queue. internal/bus does not increment it; the bus counts
	// its drops in its own Dropped counter, read through Bus.GetStats.
	BusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_dropped_total",
			Help: "Total number of messages dropped by the bus due to a full subscriber queue",
		},
		[]string{"topic"},
	)

	// UDFOutcomeTotal counts UDF dispatch outcomes (spec §4.E/§7 category 2).
	UDFOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udf_outcome_total",
			Help: "Total number of UDF dispatch outcomes",
		},
		[]string{"endpoint", "outcome"}, // outcome: no_endpoint | timeout | error | accepted | rejected
	)

	// PersistenceErrorsTotal / ManagementSendErrorsTotal follow spec §7
	// category 3 (sink failures are logged, never retried).
	PersistenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_errors_total",
			Help: "Total number of persistence sink write failures",
		},
		[]string{"collection"},
	)

	ManagementSendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "management_send_errors_total",
			Help: "Total number of management-socket send failures",
		},
		[]string{"agent"},
	)
)
