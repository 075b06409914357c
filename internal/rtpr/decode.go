package rtpr

import (
	"encoding/json"
	"fmt"
	"time"

	"firestige.xyz/otus/internal/model"
)

// wireReport is the on-the-wire JSON shape of an RTP-R summary record, as
// produced by the upstream capture agent. Field names mirror the report's
// own vocabulary rather than model.RtpReportPayload's Go-idiomatic ones.
type wireReport struct {
	Source string `json:"source"`
	SSRC   uint32 `json:"ssrc"`

	ExpectedPacketCount uint64  `json:"expectedPacketCount"`
	ReceivedPacketCount uint64  `json:"receivedPacketCount"`
	LostPacketCount     uint64  `json:"lostPacketCount"`
	RejectedPacketCount uint64  `json:"rejectedPacketCount"`
	FractionLost        float64 `json:"fractionLost"`

	LastJitter float64 `json:"lastJitter"`
	AvgJitter  float64 `json:"avgJitter"`
	MinJitter  float64 `json:"minJitter"`
	MaxJitter  float64 `json:"maxJitter"`

	CreatedAt int64 `json:"createdAt"` // ms epoch
	StartedAt int64 `json:"startedAt"` // ms epoch

	Cumulative bool `json:"cumulative"`

	CallID      string `json:"callId"`
	CodecName   string `json:"codecName"`
	PayloadType int    `json:"payloadType"`
}

// DecodeReport parses payload (the RTP-R report's own JSON wire format) into
// model.RtpReportPayload.
func DecodeReport(payload []byte, source model.RtpReportSource) (*model.RtpReportPayload, error) {
	var w wireReport
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("rtpr: decode report: %w", err)
	}

	report := &model.RtpReportPayload{
		Source:              source,
		SSRC:                w.SSRC,
		ExpectedPacketCount: w.ExpectedPacketCount,
		ReceivedPacketCount: w.ReceivedPacketCount,
		LostPacketCount:     w.LostPacketCount,
		RejectedPacketCount: w.RejectedPacketCount,
		FractionLost:        w.FractionLost,
		LastJitter:          w.LastJitter,
		AvgJitter:           w.AvgJitter,
		MinJitter:           w.MinJitter,
		MaxJitter:           w.MaxJitter,
		Cumulative:          w.Cumulative,
		CallID:              w.CallID,
		CodecName:           w.CodecName,
		PayloadType:         w.PayloadType,
	}
	if w.CreatedAt > 0 {
		report.CreatedAt = time.UnixMilli(w.CreatedAt).UTC()
	}
	if w.StartedAt > 0 {
		report.StartedAt = time.UnixMilli(w.StartedAt).UTC()
	}
	return report, nil
}
