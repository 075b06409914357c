package model

import "time"

// RtpReportSource distinguishes the channel an RTP-R report summarizes.
type RtpReportSource string

const (
	RtpReportSourceRTP  RtpReportSource = "RTP"
	RtpReportSourceRTCP RtpReportSource = "RTCP"
)

// Codec describes the negotiated codec carried on a media stream, as
// announced in SDP and echoed onto enriched RTP-R reports.
type Codec struct {
	PayloadType int
	Name        string
	IE          float64 // codec impairment factor
	BPL         float64 // packet-loss robustness constant
}

// RtpReportPayload is the decoded form of Packet.Payload for RTPR packets.
// Non-cumulative reports describe a delta since the previous report from the
// same agent; cumulative reports (legacy agents) are discarded by the
// aggregator, never merged.
type RtpReportPayload struct {
	Source RtpReportSource
	SSRC   uint32

	ExpectedPacketCount uint64
	ReceivedPacketCount uint64
	LostPacketCount     uint64
	RejectedPacketCount uint64
	FractionLost        float64 // 0..1

	LastJitter float64
	AvgJitter  float64
	MinJitter  float64
	MaxJitter  float64

	CreatedAt time.Time
	StartedAt time.Time
	Duration  time.Duration

	Cumulative bool

	CallID      string
	CodecName   string
	PayloadType int

	RFactor *float64
	MOS     *float64
}

// RtprSession mirrors spec §3's RtprSession: the running-aggregated state for
// one (src, dst, SSRC) media stream, updated each time a fresh report merges
// in and terminated once it goes quiet past the aggregation timeout.
type RtprSession struct {
	SrcAddr Address
	DstAddr Address
	SSRC    uint32

	CreatedAt           time.Time
	LastReportTimestamp time.Time

	Report RtpReportPayload

	// ReportCount is used as the weight for the running jitter average.
	ReportCount uint64
}

// SdpSession mirrors spec §3's SdpSession, keyed by the even-port-masked id
// described in spec §3/§9.
type SdpSession struct {
	ID        int64
	CallID    string
	Timestamp time.Time
	Codec     Codec
}

// SdpSessionID computes the even-port-masked SDP session key for an IPv4
// address: (addr as 32-bit int) << 32 | (port & 0xFFFE). Masking the low bit
// of the port pairs an RTP port with its implicit RTCP port (RTP ports are
// conventionally even, RTCP = RTP+1), per spec §3/§9.
func SdpSessionID(addr Address) int64 {
	a4 := addr.Addr.As4()
	ipInt := int64(a4[0])<<24 | int64(a4[1])<<16 | int64(a4[2])<<8 | int64(a4[3])
	return ipInt<<32 | int64(addr.Port&0xFFFE)
}

// RemoteHost mirrors spec §3's agent record.
type RemoteHost struct {
	Name       string
	URI        string
	LastUpdate time.Time
	RTPEnabled bool
}
