// Package model defines the core data structures that flow between the
// correlation engines. It has zero dependencies on the rest of the module
// so that every other package can import it without a cycle.
package model

import (
	"fmt"
	"net/netip"
	"time"
)

// ProtocolCode identifies the wire protocol carried by a Packet's payload.
type ProtocolCode uint8

const (
	ProtocolRTCP ProtocolCode = 1
	ProtocolRTP  ProtocolCode = 2
	ProtocolSIP  ProtocolCode = 3
	ProtocolICMP ProtocolCode = 4
	ProtocolRTPR ProtocolCode = 5
	ProtocolSMPP ProtocolCode = 6
)

func (p ProtocolCode) String() string {
	switch p {
	case ProtocolRTCP:
		return "RTCP"
	case ProtocolRTP:
		return "RTP"
	case ProtocolSIP:
		return "SIP"
	case ProtocolICMP:
		return "ICMP"
	case ProtocolRTPR:
		return "RTPR"
	case ProtocolSMPP:
		return "SMPP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// Address is an immutable network endpoint. Host is populated by the capture
// front-end when it can resolve a symbolic name; it never changes afterwards.
type Address struct {
	Addr netip.Addr
	Port uint16
	Host string
}

func (a Address) String() string {
	if a.Host != "" {
		return fmt.Sprintf("%s(%s):%d", a.Host, a.Addr, a.Port)
	}
	return fmt.Sprintf("%s:%d", a.Addr, a.Port)
}

// IsZero reports whether the address was never populated.
func (a Address) IsZero() bool {
	return !a.Addr.IsValid() && a.Port == 0
}

// AttrValue is the permitted value type for Packet attributes: a string,
// bool, or number.
type AttrValue = any

// Packet is a decoded record produced by the capture front-end. Everything
// but Attributes is immutable once the packet enters the core; Attributes is
// additive only (UDFs and handlers may add entries, never remove or mutate
// existing ones in place).
type Packet struct {
	Timestamp time.Time
	Src       Address
	Dst       Address
	Protocol  ProtocolCode
	Payload   []byte

	Attributes map[string]AttrValue
}

// WithAttribute returns a copy of the packet with the given attribute
// appended. It never mutates the receiver's Attributes map, so concurrent
// readers holding the original Packet are unaffected.
func (p *Packet) WithAttribute(key string, value AttrValue) *Packet {
	next := *p
	next.Attributes = make(map[string]AttrValue, len(p.Attributes)+1)
	for k, v := range p.Attributes {
		next.Attributes[k] = v
	}
	next.Attributes[key] = value
	return &next
}

// DefaultTimeSuffixLayout is the Go time.Format layout equivalent to the
// configured default time-suffix "yyyyMMdd" (spec §6).
const DefaultTimeSuffixLayout = "20060102"

// CollectionSuffix computes the "<prefix>_<suffix>"-shaped collection name
// from a source timestamp, always in UTC per spec: raw documents are bucketed
// by the packet's own time, never by wall-clock processing time. layout is a
// Go time.Format layout; an empty layout falls back to DefaultTimeSuffixLayout.
func CollectionSuffix(prefix string, ts time.Time, layout string) string {
	if layout == "" {
		layout = DefaultTimeSuffixLayout
	}
	return fmt.Sprintf("%s_%s", prefix, ts.UTC().Format(layout))
}
