package model

import "time"

// SipTransactionState enumerates the lifecycle states of a SipTransaction, per
// the fixed state set named in spec §3 (no RFC-3261 retransmission timers —
// this core observes already-captured messages, it never retransmits).
type SipTransactionState string

const (
	SipTxnTrying       SipTransactionState = "trying"
	SipTxnProceeding   SipTransactionState = "proceeding"
	SipTxnSucceed      SipTransactionState = "succeed"
	SipTxnFailed       SipTransactionState = "failed"
	SipTxnRedirected   SipTransactionState = "redirected"
	SipTxnCanceled     SipTransactionState = "canceled"
	SipTxnUnauthorized SipTransactionState = "unauthorized"
)

// SipCallState enumerates the lifecycle states of a SipCall (dialog).
type SipCallState string

const (
	SipCallTrying    SipCallState = "trying"
	SipCallRinging   SipCallState = "ringing"
	SipCallAnswered  SipCallState = "answered"
	SipCallEnded     SipCallState = "ended"
	SipCallFailed    SipCallState = "failed"
)

// TransactionKey identifies a SIP transaction: (Call-ID, CSeq number, CSeq
// method, topmost Via branch).
type TransactionKey struct {
	CallID string
	CSeq   uint32
	Method string
	Branch string
}

// SipTransaction mirrors spec §3's SipTransaction record.
type SipTransaction struct {
	Key TransactionKey

	SrcAddr Address
	DstAddr Address

	RequestPayload  []byte
	ResponsePayload []byte
	HasRequest      bool
	HasResponse     bool
	ResponseIsFinal bool
	StatusCode      int

	CreatedAt    time.Time
	TerminatedAt time.Time
	State        SipTransactionState

	// UAType classifies the observed side, a dashboarding attribute only —
	// see SPEC_FULL.md §3.NEW. It never gates a state transition.
	UAType UAType
}

// UAType is a best-effort classification of which side of a dialog produced
// a transaction, derived heuristically from Via-header depth.
type UAType string

const (
	UATypeUnknown UAType = "unknown"
	UATypeUAC     UAType = "uac"
	UATypeUAS     UAType = "uas"
)

// IsTerminated reports whether the transaction has reached a terminal state.
func (t *SipTransaction) IsTerminated() bool {
	return !t.TerminatedAt.IsZero()
}

// SipCall mirrors spec §3's SipCall record.
type SipCall struct {
	CallID       string
	Transactions []TransactionKey
	State        SipCallState
	CreatedAt    time.Time
	AnsweredAt   time.Time
	TerminatedAt time.Time
}

// IsTerminated reports whether the call has reached a terminal state.
func (c *SipCall) IsTerminated() bool {
	return !c.TerminatedAt.IsZero()
}
