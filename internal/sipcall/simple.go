package sipcall

// SimpleMethods are the CSeq methods routed to their own single-shard topic
// by internal/sipmsg (REGISTER, MESSAGE, NOTIFY, OPTIONS, SUBSCRIBE). None
// of them carry a dialog: a single transaction already is the "call" for
// these methods, so internal/siptxn's own termination (and its direct emit
// to sip_<method>_transaction plus its sip_<method>_index<shard> write)
// is the complete call-equivalent aggregation — there is no second hop into
// this package for them. This set records which methods need only a
// siptxn.Aggregator; internal/daemon's startEngine names the matching
// topics itself and does not read this list.
var SimpleMethods = []string{"REGISTER", "MESSAGE", "NOTIFY", "OPTIONS", "SUBSCRIBE"}
