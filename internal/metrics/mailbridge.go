package metrics

import (
	"mailbridge/internal/events"
)

// Metric names.
const (
	nameFrames        = "mailbridge_frames_total"
	nameDecodeErrors  = "mailbridge_decode_errors_total"
	nameReceived      = "mailbridge_messages_received_total"
	nameEchoSkipped   = "mailbridge_echo_skipped_total"
	nameDropped       = "mailbridge_messages_dropped_total"
	nameSent          = "mailbridge_messages_sent_total"
	nameSendFailures  = "mailbridge_send_failures_total"
	nameReconnects    = "mailbridge_reconnects_total"
	nameConnected     = "mailbridge_connected"
	nameInflight      = "mailbridge_inflight_messages"
	nameReplyLatency  = "mailbridge_reply_latency_seconds"
	nameSendLatency   = "mailbridge_send_latency_seconds"
	namePairingIssued = "mailbridge_pairing_codes_total"
)

var (
	replyBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120}
	sendBuckets  = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10}
)

func acct(id string) string { return Label("account", id) }

func Frames(account string) *Counter {
	return Collector.Counter(nameFrames, "Raw frames read from the event stream", acct(account))
}

func DecodeErrors(account string) *Counter {
	return Collector.Counter(nameDecodeErrors, "Frames dropped as malformed", acct(account))
}

func Inflight(account string) *Gauge {
	return Collector.Gauge(nameInflight, "Inbound messages currently being processed", acct(account))
}

// ReplyLatency observes inbound-to-last-block time per account.
func ReplyLatency(account string) *Histogram {
	return Collector.Histogram(nameReplyLatency, "Time from dispatch start to the last delivered block", acct(account), replyBuckets)
}

func SendLatency(account string) *Histogram {
	return Collector.Histogram(nameSendLatency, "AgentMail send/reply request latency", acct(account), sendBuckets)
}

// Subscribe translates activity events into counters and gauges.
// It returns the handler id so callers can unsubscribe.
func Subscribe(bus *events.Bus) string {
	return bus.On("*", func(e events.Event) {
		a := acct(e.AccountID)
		switch e.Type {
		case events.MessageReceived:
			Collector.Counter(nameReceived, "Inbound messages accepted for processing", a).Inc()
		case events.MessageEchoSkip:
			Collector.Counter(nameEchoSkipped, "Inbound messages skipped as own-address echoes", a).Inc()
		case events.MessageDropped:
			Collector.Counter(nameDropped, "Inbound messages dropped by policy", a).Inc()
		case events.MessageSent:
			Collector.Counter(nameSent, "Outbound messages sent", a).Inc()
		case events.DeliveryFailed:
			Collector.Counter(nameSendFailures, "Outbound deliveries that failed", a).Inc()
		case events.PairingRequested:
			Collector.Counter(namePairingIssued, "Pairing codes mailed to unknown senders", a).Inc()
		case events.ConnectionState:
			connected := Collector.Gauge(nameConnected, "1 while the event stream is connected", a)
			if e.Str("state") == "connected" {
				connected.Set(1)
			} else {
				connected.Set(0)
			}
			if e.Str("state") == "connecting" && e.Str("previous") == "backoff" {
				Collector.Counter(nameReconnects, "Reconnect attempts after a dropped connection", a).Inc()
			}
		}
	})
}
