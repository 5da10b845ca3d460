// Package alarm delivers operator-facing alarms raised by the configuration
// core (multi-config matches, unparsable user configs, remote sync disabled).
//
// Sender.Raise is non-blocking: alarms go into a bounded channel and, when it
// is full, the oldest alarm is evicted so the newest is kept. Sender.Run
// drains the channel at a bounded rate into the structured log and the
// alarm counters, and forwards each alarm to an optional Sink. WebhookSink
// posts alarms to Slack, Teams or plain HTTP webhooks.
package alarm
