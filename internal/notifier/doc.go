// Package notifier provides the asynchronous email delivery pipeline.
//
// Messages flow through a bounded queue into a small worker pool that is
// rate limited and retries transient relay failures with jittered backoff.
// When the queue is stopped or saturated, delivery degrades to a single
// synchronous attempt instead of dropping the message.
//
// # Transport
//
// Delivery goes through the Sender interface; the production Sender submits
// via SMTP, tests substitute a recorder. Severity tags are applied to the
// subject line here so callers never format them.
package notifier
