// Package notifier delivers operator alerts asynchronously.
//
// Alerts are short texts such as "queue backlog above threshold" or
// "account X hit a peer flood". Notify never blocks the caller: it enqueues
// onto a bounded channel and returns ErrQueueFull when the channel is full.
// A small worker pool drains the queue through a token-bucket rate limiter
// and retries failed sends with backoff.
//
// # Transport
//
// Delivery goes through a transport.Sender (the telegram sender in
// production). With no sender configured, alerts are written to the log.
//
// # History
//
// The service keeps the last few hundred delivered alerts in memory; see
// History.
package notifier
