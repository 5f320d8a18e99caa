// Package queue runs durable jobs on a pool of workers.
//
// A Broker stores jobs with an eligibility time (run_at) and hands them out
// one at a time. The Engine claims jobs, dispatches them to the handler
// registered for their kind, and acks, re-delivers or dead-letters them
// depending on the handler's error:
//
//   - nil: ack
//   - RetryAfter(err, d): re-deliver no earlier than d from now; the attempt
//     counter is incremented by the broker
//   - NoRetry(err): dead-letter immediately
//   - anything else: infrastructure failure, retried with exponential backoff
//     up to Config.RetryMax re-deliveries, then dead-lettered
//
// Delays never block a worker: a retried job is released back to the broker.
// The only worker-local wait is the pacing cooldown a handler may request.
package queue
