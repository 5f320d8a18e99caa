// Package invite implements the invite job: picking an account from the
// pool, skipping targets already handled, driving the messaging capability,
// classifying its rejections into retries, a link fallback or terminal
// failures, and writing one audit record per invocation.
//
// The Executor is a queue.Handler for jobs of Kind. Delays are never slept
// inside a job: flood waits are returned as queue.RetryAfter so the broker
// re-delivers later, and the only worker-side wait is the pacing cooldown
// returned in queue.Result.
//
// The Coordinator fans a list of targets out into child jobs sharing a
// batch id; the Service is the entry point used by the CLI.
package invite
