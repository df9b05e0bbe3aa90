// Package broadcast distributes captured leads to candidate recipients.
//
// The engine fans out one notification attempt per recipient with bounded
// concurrency, retries transient delivery failures, and settles the whole
// batch at a single synchronization point: a batch whose failure rate
// exceeds the abort threshold is rolled back and leaves zero SENT audit
// rows. The dispatcher runs batches asynchronously off a redis stream so
// the interactive routing path never waits on provider calls.
package broadcast
