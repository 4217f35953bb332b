// Package async provides safe concurrent execution primitives for
// background tasks.
//
// SafeGo runs a function in a goroutine with panic recovery and a
// timeout. WorkerPool feeds a fixed set of workers from a bounded queue
// with a non-blocking TrySubmit, which is how inbound Telegram updates
// are processed without stalling the webhook response. Batch fans a
// slice of items out over a temporary pool and collects the errors.
package async
