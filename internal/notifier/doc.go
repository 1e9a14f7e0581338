// Package notifier delivers outbound chat messages through a transport
// adapter.
//
// Send and Edit are synchronous: the caller learns whether the recipient
// blocked the bot and can react (the dispatcher pauses such users). Every
// attempt waits on a shared token bucket; only errors the adapter marks as
// transport.ErrRetryable are retried, with jittered exponential backoff.
//
// # Queue
//
// Admin alerts from the log sink go through a small async queue served by
// supervised workers so that logging never blocks on the network. Identical
// alert texts to the same chat are suppressed for DedupWindow.
package notifier
