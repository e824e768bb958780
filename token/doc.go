// Package token brokers credentials between the synchronization core
// and the presentation layer that actually holds them.
//
// A resource fetch that needs a credential calls Broker.Request; the
// broker signals the presentation layer once per principal regardless
// of how many requests are waiting, and Provide resolves the whole
// queue with a single answer. Each queued request times out
// individually.
package token
