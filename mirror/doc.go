// Package mirror coordinates the synchronization core: it owns the
// expiry ledger, the keyed order cache, the structure snapshots, and
// the change notifier, and drives refresh cycles against the remote
// game-state API.
//
// A refresh consults the ledger first and skips the network entirely
// while the local copy is fresh. Fetch results update the in-memory
// state synchronously and durable storage asynchronously; the next
// proactive refresh is scheduled from the ledger's soonest future
// expiry.
package mirror
