// Package ledger tracks per-resource freshness metadata.
//
// Each (owner, resource) pair has one FreshnessRecord holding the
// representation's expiry time and conditional-fetch token. Records
// live in memory and are written through to durable storage so a
// restart does not force a full re-fetch.
package ledger
