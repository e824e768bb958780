// Package clock abstracts time for the synchronization core.
//
// It provides a minimal Clock interface with a real implementation and
// a deterministic Fake for tests that need to cross TTL and timeout
// boundaries without sleeping.
package clock
