package clock

import "time"

// Clock abstracts time so that TTL and timeout behavior is testable
// without sleeping. Production code injects New(); tests inject a Fake
// and advance it explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for duration d, then calls f on its own
	// goroutine. The returned Timer cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled call created by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. Returns true if the call
	// stops the timer, false if it has already fired or been stopped.
	Stop() bool
}
