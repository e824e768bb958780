package store

// Status describes the fetch state of a single cache key.
type Status int

const (
	// StatusIdle indicates no data and no fetch in progress.
	StatusIdle Status = iota
	// StatusLoading indicates a fetch is in flight for the key.
	StatusLoading
	// StatusReady indicates fresh data is available.
	StatusReady
	// StatusError indicates the last fetch for the key failed.
	StatusError
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
