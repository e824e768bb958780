package notify

import "context"

// Alert types, used as the notification category and the metrics
// label.
const (
	TypeReinforced     = "structure_reinforced"
	TypeVulnerable     = "structure_vulnerable"
	TypeLowFuel        = "structure_low_fuel"
	TypeAnchoring      = "structure_anchoring"
	TypeUnanchoring    = "structure_unanchoring"
	TypeServiceOffline = "structure_service_offline"
)

// Alert is one derived transition notification. Alerts are ephemeral:
// constructed, deduplicated, handed to the sink, and discarded.
type Alert struct {
	Type     string
	Title    string
	Message  string
	EntityID int64

	// EventKey identifies the specific transition instance, not just
	// its kind. Recurring observations of an unchanged state produce
	// the same key and are suppressed.
	EventKey string
}

// Sink receives deduplicated alerts.
type Sink interface {
	AddNotification(ctx context.Context, alert Alert)
}
