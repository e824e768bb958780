package notify

import "time"

// Service is a sub-service running on a structure.
type Service struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Structure is one observed structure snapshot.
type Structure struct {
	ID            int64     `json:"structure_id"`
	Name          string    `json:"name"`
	State         string    `json:"state"`
	StateTimerEnd time.Time `json:"state_timer_end,omitzero"`
	FuelExpires   time.Time `json:"fuel_expires,omitzero"`
	UnanchorsAt   time.Time `json:"unanchors_at,omitzero"`
	Services      []Service `json:"services,omitempty"`
}

// reinforcedStates is the state family entered when a reinforcement
// timer starts.
var reinforcedStates = map[string]bool{
	"armor_reinforce": true,
	"hull_reinforce":  true,
}

// vulnerableStates is the state family entered when a reinforcement
// timer elapses and the structure becomes attackable.
var vulnerableStates = map[string]bool{
	"armor_vulnerable": true,
	"hull_vulnerable":  true,
}
