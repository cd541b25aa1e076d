package core

import "time"

// LotConfig describes a single parking lot as provided by configuration.
// Lots are created once at startup and live for the duration of the process.
type LotConfig struct {
	ID       string `mapstructure:"id" json:"id"`
	Capacity int    `mapstructure:"capacity" json:"capacity"`
	Occupied int    `mapstructure:"occupied" json:"occupied"`
}

// Snapshot is a consistent point-in-time view of one lot, taken under the
// lot's lock after expired reservations have been swept.
type Snapshot struct {
	ID       string `json:"id"`
	Capacity int    `json:"capacity"`
	Occupied int    `json:"occupied"`
	Free     int    `json:"free"`
}

// Reservation records a plate holding a spot in a lot until ExpiresAt.
type Reservation struct {
	LotID     string
	Plate     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ReserveStatus reports the outcome of a reservation attempt. Full and
// Exists are expected steady-state results, not errors.
type ReserveStatus int

const (
	// ReserveOK means a reservation was created.
	ReserveOK ReserveStatus = iota
	// ReserveFull means the lot had no free spot.
	ReserveFull
	// ReserveExists means the plate already holds an active reservation.
	ReserveExists
)

func (s ReserveStatus) String() string {
	switch s {
	case ReserveOK:
		return "OK"
	case ReserveFull:
		return "FULL"
	case ReserveExists:
		return "EXISTS"
	default:
		return "UNKNOWN"
	}
}

// Publisher receives free-count change notifications from the lot store.
// Implementations must not block; they are invoked from mutation paths.
type Publisher interface {
	Publish(lotID string, free int, at time.Time)
}
