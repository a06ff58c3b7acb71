package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is one endpoint of a delivery: free-form address text plus
// optional coordinates and courier-facing details (door code, floor, ...).
type Location struct {
	Address string `json:"address"`
	Coord   *Coord `json:"coord,omitempty"`
	Details string `json:"details,omitempty"`
}

type DeliveryMethod string

const (
	MethodLight    DeliveryMethod = "light"
	MethodStandard DeliveryMethod = "standard"
	MethodHeavy    DeliveryMethod = "heavy"
)

func (m DeliveryMethod) Valid() bool {
	switch m {
	case MethodLight, MethodStandard, MethodHeavy:
		return true
	}
	return false
}

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusAccepted   OrderStatus = "accepted"
	StatusEnroute    OrderStatus = "enroute"
	StatusPickedUp   OrderStatus = "picked_up"
	StatusDelivering OrderStatus = "delivering"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
	StatusDeclined   OrderStatus = "declined"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDeclined:
		return true
	}
	return false
}

type Proof struct {
	UploadedAt time.Time `json:"uploaded_at"`
	DriverID   string    `json:"driver_id"`
	Type       string    `json:"type"`
}

type Order struct {
	ID         string         `json:"id"`
	ClientID   string         `json:"client_id"`
	ClientName string         `json:"client_name,omitempty"`
	DriverID   string         `json:"driver_id,omitempty"`
	Pickup     Location       `json:"pickup"`
	Dropoff    Location       `json:"dropoff"`
	Price      int64          `json:"price"`
	DistanceKm float64        `json:"distance_km"`
	Method     DeliveryMethod `json:"delivery_method"`

	// How the client pays; invoicing itself is external.
	PaymentMethod string `json:"payment_method,omitempty"`

	// Job classes that pull the internal fleet to the front of the cascade.
	Business  bool `json:"business,omitempty"`
	Scheduled bool `json:"scheduled,omitempty"`
	Sensitive bool `json:"sensitive,omitempty"`

	Status       OrderStatus `json:"status"`
	CancelReason string      `json:"cancel_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Proof *Proof `json:"proof,omitempty"`
}

// PriorityClass reports whether the job class grants the internal fleet
// first position in the cascade.
func (o *Order) PriorityClass() bool {
	return o.Business || o.Scheduled || o.Sensitive
}

// DriverPresence is the authoritative in-memory state of one driver.
type DriverPresence struct {
	DriverID  string    `json:"driver_id"`
	Online    bool      `json:"online"`
	Available bool      `json:"available"`
	Loc       Coord     `json:"loc"`
	HasLoc    bool      `json:"has_loc"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Candidate is a driver returned by proximity search, before scoring.
type Candidate struct {
	DriverID    string
	DistanceKm  float64
	HasDistance bool
}

type ScoreBreakdown struct {
	Rating        float64 `json:"rating"`
	Fairness      float64 `json:"fairness"`
	InternalBonus float64 `json:"internal_bonus"`
}

type ScoredCandidate struct {
	DriverID    string         `json:"driver_id"`
	DistanceKm  float64        `json:"distance_km"`
	HasDistance bool           `json:"has_distance"`
	Score       float64        `json:"score"`
	Breakdown   ScoreBreakdown `json:"breakdown"`
}

// DriverStats is what assignment history yields for scoring.
type DriverStats struct {
	AcceptanceRate float64
	Rating         float64
	Assigned24h    int
	Internal       bool
}

// DefaultDriverStats are the values a driver with no history starts with.
func DefaultDriverStats() DriverStats {
	return DriverStats{AcceptanceRate: 0.8, Rating: 5.0}
}

// Assignment is one row of the offer history: one (order, driver) pair
// ever offered, with the offer outcome timestamps.
type Assignment struct {
	OrderID    string
	DriverID   string
	AssignedAt time.Time
	AcceptedAt *time.Time
	DeclinedAt *time.Time
}

// PresenceEvent is the kafka payload for the driver location firehose.
type PresenceEvent struct {
	DriverID  string    `json:"driver_id"`
	Online    bool      `json:"online"`
	Available bool      `json:"available"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	HasLoc    bool      `json:"has_loc"`
	At        time.Time `json:"at"`
}

// OrderEvent is the kafka payload emitted on every accepted transition.
type OrderEvent struct {
	OrderID  string      `json:"order_id"`
	ClientID string      `json:"client_id"`
	DriverID string      `json:"driver_id,omitempty"`
	Status   OrderStatus `json:"status"`
	At       time.Time   `json:"at"`
}
