// Package wire holds the JSON message contracts exchanged over party
// WebSocket connections. Every message carries a "type" discriminator.
package wire

import "github.com/example/courier-dispatch/internal/models"

// Inbound message types.
const (
	TypeSubmitOrder    = "submit_order"
	TypeAcceptOffer    = "accept_offer"
	TypeDeclineOffer   = "decline_offer"
	TypeAdvanceStatus  = "advance_status"
	TypeCancelOrder    = "cancel_order"
	TypeSubmitProof    = "submit_proof"
	TypeReportPresence = "report_presence"
	TypeReportLocation = "report_location"
	TypeResync         = "resync"
)

// Outbound message types.
const (
	TypeOrderAck          = "order_ack"
	TypeOrderOffer        = "order_offer"
	TypeOrderAccepted     = "order_accepted"
	TypeOrderStatus       = "order_status_changed"
	TypeNoDrivers         = "no_drivers_available"
	TypeOrderCancelled    = "order_cancelled"
	TypeProofUploaded     = "proof_uploaded"
	TypeDriverLocation    = "driver_location_update"
	TypeResyncResult      = "resync_result"
	TypeError             = "error"
)

// Stable error codes for client-side handling.
const (
	CodeValidation        = "validation"
	CodeInvalidTransition = "invalid_transition"
	CodeNotFound          = "not_found"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeAlreadyTaken      = "already_taken"
	CodeServerError       = "server_error"
)

// Envelope is decoded first to pick the concrete message type.
type Envelope struct {
	Type string `json:"type"`
}

type SubmitOrder struct {
	Type         string                `json:"type"`
	ClientID     string                `json:"client_id"`
	ClientName   string                `json:"client_name,omitempty"`
	Pickup       models.Location       `json:"pickup"`
	Dropoff      models.Location       `json:"dropoff"`
	Method       models.DeliveryMethod `json:"delivery_method"`
	PriceHint    int64                 `json:"price_hint,omitempty"`
	DistanceHint float64               `json:"distance_hint,omitempty"`
	Business     bool                  `json:"business,omitempty"`
	Scheduled    bool                  `json:"scheduled,omitempty"`
	Sensitive    bool                  `json:"sensitive,omitempty"`
	Payment      PaymentDetails        `json:"payment"`
}

// PaymentDetails is carried opaquely; invoicing is an external
// collaborator's concern, the dispatch core only records the method.
type PaymentDetails struct {
	Method     string `json:"method"`
	CustomerID string `json:"customer_id,omitempty"`
}

type OfferDecision struct {
	Type     string `json:"type"`
	DriverID string `json:"driver_id"`
	OrderID  string `json:"order_id"`
}

type AdvanceStatus struct {
	Type     string             `json:"type"`
	DriverID string             `json:"driver_id"`
	OrderID  string             `json:"order_id"`
	Status   models.OrderStatus `json:"status"`
	Loc      *models.Coord      `json:"loc,omitempty"`
}

type CancelOrder struct {
	Type    string `json:"type"`
	PartyID string `json:"party_id"`
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type SubmitProof struct {
	Type      string `json:"type"`
	DriverID  string `json:"driver_id"`
	OrderID   string `json:"order_id"`
	ProofType string `json:"proof_type"`
}

type ReportPresence struct {
	Type      string   `json:"type"`
	DriverID  string   `json:"driver_id"`
	Online    *bool    `json:"online,omitempty"`
	Available *bool    `json:"available,omitempty"`
	Lat       *float64 `json:"lat,omitempty"`
	Lng       *float64 `json:"lng,omitempty"`
}

type ReportLocation struct {
	Type     string  `json:"type"`
	DriverID string  `json:"driver_id"`
	OrderID  string  `json:"order_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

type OrderAck struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
	DBSaved bool   `json:"db_saved"`
}

type OrderOffer struct {
	Type       string       `json:"type"`
	Order      models.Order `json:"order"`
	DistanceKm float64      `json:"distance_to_pickup_km,omitempty"`
	ExpiresIn  int          `json:"expires_in_seconds"`
}

type OrderUpdate struct {
	Type  string       `json:"type"`
	Order models.Order `json:"order"`
}

type NoDrivers struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
}

type OrderCancelled struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type ProofUploaded struct {
	Type    string       `json:"type"`
	OrderID string       `json:"order_id"`
	Proof   models.Proof `json:"proof"`
}

type DriverLocation struct {
	Type    string       `json:"type"`
	OrderID string       `json:"order_id"`
	Loc     models.Coord `json:"loc"`
}

type ResyncResult struct {
	Type          string         `json:"type"`
	PendingOrders []models.Order `json:"pending_orders"`
	ActiveOrders  []models.Order `json:"active_orders"`
	FirstPending  *models.Order  `json:"first_pending,omitempty"`
	FirstActive   *models.Order  `json:"first_active,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

func Err(code, msg, orderID string) Error {
	return Error{Type: TypeError, Code: code, Message: msg, OrderID: orderID}
}
