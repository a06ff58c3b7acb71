package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/courier-dispatch/internal/cascade"
	"github.com/example/courier-dispatch/internal/lifecycle"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/presence"
	"github.com/example/courier-dispatch/internal/registry"
	"github.com/example/courier-dispatch/internal/scoring"
	"github.com/example/courier-dispatch/internal/wire"
)

var upgrader = websocket.Upgrader{}

// handleWS is the single live-connection entry point. The party id in the
// path is the pre-authenticated identity (auth terminates upstream); a
// payload claiming a different id is rejected, not just logged.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	partyID := vars["party_id"]
	role, ok := roleFromString(vars["role"])
	if !ok || partyID == "" {
		http.Error(w, "unknown role or missing party id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}

	sess := s.reg.Register(partyID, role, conn)
	defer s.reg.Unregister(partyID, sess)

	s.logger.Info("party connected", "party_id", partyID, "role", role)

	// Every (re)connection rebuilds the party's order view unprompted.
	if role != registry.RoleAdmin {
		s.pushResync(r.Context(), sess, partyID, role)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("party disconnected", "party_id", partyID, "role", role)
			return
		}
		s.handleMessage(r.Context(), sess, partyID, role, raw)
	}
}

// handleMessage demuxes one inbound frame. The handler boundary converts
// panics to a generic server error so one bad payload cannot take down
// the read loop for other parties.
func (s *Server) handleMessage(ctx context.Context, sess *registry.Session, partyID string, role registry.Role, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("handler panic", "party_id", logging.MaskID(partyID), "panic", rec)
			_ = sess.Send(wire.Err(wire.CodeServerError, "internal error", ""))
		}
	}()

	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = sess.Send(wire.Err(wire.CodeValidation, "malformed message", ""))
		return
	}

	switch env.Type {
	case wire.TypeSubmitOrder:
		s.handleSubmitOrder(ctx, sess, partyID, role, raw)
	case wire.TypeAcceptOffer:
		s.handleOfferDecision(ctx, sess, partyID, role, raw, true)
	case wire.TypeDeclineOffer:
		s.handleOfferDecision(ctx, sess, partyID, role, raw, false)
	case wire.TypeAdvanceStatus:
		s.handleAdvanceStatus(ctx, sess, partyID, role, raw)
	case wire.TypeCancelOrder:
		s.handleCancelOrder(ctx, sess, partyID, role, raw)
	case wire.TypeSubmitProof:
		s.handleSubmitProof(ctx, sess, partyID, role, raw)
	case wire.TypeReportPresence:
		s.handleReportPresence(sess, partyID, role, raw)
	case wire.TypeReportLocation:
		s.handleReportLocation(partyID, role, raw)
	case wire.TypeResync:
		s.pushResync(ctx, sess, partyID, role)
	default:
		_ = sess.Send(wire.Err(wire.CodeValidation, "unknown message type", ""))
	}
}

func (s *Server) handleSubmitOrder(ctx context.Context, sess *registry.Session, partyID string, role registry.Role, raw []byte) {
	if role != registry.RoleClient {
		_ = sess.Send(wire.Err(wire.CodeForbidden, "only clients submit orders", ""))
		return
	}
	var msg wire.SubmitOrder
	if err := json.Unmarshal(raw, &msg); err != nil {
		_ = sess.Send(wire.Err(wire.CodeValidation, "malformed submit_order", ""))
		return
	}
	if msg.ClientID != "" && msg.ClientID != partyID {
		_ = sess.Send(wire.Err(wire.CodeUnauthorized, "client id mismatch", ""))
		return
	}

	order, persisted, err := s.orders.Submit(ctx, lifecycle.SubmitRequest{
		ClientID:      partyID,
		ClientName:    msg.ClientName,
		Pickup:        msg.Pickup,
		Dropoff:       msg.Dropoff,
		Method:        msg.Method,
		PriceHint:     msg.PriceHint,
		DistanceHint:  msg.DistanceHint,
		PaymentMethod: msg.Payment.Method,
		Business:      msg.Business,
		Scheduled:     msg.Scheduled,
		Sensitive:     msg.Sensitive,
	})
	if err != nil {
		_ = sess.Send(wire.Err(wire.CodeValidation, err.Error(), ""))
		return
	}

	_ = sess.Send(wire.OrderAck{Type: wire.TypeOrderAck, OrderID: order.ID, DBSaved: persisted})
	go s.dispatchOrder(*order)
}

// dispatchOrder runs search -> rank -> filter -> cascade for one new
// order. An empty candidate list resolves to the no-drivers outcome.
func (s *Server) dispatchOrder(order models.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OfferTimeout)
	defer cancel()

	var cands []models.Candidate
	if order.Pickup.Coord != nil {
		cands = s.search.FindNearby(*order.Pickup.Coord, s.cfg.SearchRadiusKm)
	} else {
		cands = s.search.FindAll()
	}

	ranked := s.scorer.Rank(ctx, cands, &order)
	ranked = scoring.Filter(ctx, ranked, s.elig, s.logger)

	if !s.cascade.Start(order, ranked) {
		s.orders.CascadeExhausted(order.ID)
	}
}

func (s *Server) handleOfferDecision(ctx context.Context, sess *registry.Session, partyID string, role registry.Role, raw []byte, accept bool) {
	if role != registry.RoleDriver {
		_ = sess.Send(wire.Err(wire.CodeForbidden, "only drivers answer offers", ""))
		return
	}
	var msg wire.OfferDecision
	if err := json.Unmarshal(raw, &msg); err != nil || msg.OrderID == "" {
		_ = sess.Send(wire.Err(wire.CodeValidation, "malformed offer decision", ""))
		return
	}
	if msg.DriverID != "" && msg.DriverID != partyID {
		_ = sess.Send(wire.Err(wire.CodeUnauthorized, "driver id mismatch", msg.OrderID))
		return
	}

	if accept {
		if _, err := s.cascade.Accept(ctx, msg.OrderID, partyID); err != nil {
			_ = sess.Send(s.offerError(err, msg.OrderID))
		}
		// the accepted snapshot reaches the driver via the lifecycle broadcast
		return
	}
	if err := s.cascade.Decline(msg.OrderID, partyID); err != nil {
		_ = sess.Send(s.offerError(err, msg.OrderID))
	}
}

func (s *Server) offerError(err error, orderID string) wire.Error {
	switch {
	case errors.Is(err, cascade.ErrAlreadyTaken):
		return wire.Err(wire.CodeAlreadyTaken, "order already taken", orderID)
	case errors.Is(err, cascade.ErrNotOffered):
		return wire.Err(wire.CodeForbidden, "offer was not addressed to you", orderID)
	case errors.Is(err, cascade.ErrNoCascade):
		if _, ok := s.orders.Cached(orderID); ok {
			return wire.Err(wire.CodeAlreadyTaken, "order already taken", orderID)
		}
		return wire.Err(wire.CodeNotFound, "order not found", orderID)
	case errors.Is(err, lifecycle.ErrLimitExceeded):
		return wire.Err(wire.CodeValidation, "active order limit reached", orderID)
	default:
		return wire.Err(wire.CodeServerError, "could not process decision", orderID)
	}
}

func (s *Server) handleAdvanceStatus(ctx context.Context, sess *registry.Session, partyID string, role registry.Role, raw []byte) {
	if role != registry.RoleDriver {
		_ = sess.Send(wire.Err(wire.CodeForbidden, "only the assigned driver advances status", ""))
		return
	}
	var msg wire.AdvanceStatus
	if err := json.Unmarshal(raw, &msg); err != nil || msg.OrderID == "" || msg.Status == "" {
		_ = sess.Send(wire.Err(wire.CodeValidation, "malformed advance_status", ""))
		return
	}
	if msg.DriverID != "" && msg.DriverID != partyID {
		_ = sess.Send(wire.Err(wire.CodeUnauthorized, "driver id mismatch", msg.OrderID))
		return
	}

	_, persisted, err := s.orders.Transition(ctx, partyID, msg.OrderID, msg.Status)
	if err != nil {
		_ = sess.Send(s.lifecycleError(err, msg.OrderID))
		return
	}
	if msg.Loc != nil {
		s.presence.Touch(partyID, msg.Loc.Lat, msg.Loc.Lng)
	}
	_ = sess.Send(wire.OrderAck{Type: wire.TypeOrderAck, OrderID: msg.OrderID, DBSaved: persisted})
}

func (s *Server) handleCancelOrder(ctx context.Context, sess *registry.Session, partyID string, role registry.Role, raw []byte) {
	var msg wire.CancelOrder
	if err := json.Unmarshal(raw, &msg); err != nil || msg.OrderID == "" {
		_ = sess.Send(wire.Err(wire.CodeValidation, "malformed cancel_order", ""))
		return
	}
	if msg.PartyID != "" && msg.PartyID != partyID {
		_ = sess.Send(wire.Err(wire.CodeUnauthorized, "party id mismatch", msg.OrderID))
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = "cancelled_by_" + string(role)
	}
	_, persisted, err := s.orders.Cancel(ctx, partyID, role == registry.RoleAdmin, msg.OrderID, reason)
	if err != nil {
		_ = sess.Send(s.lifecycleError(err, msg.OrderID))
		return
	}
	_ = sess.Send(wire.OrderAck{Type: wire.TypeOrderAck, OrderID: msg.OrderID, DBSaved: persisted})
}

func (s *Server) handleSubmitProof(ctx context.Context, sess *registry.Session, partyID string, role registry.Role, raw []byte) {
	if role != registry.RoleDriver {
		_ = sess.Send(wire.Err(wire.CodeForbidden, "only drivers submit proof", ""))
		return
	}
	var msg wire.SubmitProof
	if err := json.Unmarshal(raw, &msg); err != nil || msg.OrderID == "" {
		_ = sess.Send(wire.Err(wire.CodeValidation, "malformed submit_proof", ""))
		return
	}
	if msg.DriverID != "" && msg.DriverID != partyID {
		_ = sess.Send(wire.Err(wire.CodeUnauthorized, "driver id mismatch", msg.OrderID))
		return
	}
	_, persisted, err := s.orders.SubmitProof(ctx, partyID, msg.OrderID, msg.ProofType)
	if err != nil {
		_ = sess.Send(s.lifecycleError(err, msg.OrderID))
		return
	}
	_ = sess.Send(wire.OrderAck{Type: wire.TypeOrderAck, OrderID: msg.OrderID, DBSaved: persisted})
}

func (s *Server) handleReportPresence(sess *registry.Session, partyID string, role registry.Role, raw []byte) {
	if role != registry.RoleDriver {
		_ = sess.Send(wire.Err(wire.CodeForbidden, "only drivers report presence", ""))
		return
	}
	var msg wire.ReportPresence
	if err := json.Unmarshal(raw, &msg); err != nil {
		_ = sess.Send(wire.Err(wire.CodeValidation, "malformed report_presence", ""))
		return
	}
	if msg.DriverID != "" && msg.DriverID != partyID {
		_ = sess.Send(wire.Err(wire.CodeUnauthorized, "driver id mismatch", ""))
		return
	}

	p := s.presence.SetStatus(partyID, presence.Update{
		Online:    msg.Online,
		Available: msg.Available,
		Lat:       msg.Lat,
		Lng:       msg.Lng,
	})
	s.publishPresence(p)
}

func (s *Server) handleReportLocation(partyID string, role registry.Role, raw []byte) {
	// high-frequency path: no acks, not even on malformed input
	if role != registry.RoleDriver {
		return
	}
	var msg wire.ReportLocation
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.DriverID != "" && msg.DriverID != partyID {
		return
	}
	s.presence.Touch(partyID, msg.Lat, msg.Lng)
	if msg.OrderID != "" {
		s.orders.RelayLocation(partyID, msg.OrderID, models.Coord{Lat: msg.Lat, Lng: msg.Lng})
	}
	if p, ok := s.presence.Get(partyID); ok {
		s.publishPresence(p)
	}
}

func (s *Server) pushResync(ctx context.Context, sess *registry.Session, partyID string, role registry.Role) {
	res, err := s.resyncer.Resync(ctx, partyID, string(role))
	if err != nil {
		s.logger.Warn("resync failed", "party_id", logging.MaskID(partyID), "error", err)
		_ = sess.Send(wire.Err(wire.CodeServerError, "resync failed", ""))
		return
	}
	_ = sess.Send(wire.ResyncResult{
		Type:          wire.TypeResyncResult,
		PendingOrders: orEmpty(res.Pending),
		ActiveOrders:  orEmpty(res.Active),
		FirstPending:  res.FirstPending,
		FirstActive:   res.FirstActive,
	})
}

func (s *Server) publishPresence(p models.DriverPresence) {
	if s.producer == nil {
		return
	}
	ev := models.PresenceEvent{
		DriverID:  p.DriverID,
		Online:    p.Online,
		Available: p.Available,
		Lat:       p.Loc.Lat,
		Lng:       p.Loc.Lng,
		HasLoc:    p.HasLoc,
		At:        p.UpdatedAt,
	}
	go func() {
		if err := s.producer.PublishPresence(ev); err != nil {
			s.logger.Debug("presence event not published", "driver_id", ev.DriverID, "error", err)
		}
	}()
}

func (s *Server) lifecycleError(err error, orderID string) wire.Error {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return wire.Err(wire.CodeInvalidTransition, err.Error(), orderID)
	case errors.Is(err, lifecycle.ErrNotFound):
		return wire.Err(wire.CodeNotFound, "order not found", orderID)
	case errors.Is(err, lifecycle.ErrNotOrderDriver), errors.Is(err, lifecycle.ErrNotOrderParty):
		return wire.Err(wire.CodeForbidden, "not your order", orderID)
	case errors.Is(err, lifecycle.ErrValidation):
		return wire.Err(wire.CodeValidation, err.Error(), orderID)
	default:
		return wire.Err(wire.CodeServerError, "request failed", orderID)
	}
}

func roleFromString(v string) (registry.Role, bool) {
	switch v {
	case "driver":
		return registry.RoleDriver, true
	case "client":
		return registry.RoleClient, true
	case "admin":
		return registry.RoleAdmin, true
	}
	return "", false
}

func orEmpty(o []models.Order) []models.Order {
	if o == nil {
		return []models.Order{}
	}
	return o
}
