// Package lifecycle owns the order state machine and the in-memory
// active-order cache. All mutations to one order are serialized on its
// cache entry; unrelated orders proceed in parallel. The cache is
// authoritative while persistence writes are best-effort.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/courier-dispatch/internal/cascade"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/wire"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrLimitExceeded     = fmt.Errorf("%w: active order limit exceeded", ErrValidation)
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("order not found")
	ErrNotOrderDriver    = errors.New("driver is not assigned to this order")
	ErrNotOrderParty     = errors.New("party does not own this order")
)

// CancelReasonNoDrivers marks cascade exhaustion, a normal terminal
// outcome rather than an error.
const CancelReasonNoDrivers = "no_drivers_available"

// CancelReasonDriver marks a cancellation issued by the assigned driver
// through advance-status.
const CancelReasonDriver = "cancelled_by_driver"

// transitions is the reachable-state table. Terminal states have no row.
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusPending:    {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusEnroute, models.StatusCancelled},
	models.StatusEnroute:    {models.StatusPickedUp, models.StatusCancelled},
	models.StatusPickedUp:   {models.StatusDelivering, models.StatusCompleted, models.StatusCancelled},
	models.StatusDelivering: {models.StatusCompleted, models.StatusCancelled},
}

func canTransition(from, to models.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sender broadcasts snapshots to live connections.
type Sender interface {
	Send(partyID string, v any) error
	Admins() []string
}

// Canceller short-circuits an in-flight offer cascade.
type Canceller interface {
	Cancel(orderID string)
}

// EventPublisher is the best-effort order event stream.
type EventPublisher interface {
	PublishOrderEvent(ev models.OrderEvent) error
}

// Commission places the post-completion commission hold for
// commission-based partner drivers.
type Commission interface {
	Hold(ctx context.Context, driverID string, amount int64) (string, error)
}

// DistanceEstimator supplies a pickup->dropoff distance when the client
// gave no hint.
type DistanceEstimator interface {
	EstimateKm(from, to models.Coord) float64
}

type SubmitRequest struct {
	ClientID      string
	ClientName    string
	Pickup        models.Location
	Dropoff       models.Location
	Method        models.DeliveryMethod
	PriceHint     int64
	DistanceHint  float64
	PaymentMethod string
	Business      bool
	Scheduled     bool
	Sensitive     bool
}

type entry struct {
	mu sync.Mutex
	o  models.Order
}

type Manager struct {
	mu           sync.Mutex
	active       map[string]*entry
	clientCounts map[string]int
	driverCounts map[string]int

	store      storage.OrderStore
	send       Sender
	cascades   Canceller
	events     EventPublisher
	commission Commission
	distance   DistanceEstimator

	commissionRate float64
	maxClient      int
	maxDriver      int

	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	persistTimeout time.Duration
}

type Options struct {
	Store          storage.OrderStore
	Send           Sender
	Events         EventPublisher
	Commission     Commission
	Distance       DistanceEstimator
	CommissionRate float64
	MaxPerClient   int
	MaxPerDriver   int
	Logger         *slog.Logger
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		active:         make(map[string]*entry),
		clientCounts:   make(map[string]int),
		driverCounts:   make(map[string]int),
		store:          opts.Store,
		send:           opts.Send,
		events:         opts.Events,
		commission:     opts.Commission,
		distance:       opts.Distance,
		commissionRate: opts.CommissionRate,
		maxClient:      opts.MaxPerClient,
		maxDriver:      opts.MaxPerDriver,
		logger:         logger,
		now:            time.Now,
		newID:          func() string { return uuid.NewString() },
		persistTimeout: 5 * time.Second,
	}
}

// SetCanceller wires the cascade dispatcher in after construction; the
// two components reference each other.
func (m *Manager) SetCanceller(c Canceller) { m.cascades = c }

// Submit validates and admits a new order into the active cache.
// The persisted flag reports whether the single-attempt storage write
// landed; the order is live either way.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*models.Order, bool, error) {
	if req.ClientID == "" || req.Pickup.Address == "" || req.Dropoff.Address == "" {
		return nil, false, fmt.Errorf("%w: missing client or addresses", ErrValidation)
	}
	if !req.Method.Valid() {
		return nil, false, fmt.Errorf("%w: unknown delivery method %q", ErrValidation, req.Method)
	}

	// Reserve the client slot up front so concurrent submits cannot all
	// pass the check while the first write is still in flight.
	m.mu.Lock()
	if m.clientCounts[req.ClientID] >= m.maxClient {
		m.mu.Unlock()
		return nil, false, ErrLimitExceeded
	}
	m.clientCounts[req.ClientID]++
	m.mu.Unlock()

	distance := req.DistanceHint
	if distance <= 0 && req.Pickup.Coord != nil && req.Dropoff.Coord != nil && m.distance != nil {
		distance = m.distance.EstimateKm(*req.Pickup.Coord, *req.Dropoff.Coord)
	}

	o := models.Order{
		ID:            m.newID(),
		ClientID:      req.ClientID,
		ClientName:    req.ClientName,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		Price:         req.PriceHint,
		DistanceKm:    math.Round(distance*100) / 100,
		Method:        req.Method,
		PaymentMethod: req.PaymentMethod,
		Business:      req.Business,
		Scheduled:     req.Scheduled,
		Sensitive:     req.Sensitive,
		Status:        models.StatusPending,
		CreatedAt:     m.now(),
	}

	persisted := m.persist(ctx, &o, m.store.CreateOrder)

	m.mu.Lock()
	m.active[o.ID] = &entry{o: o}
	m.mu.Unlock()

	observability.OrdersSubmitted.Inc()
	m.publishEvent(o)
	return &o, persisted, nil
}

// OfferAccepted applies pending->accepted for the winning driver. Called
// by the cascade dispatcher; returns cascade.ErrOrderClosed when the
// order can no longer be accepted.
func (m *Manager) OfferAccepted(ctx context.Context, orderID, driverID string) (*models.Order, error) {
	e := m.entry(orderID)
	if e == nil {
		return nil, fmt.Errorf("%w: not in active cache", cascade.ErrOrderClosed)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.o.Status.Terminal() {
		return nil, fmt.Errorf("%w: status %s", cascade.ErrOrderClosed, e.o.Status)
	}
	if e.o.Status != models.StatusPending {
		if e.o.Status == models.StatusAccepted && e.o.DriverID == driverID {
			cp := e.o
			return &cp, nil // idempotent retry
		}
		return nil, fmt.Errorf("%w: already %s", cascade.ErrOrderClosed, e.o.Status)
	}

	m.mu.Lock()
	if m.driverCounts[driverID] >= m.maxDriver {
		m.mu.Unlock()
		return nil, ErrLimitExceeded
	}
	m.driverCounts[driverID]++
	m.mu.Unlock()

	now := m.now()
	e.o.Status = models.StatusAccepted
	e.o.DriverID = driverID
	if e.o.AssignedAt == nil {
		e.o.AssignedAt = &now
	}
	e.o.AcceptedAt = &now

	m.persist(ctx, &e.o, m.store.UpdateOrderStatus)
	observability.TransitionsApplied.WithLabelValues(string(models.StatusAccepted)).Inc()

	cp := e.o
	m.broadcast(wire.OrderUpdate{Type: wire.TypeOrderAccepted, Order: cp}, cp)
	m.publishEvent(cp)
	return &cp, nil
}

// CascadeExhausted cancels the order after every ranked candidate
// declined or timed out, and notifies the requesting client.
func (m *Manager) CascadeExhausted(orderID string) {
	e := m.entry(orderID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.o.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := m.now()
	e.o.Status = models.StatusCancelled
	e.o.CancelReason = CancelReasonNoDrivers
	e.o.CancelledAt = &now
	cp := e.o
	e.mu.Unlock()

	m.persist(context.Background(), &cp, m.store.UpdateOrderStatus)
	m.removeFromCache(cp)

	_ = m.send.Send(cp.ClientID, wire.NoDrivers{Type: wire.TypeNoDrivers, OrderID: cp.ID})
	m.broadcast(wire.OrderCancelled{Type: wire.TypeOrderCancelled, OrderID: cp.ID, Reason: cp.CancelReason}, cp)
	m.publishEvent(cp)
}

// Transition applies advance-status from the assigned driver. The same
// target status as the current one acks idempotently with no second
// persistence write.
func (m *Manager) Transition(ctx context.Context, driverID, orderID string, to models.OrderStatus) (*models.Order, bool, error) {
	e := m.entry(orderID)
	if e == nil {
		return nil, false, ErrNotFound
	}
	e.mu.Lock()

	if e.o.DriverID != driverID {
		e.mu.Unlock()
		return nil, false, ErrNotOrderDriver
	}
	if e.o.Status == to {
		cp := e.o
		e.mu.Unlock()
		return &cp, true, nil
	}
	if !canTransition(e.o.Status, to) {
		e.mu.Unlock()
		observability.TransitionsRejected.Inc()
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.o.Status, to)
	}

	now := m.now()
	e.o.Status = to
	switch to {
	case models.StatusCompleted:
		e.o.CompletedAt = &now
	case models.StatusCancelled:
		e.o.CancelReason = CancelReasonDriver
		e.o.CancelledAt = &now
	}

	persisted := m.persist(ctx, &e.o, m.store.UpdateOrderStatus)
	observability.TransitionsApplied.WithLabelValues(string(to)).Inc()
	cp := e.o
	e.mu.Unlock()

	switch to {
	case models.StatusCompleted:
		// Removed from the cache immediately so a later resync can never
		// resurrect it, even if the persistence write failed.
		m.removeFromCache(cp)
		if !persisted {
			m.logger.Error("completed order not persisted, needs reconciliation", "order_id", cp.ID)
		}
		m.broadcast(wire.OrderUpdate{Type: wire.TypeOrderStatus, Order: cp}, cp)
		m.postCompletion(cp)
	case models.StatusCancelled:
		if m.cascades != nil {
			m.cascades.Cancel(cp.ID)
		}
		m.removeFromCache(cp)
		m.broadcast(wire.OrderCancelled{Type: wire.TypeOrderCancelled, OrderID: cp.ID, Reason: cp.CancelReason}, cp)
	default:
		m.broadcast(wire.OrderUpdate{Type: wire.TypeOrderStatus, Order: cp}, cp)
	}
	m.publishEvent(cp)
	return &cp, persisted, nil
}

// Cancel applies a client or admin cancellation from any non-terminal
// state and short-circuits the cascade.
func (m *Manager) Cancel(ctx context.Context, partyID string, isAdmin bool, orderID, reason string) (*models.Order, bool, error) {
	e := m.entry(orderID)
	if e == nil {
		return nil, false, ErrNotFound
	}
	e.mu.Lock()

	if !isAdmin && e.o.ClientID != partyID {
		e.mu.Unlock()
		return nil, false, ErrNotOrderParty
	}
	if e.o.Status == models.StatusCancelled {
		cp := e.o
		e.mu.Unlock()
		return &cp, true, nil
	}
	if e.o.Status.Terminal() {
		e.mu.Unlock()
		observability.TransitionsRejected.Inc()
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.o.Status, models.StatusCancelled)
	}

	now := m.now()
	e.o.Status = models.StatusCancelled
	e.o.CancelReason = reason
	e.o.CancelledAt = &now
	persisted := m.persist(ctx, &e.o, m.store.UpdateOrderStatus)
	observability.TransitionsApplied.WithLabelValues(string(models.StatusCancelled)).Inc()
	cp := e.o
	e.mu.Unlock()

	if m.cascades != nil {
		m.cascades.Cancel(orderID)
	}
	m.removeFromCache(cp)
	m.broadcast(wire.OrderCancelled{Type: wire.TypeOrderCancelled, OrderID: cp.ID, Reason: cp.CancelReason}, cp)
	m.publishEvent(cp)
	return &cp, persisted, nil
}

// SubmitProof stamps and persists a proof-of-delivery record from the
// assigned driver.
func (m *Manager) SubmitProof(ctx context.Context, driverID, orderID, proofType string) (*models.Proof, bool, error) {
	var clientID string
	if e := m.entry(orderID); e != nil {
		e.mu.Lock()
		if e.o.DriverID != driverID {
			e.mu.Unlock()
			return nil, false, ErrNotOrderDriver
		}
		p := models.Proof{UploadedAt: m.now(), DriverID: driverID, Type: proofType}
		e.o.Proof = &p
		clientID = e.o.ClientID
		e.mu.Unlock()
		persisted := m.persistProof(ctx, orderID, p)
		_ = m.send.Send(clientID, wire.ProofUploaded{Type: wire.TypeProofUploaded, OrderID: orderID, Proof: p})
		return &p, persisted, nil
	}

	// completed orders leave the cache; verify against storage instead
	o, err := m.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, false, ErrNotFound
	}
	if o.DriverID != driverID {
		return nil, false, ErrNotOrderDriver
	}
	p := models.Proof{UploadedAt: m.now(), DriverID: driverID, Type: proofType}
	persisted := m.persistProof(ctx, orderID, p)
	_ = m.send.Send(o.ClientID, wire.ProofUploaded{Type: wire.TypeProofUploaded, OrderID: orderID, Proof: p})
	return &p, persisted, nil
}

// RelayLocation forwards a driver location ping to the order's client.
// No ack, best-effort.
func (m *Manager) RelayLocation(driverID, orderID string, loc models.Coord) {
	e := m.entry(orderID)
	if e == nil {
		return
	}
	e.mu.Lock()
	ok := e.o.DriverID == driverID
	clientID := e.o.ClientID
	e.mu.Unlock()
	if !ok {
		return
	}
	_ = m.send.Send(clientID, wire.DriverLocation{Type: wire.TypeDriverLocation, OrderID: orderID, Loc: loc})
}

// ActiveForParty snapshots the cached non-terminal orders a party is
// involved in. Feeds the resynchronization merge.
func (m *Manager) ActiveForParty(partyID, role string) []models.Order {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.active))
	for _, e := range m.active {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var out []models.Order
	for _, e := range entries {
		e.mu.Lock()
		o := e.o
		e.mu.Unlock()
		if o.Status.Terminal() {
			continue
		}
		if (role == "driver" && o.DriverID == partyID) || (role != "driver" && o.ClientID == partyID) {
			out = append(out, o)
		}
	}
	return out
}

// Cached returns the active-cache snapshot of one order.
func (m *Manager) Cached(orderID string) (models.Order, bool) {
	e := m.entry(orderID)
	if e == nil {
		return models.Order{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.o, true
}

func (m *Manager) entry(orderID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[orderID]
}

func (m *Manager) removeFromCache(o models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[o.ID]; !ok {
		return
	}
	delete(m.active, o.ID)
	if m.clientCounts[o.ClientID] > 0 {
		m.clientCounts[o.ClientID]--
	}
	if o.DriverID != "" && m.driverCounts[o.DriverID] > 0 {
		m.driverCounts[o.DriverID]--
	}
}

// persist runs one best-effort storage write. Single attempt: the store
// collaborator owns retries.
func (m *Manager) persist(ctx context.Context, o *models.Order, write func(context.Context, *models.Order) error) bool {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
	defer cancel()
	if err := write(wctx, o); err != nil {
		observability.PersistenceFailures.Inc()
		m.logger.Warn("order write failed, cache remains authoritative", "order_id", o.ID, "status", o.Status, "error", err)
		return false
	}
	return true
}

func (m *Manager) persistProof(ctx context.Context, orderID string, p models.Proof) bool {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
	defer cancel()
	if err := m.store.SaveProof(wctx, orderID, p); err != nil {
		observability.PersistenceFailures.Inc()
		m.logger.Warn("proof write failed", "order_id", orderID, "error", err)
		return false
	}
	return true
}

// broadcast sends the snapshot to the client, the driver, and every admin
// observer; each delivery tolerates a missing connection on its own.
func (m *Manager) broadcast(msg any, o models.Order) {
	targets := []string{o.ClientID}
	if o.DriverID != "" {
		targets = append(targets, o.DriverID)
	}
	targets = append(targets, m.send.Admins()...)
	for _, id := range targets {
		if err := m.send.Send(id, msg); err != nil {
			m.logger.Debug("broadcast skipped", "order_id", o.ID, "error", err)
		}
	}
}

func (m *Manager) publishEvent(o models.Order) {
	if m.events == nil {
		return
	}
	ev := models.OrderEvent{OrderID: o.ID, ClientID: o.ClientID, DriverID: o.DriverID, Status: o.Status, At: m.now()}
	go func() {
		if err := m.events.PublishOrderEvent(ev); err != nil {
			m.logger.Debug("order event not published", "order_id", ev.OrderID, "error", err)
		}
	}()
}

// postCompletion dispatches the fire-and-forget side effects of a
// completed delivery. Each failure is isolated and logged; none can roll
// back the completion.
func (m *Manager) postCompletion(o models.Order) {
	if m.commission != nil && o.Price > 0 {
		go func() {
			amount := int64(float64(o.Price) * m.commissionRate)
			if amount <= 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := m.commission.Hold(ctx, o.DriverID, amount); err != nil {
				m.logger.Warn("commission hold failed", "order_id", o.ID, "error", err)
			}
		}()
	}
	m.logger.Info("delivery completed", "order_id", o.ID, "distance_km", o.DistanceKm, "price", o.Price)
}

// SetNow and SetIDFunc are test hooks.
func (m *Manager) SetNow(now func() time.Time) { m.now = now }
func (m *Manager) SetIDFunc(f func() string)   { m.newID = f }
