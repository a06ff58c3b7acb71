// Package cascade sequentially offers one order to a ranked list of
// drivers, one offer at a time, bounded by a per-offer timeout. The state
// of an in-flight cascade is an explicit object advanced by a single
// method, invoked either by the timer or by an explicit decline, never by
// nested callbacks.
package cascade

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/wire"
)

var (
	// ErrNoCascade means no cascade is in flight for the order.
	ErrNoCascade = errors.New("no cascade in flight for order")
	// ErrAlreadyTaken means another driver won the order first.
	ErrAlreadyTaken = errors.New("order already taken")
	// ErrNotOffered means the driver was never offered this order.
	ErrNotOffered = errors.New("driver was not offered this order")
	// ErrOrderClosed is returned by the outcome handler when the order
	// reached a terminal state while the cascade was in flight.
	ErrOrderClosed = errors.New("order closed")
)

// Sender delivers a payload over a party's live connection.
type Sender interface {
	Send(partyID string, v any) error
	Connected(partyID string) bool
}

// Assignments records the per-offer history. All writes here are
// best-effort: the in-memory cascade is the operational source of truth
// while it runs.
type Assignments interface {
	RecordAssignment(ctx context.Context, orderID, driverID string, at time.Time) error
	MarkAccepted(ctx context.Context, orderID, driverID string, at time.Time) error
	MarkDeclined(ctx context.Context, orderID, driverID string, at time.Time) error
}

// Outcome receives the cascade's terminal events.
type Outcome interface {
	// OfferAccepted applies the pending->accepted transition. It returns
	// ErrOrderClosed (possibly wrapped) when the order is already terminal.
	OfferAccepted(ctx context.Context, orderID, driverID string) (*models.Order, error)
	// CascadeExhausted fires when the ranked list ran out with no acceptance.
	CascadeExhausted(orderID string)
}

type flight struct {
	mu      sync.Mutex
	order   models.Order
	ranked  []models.ScoredCandidate
	idx     int
	current string
	offered map[string]bool
	timer   *time.Timer
	done    bool
}

type Dispatcher struct {
	mu      sync.Mutex
	flights map[string]*flight

	timeout     time.Duration
	sender      Sender
	assignments Assignments
	outcome     Outcome
	logger      *slog.Logger
	now         func() time.Time
}

func NewDispatcher(timeout time.Duration, sender Sender, assignments Assignments, outcome Outcome, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		flights:     make(map[string]*flight),
		timeout:     timeout,
		sender:      sender,
		assignments: assignments,
		outcome:     outcome,
		logger:      logger,
		now:         time.Now,
	}
}

// Start begins a cascade for the order. Returns false when the ranked
// list is empty or a cascade for the order already exists; the caller
// handles the no-drivers outcome itself in the empty case.
func (d *Dispatcher) Start(order models.Order, ranked []models.ScoredCandidate) bool {
	if len(ranked) == 0 {
		return false
	}
	f := &flight{order: order, ranked: ranked, offered: make(map[string]bool)}

	d.mu.Lock()
	if _, exists := d.flights[order.ID]; exists {
		d.mu.Unlock()
		return false
	}
	d.flights[order.ID] = f
	d.mu.Unlock()

	f.mu.Lock()
	exhausted := d.advanceLocked(f)
	f.mu.Unlock()
	if exhausted {
		d.remove(order.ID)
		d.outcome.CascadeExhausted(order.ID)
	}
	return true
}

// Accept claims the order for the driver. First accept wins; a second
// accept observes ErrAlreadyTaken. Any driver with a past offer in this
// cascade may accept until someone else does.
func (d *Dispatcher) Accept(ctx context.Context, orderID, driverID string) (*models.Order, error) {
	f := d.flight(orderID)
	if f == nil {
		return nil, ErrNoCascade
	}
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return nil, ErrAlreadyTaken
	}
	if !f.offered[driverID] {
		f.mu.Unlock()
		return nil, ErrNotOffered
	}
	// Claim before calling out so concurrent accepts settle here.
	f.done = true
	if f.timer != nil {
		f.timer.Stop()
	}
	f.mu.Unlock()

	o, err := d.outcome.OfferAccepted(ctx, orderID, driverID)
	if err != nil {
		if errors.Is(err, ErrOrderClosed) {
			d.remove(orderID)
			return nil, ErrAlreadyTaken
		}
		// The winning driver could not take the order (limit reached and
		// the like). Resume with the remaining candidates.
		f.mu.Lock()
		f.done = false
		exhausted := d.advanceLocked(f)
		f.mu.Unlock()
		if exhausted {
			d.remove(orderID)
			d.outcome.CascadeExhausted(orderID)
		}
		return nil, err
	}

	d.remove(orderID)
	observability.OffersAccepted.Inc()
	if mErr := d.assignments.MarkAccepted(context.Background(), orderID, driverID, d.now()); mErr != nil {
		d.logger.Warn("assignment accept not persisted", "order_id", orderID, "error", mErr)
	}
	return o, nil
}

// Decline advances the cascade past the driver's offer. A decline for an
// offer that already timed out, or arriving after the order was taken, is
// a no-op.
func (d *Dispatcher) Decline(orderID, driverID string) error {
	f := d.flight(orderID)
	if f == nil {
		return ErrNoCascade
	}
	f.mu.Lock()
	if f.done || !f.offered[driverID] {
		offered := f.offered[driverID]
		f.mu.Unlock()
		if !offered {
			return ErrNotOffered
		}
		return nil
	}
	if f.current != driverID {
		// past offer already advanced by its timeout
		f.mu.Unlock()
		return nil
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	observability.OffersDeclined.Inc()
	d.markDeclined(orderID, driverID)
	exhausted := d.advanceLocked(f)
	f.mu.Unlock()
	if exhausted {
		d.remove(orderID)
		d.outcome.CascadeExhausted(orderID)
	}
	return nil
}

// Cancel short-circuits an in-flight cascade (client or admin
// cancellation). Safe to call when none exists.
func (d *Dispatcher) Cancel(orderID string) {
	f := d.flight(orderID)
	if f == nil {
		return
	}
	f.mu.Lock()
	f.done = true
	if f.timer != nil {
		f.timer.Stop()
	}
	f.mu.Unlock()
	d.remove(orderID)
}

// InFlight reports whether the order has a live cascade.
func (d *Dispatcher) InFlight(orderID string) bool {
	return d.flight(orderID) != nil
}

func (d *Dispatcher) timeoutFire(orderID, driverID string) {
	f := d.flight(orderID)
	if f == nil {
		return
	}
	f.mu.Lock()
	// A decline or accept may have raced the timer.
	if f.done || f.current != driverID {
		f.mu.Unlock()
		return
	}
	observability.OffersTimedOut.Inc()
	d.markDeclined(orderID, driverID)
	exhausted := d.advanceLocked(f)
	f.mu.Unlock()
	if exhausted {
		d.remove(orderID)
		d.outcome.CascadeExhausted(orderID)
	}
}

// advanceLocked walks the ranked list until an offer lands or the list is
// exhausted. Candidates without a live connection are skipped with no
// assignment recorded. Caller holds f.mu; returns true on exhaustion.
func (d *Dispatcher) advanceLocked(f *flight) bool {
	f.current = ""
	for f.idx < len(f.ranked) {
		c := f.ranked[f.idx]
		f.idx++

		if !d.sender.Connected(c.DriverID) {
			d.logger.Debug("candidate skipped, no live connection", "order_id", f.order.ID, "driver_id", c.DriverID)
			continue
		}
		if err := d.assignments.RecordAssignment(context.Background(), f.order.ID, c.DriverID, d.now()); err != nil {
			// best-effort: log and keep going, the cascade does not block on storage
			d.logger.Warn("assignment not persisted", "order_id", f.order.ID, "error", err)
		}
		offer := wire.OrderOffer{
			Type:       wire.TypeOrderOffer,
			Order:      f.order,
			DistanceKm: c.DistanceKm,
			ExpiresIn:  int(d.timeout.Seconds()),
		}
		if err := d.sender.Send(c.DriverID, offer); err != nil {
			d.logger.Debug("offer send failed, skipping candidate", "order_id", f.order.ID, "driver_id", c.DriverID, "error", err)
			continue
		}

		f.current = c.DriverID
		f.offered[c.DriverID] = true
		observability.OffersSent.Inc()
		orderID, driverID := f.order.ID, c.DriverID
		f.timer = time.AfterFunc(d.timeout, func() { d.timeoutFire(orderID, driverID) })
		return false
	}
	f.done = true
	observability.CascadesExhausted.Inc()
	return true
}

func (d *Dispatcher) markDeclined(orderID, driverID string) {
	if err := d.assignments.MarkDeclined(context.Background(), orderID, driverID, d.now()); err != nil {
		d.logger.Warn("assignment decline not persisted", "order_id", orderID, "error", err)
	}
}

func (d *Dispatcher) flight(orderID string) *flight {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flights[orderID]
}

func (d *Dispatcher) remove(orderID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.flights, orderID)
}
