package cascade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/wire"
)

type fakeSender struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []sentMsg
	failFor   map[string]bool
}

type sentMsg struct {
	partyID string
	payload any
}

func newFakeSender(connected ...string) *fakeSender {
	m := make(map[string]bool, len(connected))
	for _, id := range connected {
		m[id] = true
	}
	return &fakeSender{connected: m, failFor: make(map[string]bool)}
}

func (f *fakeSender) Send(partyID string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[partyID] {
		return fmt.Errorf("send to %s failed", partyID)
	}
	f.sent = append(f.sent, sentMsg{partyID, v})
	return nil
}

func (f *fakeSender) Connected(partyID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[partyID]
}

func (f *fakeSender) offersTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if _, ok := m.payload.(wire.OrderOffer); ok {
			out = append(out, m.partyID)
		}
	}
	return out
}

type fakeAssignments struct {
	mu       sync.Mutex
	assigned []string
	accepted []string
	declined []string
}

func (f *fakeAssignments) RecordAssignment(ctx context.Context, orderID, driverID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, driverID)
	return nil
}

func (f *fakeAssignments) MarkAccepted(ctx context.Context, orderID, driverID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, driverID)
	return nil
}

func (f *fakeAssignments) MarkDeclined(ctx context.Context, orderID, driverID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, driverID)
	return nil
}

type fakeOutcome struct {
	mu        sync.Mutex
	accepted  []string
	exhausted []string
	acceptErr error
}

func (f *fakeOutcome) OfferAccepted(ctx context.Context, orderID, driverID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	f.accepted = append(f.accepted, driverID)
	return &models.Order{ID: orderID, DriverID: driverID, Status: models.StatusAccepted}, nil
}

func (f *fakeOutcome) CascadeExhausted(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exhausted = append(f.exhausted, orderID)
}

func (f *fakeOutcome) exhaustedOrders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.exhausted...)
}

func ranked(ids ...string) []models.ScoredCandidate {
	out := make([]models.ScoredCandidate, len(ids))
	for i, id := range ids {
		out[i] = models.ScoredCandidate{DriverID: id, Score: float64(len(ids) - i)}
	}
	return out
}

func TestStartOffersTopCandidate(t *testing.T) {
	sender := newFakeSender("d1", "d2")
	d := NewDispatcher(time.Minute, sender, &fakeAssignments{}, &fakeOutcome{}, nil)

	ok := d.Start(models.Order{ID: "o1"}, ranked("d1", "d2"))
	require.True(t, ok)
	assert.Equal(t, []string{"d1"}, sender.offersTo())
	assert.True(t, d.InFlight("o1"))
}

func TestStartEmptyList(t *testing.T) {
	d := NewDispatcher(time.Minute, newFakeSender(), &fakeAssignments{}, &fakeOutcome{}, nil)
	assert.False(t, d.Start(models.Order{ID: "o1"}, nil))
}

func TestDeclineAdvances(t *testing.T) {
	sender := newFakeSender("d1", "d2")
	asg := &fakeAssignments{}
	out := &fakeOutcome{}
	d := NewDispatcher(time.Minute, sender, asg, out, nil)

	d.Start(models.Order{ID: "o1"}, ranked("d1", "d2"))
	require.NoError(t, d.Decline("o1", "d1"))

	assert.Equal(t, []string{"d1", "d2"}, sender.offersTo())
	assert.Equal(t, []string{"d1"}, asg.declined)
}

func TestFirstAcceptWins(t *testing.T) {
	sender := newFakeSender("d1", "d2")
	out := &fakeOutcome{}
	d := NewDispatcher(time.Minute, sender, &fakeAssignments{}, out, nil)

	d.Start(models.Order{ID: "o1"}, ranked("d1", "d2"))
	d.Decline("o1", "d1")

	// d2 holds the live offer, but d1 had one earlier in this cascade and
	// may still claim it
	o, err := d.Accept(context.Background(), "o1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", o.DriverID)

	_, err = d.Accept(context.Background(), "o1", "d2")
	assert.ErrorIs(t, err, ErrNoCascade, "cascade is gone once claimed")
	assert.False(t, d.InFlight("o1"))
}

func TestAcceptNeverOffered(t *testing.T) {
	sender := newFakeSender("d1", "stranger")
	d := NewDispatcher(time.Minute, sender, &fakeAssignments{}, &fakeOutcome{}, nil)

	d.Start(models.Order{ID: "o1"}, ranked("d1"))
	_, err := d.Accept(context.Background(), "o1", "stranger")
	assert.ErrorIs(t, err, ErrNotOffered)
}

func TestSkipsUnconnectedWithoutRecord(t *testing.T) {
	sender := newFakeSender("d2")
	asg := &fakeAssignments{}
	d := NewDispatcher(time.Minute, sender, asg, &fakeOutcome{}, nil)

	d.Start(models.Order{ID: "o1"}, ranked("d1", "d2"))

	assert.Equal(t, []string{"d2"}, sender.offersTo())
	assert.Equal(t, []string{"d2"}, asg.assigned, "skipped candidate leaves no assignment row")
}

func TestSendFailureSkips(t *testing.T) {
	sender := newFakeSender("d1", "d2")
	sender.failFor["d1"] = true
	d := NewDispatcher(time.Minute, sender, &fakeAssignments{}, &fakeOutcome{}, nil)

	d.Start(models.Order{ID: "o1"}, ranked("d1", "d2"))
	assert.Equal(t, []string{"d2"}, sender.offersTo())
}

func TestTimeoutExhaustsList(t *testing.T) {
	sender := newFakeSender("d1", "d2")
	asg := &fakeAssignments{}
	out := &fakeOutcome{}
	d := NewDispatcher(20*time.Millisecond, sender, asg, out, nil)

	d.Start(models.Order{ID: "o1"}, ranked("d1", "d2"))

	deadline := time.Now().Add(2 * time.Second)
	for len(out.exhaustedOrders()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, []string{"o1"}, out.exhaustedOrders())
	assert.Equal(t, []string{"d1", "d2"}, sender.offersTo())
	assert.Equal(t, []string{"d1", "d2"}, asg.declined)
	assert.False(t, d.InFlight("o1"))
}

func TestDeclineAfterTimeoutIsNoop(t *testing.T) {
	sender := newFakeSender("d1", "d2")
	asg := &fakeAssignments{}
	d := NewDispatcher(100*time.Millisecond, sender, asg, &fakeOutcome{}, nil)

	d.Start(models.Order{ID: "o1"}, ranked("d1", "d2"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if offers := sender.offersTo(); len(offers) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// d1's offer already moved on; the late decline must not advance past d2
	require.NoError(t, d.Decline("o1", "d1"))
	assert.Equal(t, []string{"d1", "d2"}, sender.offersTo())
}

func TestCancelStopsFlight(t *testing.T) {
	sender := newFakeSender("d1", "d2")
	out := &fakeOutcome{}
	d := NewDispatcher(time.Minute, sender, &fakeAssignments{}, out, nil)

	d.Start(models.Order{ID: "o1"}, ranked("d1", "d2"))
	d.Cancel("o1")

	assert.False(t, d.InFlight("o1"))
	_, err := d.Accept(context.Background(), "o1", "d1")
	assert.ErrorIs(t, err, ErrNoCascade)
	assert.Empty(t, out.exhaustedOrders(), "cancel is not exhaustion")
}

func TestAcceptOnClosedOrder(t *testing.T) {
	sender := newFakeSender("d1")
	out := &fakeOutcome{acceptErr: fmt.Errorf("cancelled: %w", ErrOrderClosed)}
	d := NewDispatcher(time.Minute, sender, &fakeAssignments{}, out, nil)

	d.Start(models.Order{ID: "o1"}, ranked("d1"))
	_, err := d.Accept(context.Background(), "o1", "d1")
	assert.ErrorIs(t, err, ErrAlreadyTaken)
	assert.False(t, d.InFlight("o1"))
}

func TestAcceptFailureResumesCascade(t *testing.T) {
	sender := newFakeSender("d1", "d2")
	out := &fakeOutcome{acceptErr: errors.New("driver at order limit")}
	d := NewDispatcher(time.Minute, sender, &fakeAssignments{}, out, nil)

	d.Start(models.Order{ID: "o1"}, ranked("d1", "d2"))
	_, err := d.Accept(context.Background(), "o1", "d1")
	require.Error(t, err)

	assert.Equal(t, []string{"d1", "d2"}, sender.offersTo(), "cascade resumes with the next candidate")
	assert.True(t, d.InFlight("o1"))
}

func TestNoConnectedCandidatesExhaustsImmediately(t *testing.T) {
	out := &fakeOutcome{}
	d := NewDispatcher(time.Minute, newFakeSender(), &fakeAssignments{}, out, nil)

	ok := d.Start(models.Order{ID: "o1"}, ranked("d1", "d2"))
	assert.True(t, ok, "a cascade started and exhausted is still a started cascade")
	assert.Equal(t, []string{"o1"}, out.exhaustedOrders())
}
