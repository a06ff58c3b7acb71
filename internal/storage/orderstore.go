// Package storage defines the narrow persistence contract the dispatch
// core consumes. The store is an external collaborator: eventually
// consistent, independently retryable. The core never retries these calls
// itself beyond a single attempt.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

var ErrNotFound = errors.New("order not found")

// OrderStore persists orders and proofs.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	UpdateOrderStatus(ctx context.Context, o *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	ActiveOrdersByClient(ctx context.Context, clientID string) ([]models.Order, error)
	ActiveOrdersByDriver(ctx context.Context, driverID string) ([]models.Order, error)
	SaveProof(ctx context.Context, orderID string, p models.Proof) error
}

// AssignmentStore persists the per-offer history and answers the scorer's
// statistics queries.
type AssignmentStore interface {
	RecordAssignment(ctx context.Context, orderID, driverID string, at time.Time) error
	MarkAccepted(ctx context.Context, orderID, driverID string, at time.Time) error
	MarkDeclined(ctx context.Context, orderID, driverID string, at time.Time) error
	DriverStats(ctx context.Context, driverIDs []string) (map[string]models.DriverStats, error)
}

// MemoryStore backs both interfaces for tests and storeless local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*models.Order
	assignments map[string][]*models.Assignment // keyed by driver id
	proofs      map[string]models.Proof
	stats       map[string]models.DriverStats
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*models.Order),
		assignments: make(map[string][]*models.Assignment),
		proofs:      make(map[string]models.Proof),
		stats:       make(map[string]models.DriverStats),
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ActiveOrdersByClient(ctx context.Context, clientID string) ([]models.Order, error) {
	return m.activeBy(func(o *models.Order) bool { return o.ClientID == clientID })
}

func (m *MemoryStore) ActiveOrdersByDriver(ctx context.Context, driverID string) ([]models.Order, error) {
	return m.activeBy(func(o *models.Order) bool { return o.DriverID == driverID })
}

func (m *MemoryStore) activeBy(match func(*models.Order) bool) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, o := range m.orders {
		if !o.Status.Terminal() && match(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveProof(ctx context.Context, orderID string, p models.Proof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	m.proofs[orderID] = p
	cp := p
	o.Proof = &cp
	return nil
}

func (m *MemoryStore) RecordAssignment(ctx context.Context, orderID, driverID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[driverID] = append(m.assignments[driverID], &models.Assignment{
		OrderID: orderID, DriverID: driverID, AssignedAt: at,
	})
	return nil
}

func (m *MemoryStore) MarkAccepted(ctx context.Context, orderID, driverID string, at time.Time) error {
	return m.mark(orderID, driverID, func(a *models.Assignment) { a.AcceptedAt = &at })
}

func (m *MemoryStore) MarkDeclined(ctx context.Context, orderID, driverID string, at time.Time) error {
	return m.mark(orderID, driverID, func(a *models.Assignment) { a.DeclinedAt = &at })
}

func (m *MemoryStore) mark(orderID, driverID string, apply func(*models.Assignment)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments[driverID] {
		if a.OrderID == orderID {
			apply(a)
			return nil
		}
	}
	return ErrNotFound
}

// SetDriverStats seeds scorer statistics. Test hook.
func (m *MemoryStore) SetDriverStats(driverID string, s models.DriverStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[driverID] = s
}

func (m *MemoryStore) DriverStats(ctx context.Context, driverIDs []string) (map[string]models.DriverStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.DriverStats, len(driverIDs))
	for _, id := range driverIDs {
		if s, ok := m.stats[id]; ok {
			out[id] = s
			continue
		}
		out[id] = m.statsFromAssignments(id)
	}
	return out, nil
}

func (m *MemoryStore) statsFromAssignments(driverID string) models.DriverStats {
	s := models.DefaultDriverStats()
	rows := m.assignments[driverID]
	if len(rows) == 0 {
		return s
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	accepted := 0
	for _, a := range rows {
		if a.AcceptedAt != nil {
			accepted++
		}
		if a.AssignedAt.After(cutoff) {
			s.Assigned24h++
		}
	}
	s.AcceptanceRate = float64(accepted) / float64(len(rows))
	return s
}
