package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/example/courier-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateOrder(ctx context.Context, o *models.Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders(
			id, client_id, client_name, driver_id,
			pickup_address, pickup_lat, pickup_lng, pickup_details,
			dropoff_address, dropoff_lat, dropoff_lng, dropoff_details,
			price, distance_km, delivery_method, payment_method,
			business, scheduled, sensitive,
			status, cancel_reason, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		o.ID, o.ClientID, o.ClientName, nullStr(o.DriverID),
		o.Pickup.Address, coordLat(o.Pickup.Coord), coordLng(o.Pickup.Coord), o.Pickup.Details,
		o.Dropoff.Address, coordLat(o.Dropoff.Coord), coordLng(o.Dropoff.Coord), o.Dropoff.Details,
		o.Price, o.DistanceKm, string(o.Method), o.PaymentMethod,
		o.Business, o.Scheduled, o.Sensitive,
		string(o.Status), o.CancelReason, o.CreatedAt)
	return err
}

func (p *PostgresStore) UpdateOrderStatus(ctx context.Context, o *models.Order) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			driver_id=$1, status=$2, cancel_reason=$3,
			assigned_at=$4, accepted_at=$5, completed_at=$6, cancelled_at=$7,
			updated_at=$8
		WHERE id=$9`,
		nullStr(o.DriverID), string(o.Status), o.CancelReason,
		o.AssignedAt, o.AcceptedAt, o.CompletedAt, o.CancelledAt,
		time.Now(), o.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, selectOrder+` WHERE id=$1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) ActiveOrdersByClient(ctx context.Context, clientID string) ([]models.Order, error) {
	return p.activeOrders(ctx, `client_id=$1`, clientID)
}

func (p *PostgresStore) ActiveOrdersByDriver(ctx context.Context, driverID string) ([]models.Order, error) {
	return p.activeOrders(ctx, `driver_id=$1`, driverID)
}

func (p *PostgresStore) activeOrders(ctx context.Context, cond, arg string) ([]models.Order, error) {
	rows, err := p.db.QueryContext(ctx,
		selectOrder+` WHERE `+cond+` AND status NOT IN ('completed','cancelled','declined') ORDER BY created_at`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveProof(ctx context.Context, orderID string, pr models.Proof) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET proof_uploaded_at=$1, proof_driver_id=$2, proof_type=$3 WHERE id=$4`,
		pr.UploadedAt, pr.DriverID, pr.Type, orderID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RecordAssignment(ctx context.Context, orderID, driverID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assignments(order_id, driver_id, assigned_at) VALUES ($1,$2,$3)
		ON CONFLICT (order_id, driver_id) DO UPDATE SET assigned_at=EXCLUDED.assigned_at`,
		orderID, driverID, at)
	return err
}

func (p *PostgresStore) MarkAccepted(ctx context.Context, orderID, driverID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE assignments SET accepted_at=$1 WHERE order_id=$2 AND driver_id=$3`, at, orderID, driverID)
	return err
}

func (p *PostgresStore) MarkDeclined(ctx context.Context, orderID, driverID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE assignments SET declined_at=$1 WHERE order_id=$2 AND driver_id=$3`, at, orderID, driverID)
	return err
}

// DriverStats aggregates acceptance rate, rating and trailing-24h load in
// one round trip per cascade; the hot distance path never touches SQL.
func (p *PostgresStore) DriverStats(ctx context.Context, driverIDs []string) (map[string]models.DriverStats, error) {
	out := make(map[string]models.DriverStats, len(driverIDs))
	if len(driverIDs) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id,
		       COALESCE(d.rating, 5.0),
		       COALESCE(d.internal, FALSE),
		       COUNT(a.order_id),
		       COUNT(a.accepted_at),
		       COUNT(a.order_id) FILTER (WHERE a.assigned_at > NOW() - INTERVAL '24 hours')
		FROM drivers d
		LEFT JOIN assignments a ON a.driver_id = d.id
		WHERE d.id = ANY($1)
		GROUP BY d.id, d.rating, d.internal`, pq.Array(driverIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id                         string
			rating                     float64
			internal                   bool
			assigned, accepted, last24 int
		)
		if err := rows.Scan(&id, &rating, &internal, &assigned, &accepted, &last24); err != nil {
			return nil, err
		}
		s := models.DefaultDriverStats()
		s.Rating = rating
		s.Internal = internal
		s.Assigned24h = last24
		if assigned > 0 {
			s.AcceptanceRate = float64(accepted) / float64(assigned)
		}
		out[id] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// drivers unknown to the store score with defaults
	for _, id := range driverIDs {
		if _, ok := out[id]; !ok {
			out[id] = models.DefaultDriverStats()
		}
	}
	return out, nil
}

const selectOrder = `
	SELECT id, client_id, client_name, driver_id,
	       pickup_address, pickup_lat, pickup_lng, pickup_details,
	       dropoff_address, dropoff_lat, dropoff_lng, dropoff_details,
	       price, distance_km, delivery_method, payment_method,
	       business, scheduled, sensitive,
	       status, cancel_reason, created_at,
	       assigned_at, accepted_at, completed_at, cancelled_at,
	       proof_uploaded_at, proof_driver_id, proof_type
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o                      models.Order
		driverID, cancelReason sql.NullString
		pLat, pLng, dLat, dLng sql.NullFloat64
		method, status         string
		proofAt                sql.NullTime
		proofDriver, proofType sql.NullString
	)
	err := row.Scan(
		&o.ID, &o.ClientID, &o.ClientName, &driverID,
		&o.Pickup.Address, &pLat, &pLng, &o.Pickup.Details,
		&o.Dropoff.Address, &dLat, &dLng, &o.Dropoff.Details,
		&o.Price, &o.DistanceKm, &method, &o.PaymentMethod,
		&o.Business, &o.Scheduled, &o.Sensitive,
		&status, &cancelReason, &o.CreatedAt,
		&o.AssignedAt, &o.AcceptedAt, &o.CompletedAt, &o.CancelledAt,
		&proofAt, &proofDriver, &proofType)
	if err != nil {
		return nil, err
	}
	o.DriverID = driverID.String
	o.CancelReason = cancelReason.String
	o.Method = models.DeliveryMethod(method)
	o.Status = models.OrderStatus(status)
	if pLat.Valid && pLng.Valid {
		o.Pickup.Coord = &models.Coord{Lat: pLat.Float64, Lng: pLng.Float64}
	}
	if dLat.Valid && dLng.Valid {
		o.Dropoff.Coord = &models.Coord{Lat: dLat.Float64, Lng: dLng.Float64}
	}
	if proofAt.Valid {
		o.Proof = &models.Proof{UploadedAt: proofAt.Time, DriverID: proofDriver.String, Type: proofType.String}
	}
	return &o, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func coordLat(c *models.Coord) sql.NullFloat64 {
	if c == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}
}

func coordLng(c *models.Coord) sql.NullFloat64 {
	if c == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lng, Valid: true}
}
