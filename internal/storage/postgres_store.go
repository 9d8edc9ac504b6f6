package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements Store on lib/pq. Money columns are NUMERIC
// and travel as strings to keep decimal precision intact.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, customer_id, driver_id, category, status,
	pickup_lat, pickup_lon, pickup_address, dest_lat, dest_lon, dest_address,
	estimated_distance_km, estimated_duration_min, actual_distance_km, actual_duration_min,
	base_fare, distance_fare, time_fare, surge_multiplier, total_fare,
	payment_method, payment_status, payment_ref, cancellation_reason, cancellation_fee, customer_notes,
	created_at, updated_at, assigned_at, arrived_at, started_at, completed_at, cancelled_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES(
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
		$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33)`,
		r.ID, r.CustomerID, nullStr(r.DriverID), r.Category, r.Status,
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lon, r.Destination.Address,
		r.EstimatedDistanceKm, r.EstimatedDurationMin, r.ActualDistanceKm, r.ActualDurationMin,
		r.BaseFare.String(), r.DistanceFare.String(), r.TimeFare.String(),
		r.SurgeMultiplier.String(), r.TotalFare.String(),
		r.PaymentMethod, r.PaymentStatus, r.PaymentRef, r.CancellationReason, r.CancellationFee.String(), r.CustomerNotes,
		r.CreatedAt, r.UpdatedAt, r.AssignedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt)
	return err
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	return updateRide(ctx, p.db, r)
}

func updateRide(ctx context.Context, db execer, r *models.Ride) error {
	res, err := db.ExecContext(ctx, `UPDATE rides SET
		driver_id=$1, status=$2, actual_distance_km=$3, actual_duration_min=$4,
		base_fare=$5, distance_fare=$6, time_fare=$7, surge_multiplier=$8, total_fare=$9,
		payment_status=$10, payment_ref=$11, cancellation_reason=$12, cancellation_fee=$13,
		updated_at=$14, assigned_at=$15, arrived_at=$16, started_at=$17, completed_at=$18, cancelled_at=$19
		WHERE id=$20`,
		nullStr(r.DriverID), r.Status, r.ActualDistanceKm, r.ActualDurationMin,
		r.BaseFare.String(), r.DistanceFare.String(), r.TimeFare.String(),
		r.SurgeMultiplier.String(), r.TotalFare.String(),
		r.PaymentStatus, r.PaymentRef, r.CancellationReason, r.CancellationFee.String(),
		r.UpdatedAt, r.AssignedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ApplyTransition commits the ride update, the audit event and the
// optional fare breakdown in one transaction, so a committed status
// change is never missing its event.
func (p *PostgresStore) ApplyTransition(ctx context.Context, r *models.Ride, ev *models.RideStatusEvent, fb *models.FareBreakdown) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := updateRide(ctx, tx, r); err != nil {
		return err
	}
	if err := appendEvent(ctx, tx, ev); err != nil {
		return err
	}
	if fb != nil {
		if err := saveFare(ctx, tx, fb); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetRide(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) ListRidesByCustomer(ctx context.Context, customerID string, statuses []models.RideStatus) ([]*models.Ride, error) {
	return p.listRides(ctx, `customer_id=$1`, customerID, statuses)
}

func (p *PostgresStore) ListRidesByDriver(ctx context.Context, driverID string, statuses []models.RideStatus) ([]*models.Ride, error) {
	return p.listRides(ctx, `driver_id=$1`, driverID, statuses)
}

func (p *PostgresStore) listRides(ctx context.Context, where, arg string, statuses []models.RideStatus) ([]*models.Ride, error) {
	q := `SELECT ` + rideColumns + ` FROM rides WHERE ` + where
	args := []any{arg}
	if len(statuses) > 0 {
		q += ` AND status = ANY($2)`
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		args = append(args, pq.Array(ss))
	}
	q += ` ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID sql.NullString
	var base, dist, tm, surge, total, fee string
	err := row.Scan(&r.ID, &r.CustomerID, &driverID, &r.Category, &r.Status,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lon, &r.Destination.Address,
		&r.EstimatedDistanceKm, &r.EstimatedDurationMin, &r.ActualDistanceKm, &r.ActualDurationMin,
		&base, &dist, &tm, &surge, &total,
		&r.PaymentMethod, &r.PaymentStatus, &r.PaymentRef, &r.CancellationReason, &fee, &r.CustomerNotes,
		&r.CreatedAt, &r.UpdatedAt, &r.AssignedAt, &r.ArrivedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	if r.BaseFare, err = decimal.NewFromString(base); err != nil {
		return nil, err
	}
	if r.DistanceFare, err = decimal.NewFromString(dist); err != nil {
		return nil, err
	}
	if r.TimeFare, err = decimal.NewFromString(tm); err != nil {
		return nil, err
	}
	if r.SurgeMultiplier, err = decimal.NewFromString(surge); err != nil {
		return nil, err
	}
	if r.TotalFare, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if r.CancellationFee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o *models.RideOffer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_offers(
		id, ride_id, driver_id, driver_lat, driver_lon, distance_to_pickup_km,
		arrival_minutes, status, created_at, expires_at, responded_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		o.ID, o.RideID, o.DriverID, o.DriverLoc.Lat, o.DriverLoc.Lon, o.DistanceToPickupKm,
		o.ArrivalMinutes, o.Status, o.CreatedAt, o.ExpiresAt, o.RespondedAt)
	return err
}

func (p *PostgresStore) UpdateOffer(ctx context.Context, o *models.RideOffer) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE ride_offers SET status=$1, responded_at=$2 WHERE id=$3`,
		o.Status, o.RespondedAt, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

const offerColumns = `id, ride_id, driver_id, driver_lat, driver_lon,
	distance_to_pickup_km, arrival_minutes, status, created_at, expires_at, responded_at`

func (p *PostgresStore) GetOffer(ctx context.Context, id uuid.UUID) (*models.RideOffer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE id=$1`, id)
	return scanOffer(row)
}

func (p *PostgresStore) ListOffersByRide(ctx context.Context, rideID uuid.UUID) ([]*models.RideOffer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM ride_offers WHERE ride_id=$1 ORDER BY distance_to_pickup_km`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOffers(rows)
}

func (p *PostgresStore) ListPendingOffersBefore(ctx context.Context, t time.Time) ([]*models.RideOffer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM ride_offers WHERE status=$1 AND expires_at<=$2`,
		models.OfferPending, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOffers(rows)
}

func collectOffers(rows *sql.Rows) ([]*models.RideOffer, error) {
	var out []*models.RideOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOffer(row rowScanner) (*models.RideOffer, error) {
	var o models.RideOffer
	err := row.Scan(&o.ID, &o.RideID, &o.DriverID, &o.DriverLoc.Lat, &o.DriverLoc.Lon,
		&o.DistanceToPickupKm, &o.ArrivalMinutes, &o.Status, &o.CreatedAt, &o.ExpiresAt, &o.RespondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *models.RideStatusEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := appendEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func appendEvent(ctx context.Context, tx *sql.Tx, ev *models.RideStatusEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	// per-ride sequence keeps single-ride event ordering strict
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0)+1 FROM ride_status_events WHERE ride_id=$1`,
		ev.RideID).Scan(&ev.Seq); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ride_status_events(
		id, ride_id, seq, from_status, to_status, actor_role, actor_id, reason, metadata, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ev.ID, ev.RideID, ev.Seq, ev.From, ev.To, ev.Actor.Role, ev.Actor.ID,
		ev.Reason, meta, ev.CreatedAt)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, rideID uuid.UUID) ([]*models.RideStatusEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT
		id, ride_id, seq, from_status, to_status, actor_role, actor_id, reason, metadata, created_at
		FROM ride_status_events WHERE ride_id=$1 ORDER BY seq`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideStatusEvent
	for rows.Next() {
		var ev models.RideStatusEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.RideID, &ev.Seq, &ev.From, &ev.To,
			&ev.Actor.Role, &ev.Actor.ID, &ev.Reason, &meta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &ev.Metadata)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveFare(ctx context.Context, fb *models.FareBreakdown) error {
	return saveFare(ctx, p.db, fb)
}

func saveFare(ctx context.Context, db execer, fb *models.FareBreakdown) error {
	meta, err := json.Marshal(fb.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO ride_fares(
		ride_id, base_fare, per_km_rate, per_minute_rate, distance_charge, time_charge,
		surge_charge, night_charge, toll_charge, promo_discount, loyalty_discount,
		surge_multiplier, vat_rate, vat_amount, subtotal, total_amount, metadata, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (ride_id) DO NOTHING`,
		fb.RideID, fb.BaseFare.String(), fb.PerKmRate.String(), fb.PerMinuteRate.String(),
		fb.DistanceCharge.String(), fb.TimeCharge.String(), fb.SurgeCharge.String(),
		fb.NightCharge.String(), fb.TollCharge.String(), fb.PromoDiscount.String(),
		fb.LoyaltyDiscount.String(), fb.SurgeMultiplier.String(), fb.VATRate.String(),
		fb.VATAmount.String(), fb.Subtotal.String(), fb.TotalAmount.String(), meta, fb.CreatedAt)
	return err
}

func (p *PostgresStore) GetFare(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
	row := p.db.QueryRowContext(ctx, `SELECT
		ride_id, base_fare, per_km_rate, per_minute_rate, distance_charge, time_charge,
		surge_charge, night_charge, toll_charge, promo_discount, loyalty_discount,
		surge_multiplier, vat_rate, vat_amount, subtotal, total_amount, metadata, created_at
		FROM ride_fares WHERE ride_id=$1`, rideID)
	var fb models.FareBreakdown
	var meta []byte
	cols := []*decimal.Decimal{
		&fb.BaseFare, &fb.PerKmRate, &fb.PerMinuteRate, &fb.DistanceCharge, &fb.TimeCharge,
		&fb.SurgeCharge, &fb.NightCharge, &fb.TollCharge, &fb.PromoDiscount, &fb.LoyaltyDiscount,
		&fb.SurgeMultiplier, &fb.VATRate, &fb.VATAmount, &fb.Subtotal, &fb.TotalAmount,
	}
	raw := make([]string, len(cols))
	dest := []any{&fb.RideID}
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	dest = append(dest, &meta, &fb.CreatedAt)
	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	for i, c := range cols {
		if *c, err = decimal.NewFromString(raw[i]); err != nil {
			return nil, err
		}
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &fb.Metadata)
	}
	return &fb, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
