package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"routedispatch/internal/model"
	"routedispatch/internal/state"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate creates the schema. Dev helper; production uses versioned
// migrations run out of band.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaDDL)
	return err
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS orders (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    external_ref  TEXT,
    service_date  TEXT NOT NULL,
    area          TEXT NOT NULL,
    lat           DOUBLE PRECISION NOT NULL,
    lng           DOUBLE PRECISION NOT NULL,
    window_start  TEXT,
    window_end    TEXT,
    cylinders     INT NOT NULL DEFAULT 0,
    weight_kg     DOUBLE PRECISION NOT NULL DEFAULT 0,
    priority      INT NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'unassigned',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_tenant_date_area ON orders(tenant_id, service_date, area, status);

CREATE TABLE IF NOT EXISTS drivers (
    id        TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name      TEXT,
    vehicle_id TEXT NOT NULL,
    area      TEXT
);
CREATE TABLE IF NOT EXISTS vehicles (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    name          TEXT,
    max_weight_kg DOUBLE PRECISION NOT NULL,
    max_cylinders INT NOT NULL
);

CREATE TABLE IF NOT EXISTS routes (
    id                 TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL,
    date               TEXT NOT NULL,
    area               TEXT NOT NULL,
    driver_id          TEXT NOT NULL,
    vehicle_id         TEXT NOT NULL,
    status             TEXT NOT NULL,
    total_distance_m   INT NOT NULL DEFAULT 0,
    total_duration_sec INT NOT NULL DEFAULT 0,
    opt_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_optimized       BOOLEAN NOT NULL DEFAULT false,
    degraded           BOOLEAN NOT NULL DEFAULT false,
    version            INT NOT NULL DEFAULT 1,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_routes_tenant_date ON routes(tenant_id, date, area);
CREATE INDEX IF NOT EXISTS idx_routes_driver ON routes(tenant_id, driver_id, status);

CREATE TABLE IF NOT EXISTS route_stops (
    id             TEXT PRIMARY KEY,
    route_id       TEXT NOT NULL REFERENCES routes(id),
    order_id       TEXT NOT NULL,
    seq            INT NOT NULL,
    lat            DOUBLE PRECISION NOT NULL,
    lng            DOUBLE PRECISION NOT NULL,
    eta            TEXT,
    actual_arrival TEXT,
    completed      BOOLEAN NOT NULL DEFAULT false,
    completed_at   TEXT,
    note           TEXT,
    signature_ref  TEXT,
    photo_refs     JSONB,
    UNIQUE(route_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_route_stops_route ON route_stops(route_id);

CREATE TABLE IF NOT EXISTS sync_entries (
    tenant_id TEXT NOT NULL,
    key       TEXT NOT NULL,
    device_id TEXT NOT NULL,
    local_seq INT NOT NULL,
    stop_id   TEXT NOT NULL,
    payload   JSONB NOT NULL,
    status    TEXT NOT NULL,
    reason    TEXT,
    result    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY(tenant_id, key)
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id        TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    url       TEXT NOT NULL,
    events    JSONB NOT NULL,
    secret    TEXT
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    subscription_id TEXT,
    event_type      TEXT NOT NULL,
    url             TEXT NOT NULL,
    secret          TEXT,
    payload         BYTEA NOT NULL,
    attempts        INT NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'pending',
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_error      TEXT,
    response_code   INT,
    latency_ms      INT,
    delivered_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_webhook_due ON webhook_deliveries(status, next_attempt_at);
`

func (p *Postgres) UpsertOrders(ctx context.Context, tenantID string, orders []model.Order) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	created := 0
	for _, o := range orders {
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		status := o.Status
		if status == "" {
			status = model.OrderUnassigned
		}
		var ws, we *string
		if o.TimeWindow != nil {
			ws, we = &o.TimeWindow.Start, &o.TimeWindow.End
		}
		res, err := tx.ExecContext(ctx, `
            INSERT INTO orders (id, tenant_id, external_ref, service_date, area, lat, lng, window_start, window_end, cylinders, weight_kg, priority, status)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
            ON CONFLICT (id) DO UPDATE SET service_date=EXCLUDED.service_date, area=EXCLUDED.area,
                lat=EXCLUDED.lat, lng=EXCLUDED.lng, window_start=EXCLUDED.window_start, window_end=EXCLUDED.window_end,
                cylinders=EXCLUDED.cylinders, weight_kg=EXCLUDED.weight_kg, priority=EXCLUDED.priority`,
			o.ID, tenantID, o.ExternalRef, o.ServiceDate, o.Area, o.Location.Lat, o.Location.Lng, ws, we, o.CylinderCount, o.WeightKg, o.Priority, status)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

func (p *Postgres) ListUnassignedOrders(ctx context.Context, tenantID, date, area string, ids []string) ([]model.Order, error) {
	q := `SELECT id, tenant_id, external_ref, service_date, area, lat, lng, window_start, window_end, cylinders, weight_kg, priority, status
          FROM orders WHERE tenant_id=$1 AND status='unassigned'`
	args := []any{tenantID}
	if date != "" {
		args = append(args, date)
		q += fmt.Sprintf(" AND service_date=$%d", len(args))
	}
	if area != "" {
		args = append(args, area)
		q += fmt.Sprintf(" AND area=$%d", len(args))
	}
	q += " ORDER BY created_at"
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var want map[string]bool
	if len(ids) > 0 {
		want = make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
	}
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		if want != nil && !want[o.ID] {
			continue
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanOrder(r rowScanner) (model.Order, error) {
	var o model.Order
	var extRef, ws, we sql.NullString
	err := r.Scan(&o.ID, &o.TenantID, &extRef, &o.ServiceDate, &o.Area, &o.Location.Lat, &o.Location.Lng, &ws, &we, &o.CylinderCount, &o.WeightKg, &o.Priority, &o.Status)
	if err != nil {
		return model.Order{}, err
	}
	o.ExternalRef = extRef.String
	if ws.Valid || we.Valid {
		o.TimeWindow = &model.TimeWindow{Start: ws.String, End: we.String}
	}
	return o, nil
}

func (p *Postgres) GetOrder(ctx context.Context, tenantID, orderID string) (model.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, tenant_id, external_ref, service_date, area, lat, lng, window_start, window_end, cylinders, weight_kg, priority, status
        FROM orders WHERE tenant_id=$1 AND id=$2`, tenantID, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	return o, err
}

func (p *Postgres) UpsertRoster(ctx context.Context, tenantID string, drivers []model.Driver, vehicles []model.Vehicle) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, v := range vehicles {
		if _, err := tx.ExecContext(ctx, `INSERT INTO vehicles (id, tenant_id, name, max_weight_kg, max_cylinders) VALUES ($1,$2,$3,$4,$5)
            ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, max_weight_kg=EXCLUDED.max_weight_kg, max_cylinders=EXCLUDED.max_cylinders`,
			v.ID, tenantID, v.Name, v.MaxWeightKg, v.MaxCylinders); err != nil {
			return err
		}
	}
	for _, d := range drivers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO drivers (id, tenant_id, name, vehicle_id, area) VALUES ($1,$2,$3,$4,$5)
            ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, vehicle_id=EXCLUDED.vehicle_id, area=EXCLUDED.area`,
			d.ID, tenantID, d.Name, d.VehicleID, d.Area); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) ListAvailableDrivers(ctx context.Context, tenantID, date, area string) ([]model.Driver, map[string]model.Vehicle, error) {
	q := `SELECT d.id, d.name, d.vehicle_id, d.area FROM drivers d
          WHERE d.tenant_id=$1
            AND ($3 = '' OR d.area IS NULL OR d.area = '' OR d.area = $3)
            AND NOT EXISTS (
              SELECT 1 FROM routes r WHERE r.tenant_id=$1 AND r.driver_id=d.id AND r.date=$2
                AND r.status NOT IN ('cancelled','completed'))
          ORDER BY d.id`
	rows, err := p.db.QueryContext(ctx, q, tenantID, date, area)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	drivers := []model.Driver{}
	for rows.Next() {
		var d model.Driver
		var name, darea sql.NullString
		if err := rows.Scan(&d.ID, &name, &d.VehicleID, &darea); err != nil {
			return nil, nil, err
		}
		d.Name = name.String
		d.Area = darea.String
		drivers = append(drivers, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	vrows, err := p.db.QueryContext(ctx, `SELECT id, name, max_weight_kg, max_cylinders FROM vehicles WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return nil, nil, err
	}
	defer vrows.Close()
	vehicles := map[string]model.Vehicle{}
	for vrows.Next() {
		var v model.Vehicle
		var name sql.NullString
		if err := vrows.Scan(&v.ID, &name, &v.MaxWeightKg, &v.MaxCylinders); err != nil {
			return nil, nil, err
		}
		v.Name = name.String
		vehicles[v.ID] = v
	}
	return drivers, vehicles, vrows.Err()
}

func (p *Postgres) CreateRoute(ctx context.Context, route model.Route) (model.Route, error) {
	if route.ID == "" {
		route.ID = uuid.New().String()
	}
	if err := state.ValidateSequence(route.Stops); err != nil {
		return model.Route{}, err
	}
	if route.Version == 0 {
		route.Version = 1
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UTC()
	route.CreatedAt = now.Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO routes (id, tenant_id, date, area, driver_id, vehicle_id, status, total_distance_m, total_duration_sec, opt_score, is_optimized, degraded, version, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		route.ID, route.TenantID, route.Date, route.Area, route.DriverID, route.VehicleID, route.Status,
		route.TotalDistanceM, route.TotalDurationSec, route.OptimizationScore, route.IsOptimized, route.Degraded, route.Version, now); err != nil {
		return model.Route{}, err
	}
	for i := range route.Stops {
		if route.Stops[i].ID == "" {
			route.Stops[i].ID = uuid.New().String()
		}
		route.Stops[i].RouteID = route.ID
		if err := insertStop(ctx, tx, route.Stops[i]); err != nil {
			return model.Route{}, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET status='assigned' WHERE id=$1 AND tenant_id=$2`, route.Stops[i].OrderID, route.TenantID); err != nil {
			return model.Route{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return route, nil
}

func insertStop(ctx context.Context, tx *sql.Tx, st model.RouteStop) error {
	photos, _ := json.Marshal(st.PhotoRefs)
	_, err := tx.ExecContext(ctx, `
        INSERT INTO route_stops (id, route_id, order_id, seq, lat, lng, eta, actual_arrival, completed, completed_at, note, signature_ref, photo_refs)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		st.ID, st.RouteID, st.OrderID, st.Seq, st.Location.Lat, st.Location.Lng, st.ETA, st.ActualArrival, st.Completed, st.CompletedAt, st.Note, st.SignatureRef, photos)
	return err
}

func (p *Postgres) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	return p.getRoute(ctx, p.db, tenantID, routeID, false)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *Postgres) getRoute(ctx context.Context, q querier, tenantID, routeID string, forUpdate bool) (model.Route, error) {
	sel := `SELECT id, tenant_id, date, area, driver_id, vehicle_id, status, total_distance_m, total_duration_sec, opt_score, is_optimized, degraded, version, created_at
            FROM routes WHERE tenant_id=$1 AND id=$2`
	if forUpdate {
		sel += " FOR UPDATE"
	}
	var r model.Route
	var createdAt time.Time
	err := q.QueryRowContext(ctx, sel, tenantID, routeID).Scan(
		&r.ID, &r.TenantID, &r.Date, &r.Area, &r.DriverID, &r.VehicleID, &r.Status,
		&r.TotalDistanceM, &r.TotalDurationSec, &r.OptimizationScore, &r.IsOptimized, &r.Degraded, &r.Version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, err
	}
	r.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	r.Stops, err = loadStops(ctx, q, routeID)
	return r, err
}

func loadStops(ctx context.Context, q querier, routeID string) ([]model.RouteStop, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, route_id, order_id, seq, lat, lng, eta, actual_arrival, completed, completed_at, note, signature_ref, photo_refs
        FROM route_stops WHERE route_id=$1 ORDER BY seq`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stops := []model.RouteStop{}
	for rows.Next() {
		var st model.RouteStop
		var eta, arr, compAt, note, sig sql.NullString
		var photos []byte
		if err := rows.Scan(&st.ID, &st.RouteID, &st.OrderID, &st.Seq, &st.Location.Lat, &st.Location.Lng, &eta, &arr, &st.Completed, &compAt, &note, &sig, &photos); err != nil {
			return nil, err
		}
		st.ETA = eta.String
		st.ActualArrival = arr.String
		st.CompletedAt = compAt.String
		st.Note = note.String
		st.SignatureRef = sig.String
		if len(photos) > 0 {
			_ = json.Unmarshal(photos, &st.PhotoRefs)
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

func (p *Postgres) ListRoutes(ctx context.Context, tenantID, date, area string) ([]model.Route, error) {
	q := `SELECT id FROM routes WHERE tenant_id=$1`
	args := []any{tenantID}
	if date != "" {
		args = append(args, date)
		q += fmt.Sprintf(" AND date=$%d", len(args))
	}
	if area != "" {
		args = append(args, area)
		q += fmt.Sprintf(" AND area=$%d", len(args))
	}
	q += " ORDER BY created_at"
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Route, 0, len(ids))
	for _, id := range ids {
		r, err := p.GetRoute(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *Postgres) FindRouteByStop(ctx context.Context, tenantID, stopID string) (model.Route, model.RouteStop, error) {
	var routeID string
	err := p.db.QueryRowContext(ctx, `SELECT rs.route_id FROM route_stops rs JOIN routes r ON r.id = rs.route_id
        WHERE rs.id=$1 AND r.tenant_id=$2`, stopID, tenantID).Scan(&routeID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, model.RouteStop{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	r, err := p.GetRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	for _, st := range r.Stops {
		if st.ID == stopID {
			return r, st, nil
		}
	}
	return model.Route{}, model.RouteStop{}, ErrNotFound
}

func (p *Postgres) ActiveRouteForDriver(ctx context.Context, tenantID, driverID string) (model.Route, error) {
	var routeID string
	err := p.db.QueryRowContext(ctx, `SELECT id FROM routes WHERE tenant_id=$1 AND driver_id=$2 AND status='in_progress' LIMIT 1`, tenantID, driverID).Scan(&routeID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) ReplaceRoutePlan(ctx context.Context, tenantID, routeID string, stops []model.RouteStop, totalDistM, totalDurSec int, score float64, degraded bool) (model.Route, error) {
	if err := state.ValidateSequence(stops); err != nil {
		return model.Route{}, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the route row so a racing "start route" either beats us (and we
	// reject) or waits for the replacement to land.
	r, err := p.getRoute(ctx, tx, tenantID, routeID, true)
	if err != nil {
		return model.Route{}, err
	}
	if err := state.CheckReplan(r); err != nil {
		return model.Route{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE route_id=$1`, routeID); err != nil {
		return model.Route{}, err
	}
	for i := range stops {
		if stops[i].ID == "" {
			stops[i].ID = uuid.New().String()
		}
		stops[i].RouteID = routeID
		if err := insertStop(ctx, tx, stops[i]); err != nil {
			return model.Route{}, err
		}
	}
	status := model.RouteOptimized
	if degraded {
		status = model.RoutePlanned
	}
	if _, err := tx.ExecContext(ctx, `UPDATE routes SET status=$1, total_distance_m=$2, total_duration_sec=$3, opt_score=$4, is_optimized=$5, degraded=$6, version=version+1
        WHERE id=$7 AND tenant_id=$8`, status, totalDistM, totalDurSec, score, !degraded, degraded, routeID, tenantID); err != nil {
		return model.Route{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) AppendStop(ctx context.Context, tenantID, routeID string, stop model.RouteStop) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()
	r, err := p.getRoute(ctx, tx, tenantID, routeID, true)
	if err != nil {
		return model.Route{}, err
	}
	if err := state.CheckAppendStop(r); err != nil {
		return model.Route{}, err
	}
	if stop.ID == "" {
		stop.ID = uuid.New().String()
	}
	stop.RouteID = routeID
	stop.Seq = len(r.Stops) + 1
	if err := insertStop(ctx, tx, stop); err != nil {
		return model.Route{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status='assigned' WHERE id=$1 AND tenant_id=$2`, stop.OrderID, tenantID); err != nil {
		return model.Route{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE routes SET version=version+1 WHERE id=$1`, routeID); err != nil {
		return model.Route{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) StartRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()
	r, err := p.getRoute(ctx, tx, tenantID, routeID, true)
	if err != nil {
		return model.Route{}, err
	}
	if err := state.CheckStart(r); err != nil {
		return model.Route{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE routes SET status='in_progress', version=version+1 WHERE id=$1 AND tenant_id=$2 AND status IN ('planned','optimized')`, routeID, tenantID); err != nil {
		return model.Route{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) CompleteStop(ctx context.Context, tenantID, stopID string, c model.StopCompletion) (model.Route, model.RouteStop, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var routeID string
	err = tx.QueryRowContext(ctx, `SELECT rs.route_id FROM route_stops rs JOIN routes r ON r.id = rs.route_id
        WHERE rs.id=$1 AND r.tenant_id=$2`, stopID, tenantID).Scan(&routeID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, model.RouteStop{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	r, err := p.getRoute(ctx, tx, tenantID, routeID, true)
	if err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	var cur model.RouteStop
	for _, st := range r.Stops {
		if st.ID == stopID {
			cur = st
		}
	}
	if cur.Completed {
		return model.Route{}, model.RouteStop{}, ErrStopCompleted
	}
	if err := state.CheckCompleteStop(r, cur); err != nil {
		return model.Route{}, model.RouteStop{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	photos, _ := json.Marshal(c.PhotoRefs)
	res, err := tx.ExecContext(ctx, `UPDATE route_stops SET completed=true, completed_at=$1,
        actual_arrival=COALESCE(NULLIF(actual_arrival,''), $1), note=$2, signature_ref=$3, photo_refs=$4
        WHERE id=$5 AND completed=false`, now, c.Note, c.SignatureRef, photos, stopID)
	if err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Route{}, model.RouteStop{}, ErrStopCompleted
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status='delivered' WHERE id=$1 AND tenant_id=$2`, cur.OrderID, tenantID); err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE routes SET version=version+1 WHERE id=$1`, routeID); err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	out, err := p.GetRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	for _, st := range out.Stops {
		if st.ID == stopID {
			return out, st, nil
		}
	}
	return out, model.RouteStop{}, ErrNotFound
}

func (p *Postgres) CompleteRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()
	r, err := p.getRoute(ctx, tx, tenantID, routeID, true)
	if err != nil {
		return model.Route{}, err
	}
	if err := state.CheckCompleteRoute(r); err != nil {
		return model.Route{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE routes SET status='completed', version=version+1 WHERE id=$1 AND status='in_progress'`, routeID); err != nil {
		return model.Route{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) CancelRoute(ctx context.Context, tenantID, routeID string) (model.Route, []string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()
	r, err := p.getRoute(ctx, tx, tenantID, routeID, true)
	if err != nil {
		return model.Route{}, nil, err
	}
	if err := state.CheckCancel(r); err != nil {
		return model.Route{}, nil, err
	}
	released := []string{}
	for _, st := range r.Stops {
		if st.Completed {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET status='unassigned' WHERE id=$1 AND tenant_id=$2`, st.OrderID, tenantID); err != nil {
			return model.Route{}, nil, err
		}
		released = append(released, st.OrderID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE routes SET status='cancelled', version=version+1 WHERE id=$1`, routeID); err != nil {
		return model.Route{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, nil, err
	}
	out, err := p.GetRoute(ctx, tenantID, routeID)
	return out, released, err
}

func (p *Postgres) GetSyncEntry(ctx context.Context, tenantID, key string) (model.OfflineSyncEntry, model.SyncEntryResult, error) {
	var payload, result []byte
	var entry model.OfflineSyncEntry
	var res model.SyncEntryResult
	err := p.db.QueryRowContext(ctx, `SELECT device_id, local_seq, stop_id, payload, status, COALESCE(reason,''), result
        FROM sync_entries WHERE tenant_id=$1 AND key=$2`, tenantID, key).Scan(
		&entry.DeviceID, &entry.LocalSeq, &entry.StopID, &payload, &entry.Status, &entry.Reason, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OfflineSyncEntry{}, model.SyncEntryResult{}, ErrNotFound
	}
	if err != nil {
		return model.OfflineSyncEntry{}, model.SyncEntryResult{}, err
	}
	_ = json.Unmarshal(payload, &entry.Completion)
	_ = json.Unmarshal(result, &res)
	return entry, res, nil
}

func (p *Postgres) SaveSyncEntry(ctx context.Context, tenantID string, entry model.OfflineSyncEntry, result model.SyncEntryResult) error {
	payload, _ := json.Marshal(entry.Completion)
	res, _ := json.Marshal(result)
	_, err := p.db.ExecContext(ctx, `INSERT INTO sync_entries (tenant_id, key, device_id, local_seq, stop_id, payload, status, reason, result)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (tenant_id, key) DO UPDATE SET status=EXCLUDED.status, reason=EXCLUDED.reason, result=EXCLUDED.result`,
		tenantID, entry.IdempotencyKey(), entry.DeviceID, entry.LocalSeq, entry.StopID, payload, entry.Status, entry.Reason, res)
	return err
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	sub := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	events, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
		sub.ID, sub.TenantID, sub.URL, events, sub.Secret)
	return sub, err
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	subs, err := p.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := []model.Subscription{}
	for _, s := range subs {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, url, events, COALESCE(secret,'') FROM subscriptions WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		s.TenantID = tenantID
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`, id, tenantID, subscriptionID, eventType, url, secret, payload)
	return id, err
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, tenant_id, COALESCE(subscription_id,''), event_type, url, COALESCE(secret,''), payload, attempts
        FROM webhook_deliveries WHERE status='pending' AND next_attempt_at <= now() ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Attempts); err != nil {
			return nil, err
		}
		d.Status = "pending"
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, last_error=$1, response_code=$2, latency_ms=$3, delivered_at=now() WHERE id=$4`,
			lastError, responseCode, latencyMs, id)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, next_attempt_at=$1, last_error=$2, response_code=$3, latency_ms=$4 WHERE id=$5`,
		nextAttemptAt, lastError, responseCode, latencyMs, id)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', attempts=attempts+1, last_error=$1, response_code=$2, latency_ms=$3 WHERE id=$4`,
		lastError, responseCode, latencyMs, id)
	return err
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
