package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/relabs-tech/telemetry/core/csql"
	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/core/registry"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// Postgres implements Store on a postgres database
type Postgres struct {
	db *csql.DB

	deviceTable  string
	grantTable   string
	readingTable string
	numberFunc   string
}

// NewPostgres returns a postgres store. It creates the sql relations if they do not exist.
func NewPostgres(db *csql.DB) *Postgres {
	if db == nil {
		panic("DB is missing")
	}
	p := &Postgres{
		db:           db,
		deviceTable:  db.Table("device"),
		grantTable:   db.Table("user_device"),
		readingTable: db.Table("reading"),
		numberFunc:   db.Schema + ".reading_number",
	}
	p.createTablesIfNotExists()
	if err := p.checkSchemaVersion(context.Background()); err != nil {
		panic(err)
	}
	return p
}

// SchemaVersion is the version of the tables created by NewPostgres
//
// Version 2 adds the idempotency key of readings and the reading_number function.
const SchemaVersion = 2

type schemaInfo struct {
	Version int `json:"version"`
}

// checkSchemaVersion refuses databases written by a newer version and records the
// current version otherwise.
func (p *Postgres) checkSchemaVersion(ctx context.Context) error {
	reg, err := registry.New(p.db)
	if err != nil {
		return err
	}
	accessor := reg.Accessor("store")
	var info schemaInfo
	if _, err := accessor.Read(ctx, "schema", &info); err != nil {
		return err
	}
	if info.Version > SchemaVersion {
		return fmt.Errorf("database schema %s has version %d, this build supports %d", p.db.Schema, info.Version, SchemaVersion)
	}
	if info.Version == SchemaVersion {
		return nil
	}
	logger.Default().Infof("database schema %s at version %d", p.db.Schema, SchemaVersion)
	return accessor.Write(ctx, "schema", schemaInfo{Version: SchemaVersion})
}

// poor man's database migrations
func (p *Postgres) createTablesIfNotExists() {
	_, err := p.db.Exec(`
CREATE TABLE IF NOT EXISTS ` + p.deviceTable + `
(device_id varchar PRIMARY KEY,
display_name varchar NOT NULL,
secret_hash varchar NOT NULL,
created_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ` + p.grantTable + `
(user_id varchar NOT NULL,
device_id varchar NOT NULL REFERENCES ` + p.deviceTable + `(device_id) ON DELETE CASCADE,
created_at timestamptz NOT NULL DEFAULT now(),
PRIMARY KEY(user_id, device_id)
);
CREATE TABLE IF NOT EXISTS ` + p.readingTable + `
(id BIGSERIAL PRIMARY KEY,
owner_key varchar NOT NULL,
topic varchar NOT NULL,
payload json NOT NULL,
qos smallint NOT NULL,
raw boolean NOT NULL DEFAULT false,
flagged boolean NOT NULL DEFAULT false,
created_at timestamptz NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS reading_owner_created_idx ON ` + p.readingTable + ` (owner_key, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS reading_created_idx ON ` + p.readingTable + ` (created_at DESC, id DESC);
ALTER TABLE ` + p.readingTable + ` ADD COLUMN IF NOT EXISTS idempotency_key varchar;
CREATE UNIQUE INDEX IF NOT EXISTS reading_idempotency_key_idx ON ` + p.readingTable + ` (idempotency_key);
CREATE OR REPLACE FUNCTION ` + p.numberFunc + `(v jsonb) RETURNS double precision
LANGUAGE sql IMMUTABLE AS $$
SELECT CASE
WHEN jsonb_typeof(v) = 'number' THEN (v #>> '{}')::double precision
WHEN jsonb_typeof(v) = 'string' AND (v #>> '{}') ~ '^[-+]?([0-9]+\.?[0-9]*|\.[0-9]+)([eE][-+]?[0-9]+)?$' THEN (v #>> '{}')::double precision
END
$$;
`)
	if err != nil {
		panic(err)
	}
}

// CreateDevice implements CredentialStore
func (p *Postgres) CreateDevice(ctx context.Context, id, displayName string) (Device, string, error) {
	secret, hash, err := newSecret()
	if err != nil {
		return Device{}, "", err
	}
	if len(id) == 0 {
		id = NewDeviceID(time.Now())
	}
	if len(displayName) == 0 {
		displayName = id
	}
	device := Device{ID: id, DisplayName: displayName}
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO `+p.deviceTable+`(device_id,display_name,secret_hash) VALUES($1,$2,$3) RETURNING created_at;`,
		id, displayName, string(hash)).Scan(&device.CreatedAt)
	if err != nil {
		if err, ok := err.(*pq.Error); ok && err.Code == "23505" {
			return Device{}, "", ErrConflict
		}
		return Device{}, "", err
	}
	return device, secret, nil
}

// Device implements CredentialStore
func (p *Postgres) Device(ctx context.Context, id string) (Device, error) {
	device := Device{}
	err := p.db.QueryRowContext(ctx,
		`SELECT device_id,display_name,created_at FROM `+p.deviceTable+` WHERE device_id=$1;`,
		id).Scan(&device.ID, &device.DisplayName, &device.CreatedAt)
	if err == csql.ErrNoRows {
		return Device{}, ErrNotFound
	}
	return device, err
}

// Devices implements CredentialStore
func (p *Postgres) Devices(ctx context.Context) ([]Device, error) {
	return p.queryDevices(ctx,
		`SELECT device_id,display_name,created_at FROM `+p.deviceTable+` ORDER BY device_id;`)
}

// VerifyDeviceSecret implements CredentialStore
func (p *Postgres) VerifyDeviceSecret(ctx context.Context, id, secret string) (bool, error) {
	var hash string
	err := p.db.QueryRowContext(ctx,
		`SELECT secret_hash FROM `+p.deviceTable+` WHERE device_id=$1;`, id).Scan(&hash)
	if err == csql.ErrNoRows {
		return compareSecret(nil, secret), nil
	}
	if err != nil {
		return false, err
	}
	return compareSecret([]byte(hash), secret), nil
}

// Assign implements GrantStore
func (p *Postgres) Assign(ctx context.Context, userID, deviceID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.grantTable+`(user_id,device_id) VALUES($1,$2) ON CONFLICT (user_id, device_id) DO NOTHING;`,
		userID, deviceID)
	if err, ok := err.(*pq.Error); ok && err.Code == "23503" {
		return ErrNotFound
	}
	return err
}

// HasGrant implements GrantStore and access.GrantChecker
func (p *Postgres) HasGrant(ctx context.Context, userID, deviceID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+p.grantTable+` WHERE user_id=$1 AND device_id=$2);`,
		userID, deviceID).Scan(&exists)
	return exists, err
}

// DevicesForUser implements GrantStore
func (p *Postgres) DevicesForUser(ctx context.Context, userID string) ([]Device, error) {
	return p.queryDevices(ctx,
		`SELECT d.device_id,d.display_name,d.created_at FROM `+p.deviceTable+` d
		JOIN `+p.grantTable+` g ON g.device_id=d.device_id
		WHERE g.user_id=$1 ORDER BY d.device_id;`, userID)
}

func (p *Postgres) queryDevices(ctx context.Context, query string, args ...interface{}) ([]Device, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := []Device{}
	for rows.Next() {
		d := Device{}
		if err := rows.Scan(&d.ID, &d.DisplayName, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Append implements ReadingStore. A record whose idempotency key is already stored is
// not inserted again, the stored record is returned instead.
func (p *Postgres) Append(ctx context.Context, record telemetry.Record) (telemetry.Record, error) {
	var key interface{}
	if len(record.Key) > 0 {
		key = record.Key
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO `+p.readingTable+`(owner_key,topic,payload,qos,raw,flagged,idempotency_key) VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (idempotency_key) DO NOTHING RETURNING id,created_at;`,
		string(record.OwnerKey), record.Topic, string(record.Payload), int(record.QoS), record.Raw, record.Flagged, key,
	).Scan(&record.ID, &record.CreatedAt)
	if err == csql.ErrNoRows && key != nil {
		records, err := p.queryRecords(ctx,
			`SELECT `+readingColumns+` FROM `+p.readingTable+` WHERE idempotency_key=$1;`, key)
		if err != nil {
			return telemetry.Record{}, err
		}
		if len(records) == 0 {
			return telemetry.Record{}, fmt.Errorf("reading with idempotency key %s vanished", record.Key)
		}
		records[0].Key = record.Key
		return records[0], nil
	}
	if err != nil {
		return telemetry.Record{}, err
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

const readingColumns = `id,owner_key,topic,payload,qos,raw,flagged,created_at`

// RecentFor implements ReadingStore
func (p *Postgres) RecentFor(ctx context.Context, owner telemetry.OwnerKey, limit int) ([]telemetry.Record, error) {
	limit = clampLimit(limit)
	if owner.IsWildcard() {
		return p.queryRecords(ctx,
			`SELECT `+readingColumns+` FROM `+p.readingTable+` ORDER BY created_at DESC, id DESC LIMIT $1;`, limit)
	}
	return p.queryRecords(ctx,
		`SELECT `+readingColumns+` FROM `+p.readingTable+` WHERE owner_key=$1 ORDER BY created_at DESC, id DESC LIMIT $2;`,
		string(owner), limit)
}

// History implements ReadingStore. The aggregation runs in the database, see
// telemetry.Temperatures for the values that make up the average.
func (p *Postgres) History(ctx context.Context, owner telemetry.OwnerKey, bucket telemetry.Bucket, since time.Time) ([]telemetry.HistoryPoint, error) {
	args := []interface{}{string(bucket), since}
	where := `r.created_at>=$2`
	if !owner.IsWildcard() {
		args = append(args, string(owner))
		where += ` AND r.owner_key=$3`
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT date_trunc($1::text, r.created_at AT TIME ZONE 'UTC') AS bucket, count(*), sum(v.total), sum(v.samples)::bigint
FROM `+p.readingTable+` r,
LATERAL (SELECT r.payload::jsonb AS doc) d,
LATERAL (
	SELECT sum(n) AS total, count(n) AS samples FROM (
		SELECT COALESCE(`+p.numberFunc+`(d.doc->'temperature'), `+p.numberFunc+`(d.doc->'temp')) AS n
		UNION ALL
		SELECT COALESCE(`+p.numberFunc+`(e->'temperature'), `+p.numberFunc+`(e->'temp'))
		FROM jsonb_array_elements(CASE WHEN jsonb_typeof(d.doc->'readings') = 'array' THEN d.doc->'readings' ELSE '[]'::jsonb END) e
	) vals
) v
WHERE `+where+`
GROUP BY 1 ORDER BY 1;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	points := []telemetry.HistoryPoint{}
	for rows.Next() {
		var point telemetry.HistoryPoint
		var total sql.NullFloat64
		var samples int64
		if err := rows.Scan(&point.Bucket, &point.Count, &total, &samples); err != nil {
			return nil, err
		}
		point.Bucket = time.Date(point.Bucket.Year(), point.Bucket.Month(), point.Bucket.Day(),
			point.Bucket.Hour(), point.Bucket.Minute(), 0, 0, time.UTC)
		if total.Valid && samples > 0 {
			avg := total.Float64 / float64(samples)
			point.Average = &avg
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

func (p *Postgres) queryRecords(ctx context.Context, query string, args ...interface{}) ([]telemetry.Record, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []telemetry.Record{}
	for rows.Next() {
		r := telemetry.Record{}
		var owner string
		var payload []byte
		var qos int
		if err := rows.Scan(&r.ID, &owner, &r.Topic, &payload, &qos, &r.Raw, &r.Flagged, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.OwnerKey = telemetry.OwnerKey(owner)
		r.Payload = payload
		r.QoS = telemetry.QoS(qos)
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}
