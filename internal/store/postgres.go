package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"weather-push-go/internal/models"

	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// RunMigrations creates tables if they don't exist and applies schema updates
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}

	migrations := []string{
		`ALTER TABLE last_cities ADD COLUMN IF NOT EXISTS last_push_at TIMESTAMP WITH TIME ZONE;`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Subscription methods

func (s *PostgresStore) UpsertSubscription(ctx context.Context, endpoint string, keys models.Keys) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (endpoint, p256dh, auth, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (endpoint) DO UPDATE
		 SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth, updated_at = NOW()`,
		endpoint, keys.P256dh, keys.Auth,
	)
	return storageErr("upsert subscription", err)
}

func (s *PostgresStore) RemoveSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	return storageErr("remove subscription", err)
}

func (s *PostgresStore) SubscriptionExists(ctx context.Context, endpoint string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM push_subscriptions WHERE endpoint = $1)`,
		endpoint,
	).Scan(&exists)
	if err != nil {
		return false, storageErr("subscription exists", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, endpoint string) (models.Subscription, error) {
	var sub models.Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT endpoint, p256dh, auth, created_at, updated_at FROM push_subscriptions WHERE endpoint = $1`,
		endpoint,
	).Scan(&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &sub.CreatedAt, &sub.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscription{}, ErrNotFound
	}
	if err != nil {
		return models.Subscription{}, storageErr("get subscription", err)
	}
	return sub, nil
}

func (s *PostgresStore) FindSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]models.Subscription, error) {
	query := `SELECT endpoint, p256dh, auth, created_at, updated_at FROM push_subscriptions`
	var args []any
	if filter.Endpoint != "" {
		query += ` WHERE endpoint = $1`
		args = append(args, filter.Endpoint)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("find subscriptions", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, storageErr("scan subscription", err)
		}
		subs = append(subs, sub)
	}
	return subs, storageErr("find subscriptions", rows.Err())
}

// Last city methods

// UpsertCity stores the city for an endpoint. A supplied snapshot replaces
// last_data; without one the old snapshot is kept only if the city did not
// change.
func (s *PostgresStore) UpsertCity(ctx context.Context, endpoint, name string, snapshot *models.Weather, coords *models.Coords, now time.Time) error {
	if err := checkSnapshot(snapshot); err != nil {
		return err
	}

	var temp, lat, lon sql.NullFloat64
	var desc sql.NullString
	if snapshot != nil {
		temp = sql.NullFloat64{Float64: *snapshot.Temp, Valid: true}
		desc = sql.NullString{String: snapshot.Description, Valid: true}
	}
	if coords != nil {
		lat = sql.NullFloat64{Float64: coords.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: coords.Lon, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_cities (endpoint, name, temp, description, lat, lon, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (endpoint) DO UPDATE SET
		   temp = CASE WHEN $8 THEN EXCLUDED.temp
		               WHEN last_cities.name = EXCLUDED.name THEN last_cities.temp END,
		   description = CASE WHEN $8 THEN EXCLUDED.description
		                      WHEN last_cities.name = EXCLUDED.name THEN last_cities.description END,
		   lat = COALESCE(EXCLUDED.lat, CASE WHEN last_cities.name = EXCLUDED.name THEN last_cities.lat END),
		   lon = COALESCE(EXCLUDED.lon, CASE WHEN last_cities.name = EXCLUDED.name THEN last_cities.lon END),
		   name = EXCLUDED.name,
		   updated_at = EXCLUDED.updated_at`,
		endpoint, name, temp, desc, lat, lon, now, snapshot != nil,
	)
	return storageErr("upsert city", err)
}

func (s *PostgresStore) RecordPushSent(ctx context.Context, endpoint string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE last_cities SET last_push_at = $1 WHERE endpoint = $2`,
		now, endpoint,
	)
	return storageErr("record push sent", err)
}

const lastCityColumns = `endpoint, name, temp, description, lat, lon, updated_at, last_push_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLastCity(row rowScanner) (models.LastCity, error) {
	var c models.LastCity
	var temp, lat, lon sql.NullFloat64
	var desc sql.NullString
	var lastPush sql.NullTime

	if err := row.Scan(&c.Endpoint, &c.Name, &temp, &desc, &lat, &lon, &c.UpdatedAt, &lastPush); err != nil {
		return models.LastCity{}, err
	}

	if temp.Valid || desc.Valid {
		w := models.Weather{Description: desc.String}
		if temp.Valid {
			t := temp.Float64
			w.Temp = &t
		}
		c.LastData = &w
	}
	if lat.Valid && lon.Valid {
		c.Coords = &models.Coords{Lat: lat.Float64, Lon: lon.Float64}
	}
	if lastPush.Valid {
		t := lastPush.Time
		c.LastPushAt = &t
	}
	return c, nil
}

func (s *PostgresStore) FindByEndpoint(ctx context.Context, endpoint string) (models.LastCity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lastCityColumns+` FROM last_cities WHERE endpoint = $1`,
		endpoint,
	)
	c, err := scanLastCity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LastCity{}, ErrNotFound
	}
	if err != nil {
		return models.LastCity{}, storageErr("find city", err)
	}
	return c, nil
}

func (s *PostgresStore) FindAll(ctx context.Context) ([]models.LastCity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lastCityColumns+` FROM last_cities ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, storageErr("find cities", err)
	}
	defer rows.Close()

	var cities []models.LastCity
	for rows.Next() {
		c, err := scanLastCity(rows)
		if err != nil {
			return nil, storageErr("scan city", err)
		}
		cities = append(cities, c)
	}
	return cities, storageErr("find cities", rows.Err())
}

func (s *PostgresStore) FindMostRecent(ctx context.Context) (models.LastCity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lastCityColumns+` FROM last_cities ORDER BY updated_at DESC LIMIT 1`,
	)
	c, err := scanLastCity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LastCity{}, ErrNotFound
	}
	if err != nil {
		return models.LastCity{}, storageErr("find most recent city", err)
	}
	return c, nil
}

func (s *PostgresStore) RemoveCity(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM last_cities WHERE endpoint = $1`, endpoint)
	return storageErr("remove city", err)
}
