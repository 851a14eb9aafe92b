// Package store implements the Identity Store on SQLite.
//
// It holds the durable user and device records the real-time core reads and writes:
// - each user's current transport id (nullable)
// - each device's owner, thing name and presence flag
// - a journal of device events received through webhooks
//
// Lookups never fail for "not found": they return a nil record and a nil error.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// User is a durable user record.
type User struct {
	ID        int64
	Email     string
	SocketID  *string // nil when no transport is bound
	CreatedAt time.Time
}

// Device is a durable device record. ThingName never changes after provisioning.
type Device struct {
	ID                 int64
	OwnerID            int64
	ThingName          string
	Name               string
	PresenceConnection bool
	CreatedAt          time.Time
}

// Store provides access to users and devices.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// New creates a Store on an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// dsn sets the pragmas on every pooled connection. WAL for concurrent readers,
// busy_timeout so a writer waits for the lock instead of failing with SQLITE_BUSY.
func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		email      TEXT NOT NULL UNIQUE,
		socket_id  TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_users_socket ON users(socket_id);

	CREATE TABLE IF NOT EXISTS devices (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id            INTEGER NOT NULL,
		thing_name          TEXT NOT NULL UNIQUE,
		name                TEXT NOT NULL DEFAULT '',
		presence_connection INTEGER NOT NULL DEFAULT 0,
		created_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (owner_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner_id);

	-- Journal of webhook-delivered device events
	CREATE TABLE IF NOT EXISTS device_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		thing_name  TEXT NOT NULL,
		kind        TEXT NOT NULL,
		value       INTEGER NOT NULL,
		delivered   INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_device_events_thing ON device_events(thing_name, recorded_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// USERS
// ═══════════════════════════════════════════════════════════════════════════

// CreateUser inserts a user and returns it.
func (s *Store) CreateUser(ctx context.Context, email string) (*User, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (email, created_at) VALUES (?, ?)`, email, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID returns the user or nil if absent.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, socket_id, created_at FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// GetUserBySocket returns the user currently bound to socketID or nil.
func (s *Store) GetUserBySocket(ctx context.Context, socketID string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, socket_id, created_at FROM users WHERE socket_id = ?`, socketID))
	if err != nil {
		return nil, fmt.Errorf("get user by socket: %w", err)
	}
	return u, nil
}

// UpdateUserSocketID stores socketID (nil clears it) and returns the updated user,
// or nil if the user does not exist.
func (s *Store) UpdateUserSocketID(ctx context.Context, id int64, socketID *string) (*User, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET socket_id = ? WHERE id = ?`, nullableString(socketID), id)
	if err != nil {
		return nil, fmt.Errorf("update user %d socket: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetUserByID(ctx, id)
}

// ClearAllSocketIDs drops every stored transport id. No transport survives a
// restart, so the server calls this once on startup.
func (s *Store) ClearAllSocketIDs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET socket_id = NULL WHERE socket_id IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("clear socket ids: %w", err)
	}
	return res.RowsAffected()
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var socketID sql.NullString
	err := row.Scan(&u.ID, &u.Email, &socketID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if socketID.Valid {
		u.SocketID = &socketID.String
	}
	return &u, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// DEVICES
// ═══════════════════════════════════════════════════════════════════════════

// CreateDevice provisions a device for an owner.
func (s *Store) CreateDevice(ctx context.Context, ownerID int64, thingName, name string) (*Device, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (owner_id, thing_name, name, created_at) VALUES (?, ?, ?, ?)`,
		ownerID, thingName, name, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	return s.GetDeviceByThingName(ctx, thingName)
}

// GetDeviceByThingName returns the device or nil if absent.
func (s *Store) GetDeviceByThingName(ctx context.Context, thingName string) (*Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, thing_name, name, presence_connection, created_at
		FROM devices WHERE thing_name = ?
	`, thingName))
	if err != nil {
		return nil, fmt.Errorf("get device %q: %w", thingName, err)
	}
	return d, nil
}

// GetDeviceByID returns the device or nil if absent.
func (s *Store) GetDeviceByID(ctx context.Context, id int64) (*Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, thing_name, name, presence_connection, created_at
		FROM devices WHERE id = ?
	`, id))
	if err != nil {
		return nil, fmt.Errorf("get device %d: %w", id, err)
	}
	return d, nil
}

// UpdatePresenceConnection stores the connectivity flag and returns the device as
// read back after the write, or nil if the device does not exist.
func (s *Store) UpdatePresenceConnection(ctx context.Context, deviceID int64, connected bool) (*Device, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET presence_connection = ? WHERE id = ?`, connected, deviceID)
	if err != nil {
		return nil, fmt.Errorf("update device %d presence: %w", deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetDeviceByID(ctx, deviceID)
}

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.OwnerID, &d.ThingName, &d.Name, &d.PresenceConnection, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
