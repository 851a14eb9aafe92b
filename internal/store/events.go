package store

import (
	"context"
	"fmt"
	"time"
)

// Event kinds recorded in the device event journal.
const (
	EventAuto     = "auto"
	EventPump     = "pump"
	EventPresence = "presence"
)

// DeviceEvent is one journal entry.
type DeviceEvent struct {
	ID         int64     `json:"id"`
	ThingName  string    `json:"thing_name"`
	Kind       string    `json:"kind"`
	Value      bool      `json:"value"`
	Delivered  bool      `json:"delivered"` // pushed to a live session
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordDeviceEvent appends an entry to the device event journal.
func (s *Store) RecordDeviceEvent(ctx context.Context, thingName, kind string, value, delivered bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_events (thing_name, kind, value, delivered, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, thingName, kind, value, delivered, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record device event: %w", err)
	}
	return nil
}

// GetDeviceEvents returns the newest events for a device, newest first.
func (s *Store) GetDeviceEvents(ctx context.Context, thingName string, limit int) ([]DeviceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thing_name, kind, value, delivered, recorded_at
		FROM device_events WHERE thing_name = ?
		ORDER BY recorded_at DESC, id DESC LIMIT ?
	`, thingName, limit)
	if err != nil {
		return nil, fmt.Errorf("get device events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []DeviceEvent
	for rows.Next() {
		var e DeviceEvent
		if err := rows.Scan(&e.ID, &e.ThingName, &e.Kind, &e.Value, &e.Delivered, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan device event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CleanupOldEvents deletes journal entries older than retention.
func (s *Store) CleanupOldEvents(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_events WHERE recorded_at < ?`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}

// StartRetentionCleanup periodically trims the event journal until ctx is done.
func (s *Store) StartRetentionCleanup(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Dur("retention", retention).Msg("starting retention cleanup loop")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retention cleanup loop stopped")
			return
		case <-ticker.C:
			n, err := s.CleanupOldEvents(ctx, retention)
			if err != nil {
				s.log.Error().Err(err).Msg("retention cleanup failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int64("events", n).Msg("retention cleanup complete")
			}
		}
	}
}
