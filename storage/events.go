package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eddielth/device-comm/model"
)

// SQLEventStore writes events to the events table as JSON.
type SQLEventStore struct {
	*Database
	ownsDB bool
}

// NewSQLEventStore creates a store on db. When owned, Close closes db.
func NewSQLEventStore(db *Database, owned bool) *SQLEventStore {
	return &SQLEventStore{Database: db, ownsDB: owned}
}

func (s *SQLEventStore) Name() string { return "sql:" + string(s.dialect.name) }

func (s *SQLEventStore) StoreEvent(ctx context.Context, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serialize event failed: %w", err)
	}
	meta := event.Meta()
	err = s.exec(ctx, s.db, `INSERT INTO events (id, kind, device_token, assignment_token, site_token, event_date, received_date, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, event.EventKind().String(), meta.DeviceToken, meta.AssignmentToken, meta.SiteToken,
		toUnix(meta.EventDate), toUnix(meta.ReceivedDate), string(payload))
	if err != nil {
		return fmt.Errorf("insert event %s failed: %w", meta.ID, err)
	}
	return nil
}

// CountEvents returns how many events of kind are stored for a device
func (s *SQLEventStore) CountEvents(ctx context.Context, deviceToken string, kind model.EventKind) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM events WHERE device_token = ? AND kind = ?`, deviceToken, kind.String()).Scan(&n)
	return n, err
}

func (s *SQLEventStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.Database.Close()
}
