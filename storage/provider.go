package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/model"
)

// SQLProvider is a management.Provider over a SQL database.
type SQLProvider struct {
	*Database
}

// NewSQLProvider creates a provider on an open database
func NewSQLProvider(db *Database) *SQLProvider {
	return &SQLProvider{Database: db}
}

var _ management.Provider = (*SQLProvider)(nil)

func notFound(kind, token string) error {
	return fmt.Errorf("%s %q: %w", kind, token, management.ErrNotFound)
}

func duplicate(kind, token string) error {
	return fmt.Errorf("%s %q: %w", kind, token, management.ErrDuplicate)
}

func marshalText(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalText(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func (p *SQLProvider) GetDevice(ctx context.Context, token string) (*model.Device, error) {
	return p.getDevice(ctx, p.db, token)
}

func (p *SQLProvider) getDevice(ctx context.Context, q sqlExecer, token string) (*model.Device, error) {
	var (
		d         model.Device
		comments  sql.NullString
		metadata  sql.NullString
		createdAt int64
	)
	err := p.queryRow(ctx, q, `SELECT token, specification_token, site_token, parent_token, assignment_token, comments, metadata, created_at
		FROM devices WHERE token = ?`, token).
		Scan(&d.Token, &d.SpecificationToken, &d.SiteToken, &d.ParentToken, &d.AssignmentToken, &comments, &metadata, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("device", token)
	}
	if err != nil {
		return nil, fmt.Errorf("query device %q failed: %w", token, err)
	}
	d.Comments = comments.String
	d.CreatedAt = fromUnix(createdAt)
	if err := unmarshalText(metadata, &d.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of device %q failed: %w", token, err)
	}

	rows, err := p.query(ctx, q, `SELECT path, device_token FROM element_mappings WHERE gateway_token = ? ORDER BY position`, token)
	if err != nil {
		return nil, fmt.Errorf("query element mappings of %q failed: %w", token, err)
	}
	defer rows.Close()
	for rows.Next() {
		var m model.DeviceElementMapping
		if err := rows.Scan(&m.Path, &m.DeviceToken); err != nil {
			return nil, err
		}
		d.ElementMappings = append(d.ElementMappings, m)
	}
	return &d, rows.Err()
}

func (p *SQLProvider) CreateDevice(ctx context.Context, d *model.Device) (*model.Device, error) {
	if d.Token == "" {
		d.Token = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalText(mapOrNil(d.Metadata))
	if err != nil {
		return nil, err
	}

	var out *model.Device
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		found, err := p.exists(ctx, tx, `SELECT 1 FROM devices WHERE token = ?`, d.Token)
		if err != nil {
			return err
		}
		if found {
			return duplicate("device", d.Token)
		}
		err = p.exec(ctx, tx, `INSERT INTO devices (token, specification_token, site_token, parent_token, assignment_token, comments, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.Token, d.SpecificationToken, d.SiteToken, d.ParentToken, d.AssignmentToken, d.Comments, metadata, toUnix(d.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert device %q failed: %w", d.Token, err)
		}
		if err := p.insertMappings(ctx, tx, d.Token, d.ElementMappings, 0); err != nil {
			return err
		}
		out, err = p.getDevice(ctx, tx, d.Token)
		return err
	})
	return out, err
}

func (p *SQLProvider) UpdateDevice(ctx context.Context, d *model.Device) error {
	metadata, err := marshalText(mapOrNil(d.Metadata))
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		found, err := p.exists(ctx, tx, `SELECT 1 FROM devices WHERE token = ?`, d.Token)
		if err != nil {
			return err
		}
		if !found {
			return notFound("device", d.Token)
		}
		err = p.exec(ctx, tx, `UPDATE devices SET specification_token = ?, site_token = ?, parent_token = ?, assignment_token = ?, comments = ?, metadata = ?
			WHERE token = ?`,
			d.SpecificationToken, d.SiteToken, d.ParentToken, d.AssignmentToken, d.Comments, metadata, d.Token)
		if err != nil {
			return fmt.Errorf("update device %q failed: %w", d.Token, err)
		}
		if err := p.exec(ctx, tx, `DELETE FROM element_mappings WHERE gateway_token = ?`, d.Token); err != nil {
			return err
		}
		return p.insertMappings(ctx, tx, d.Token, d.ElementMappings, 0)
	})
}

func (p *SQLProvider) insertMappings(ctx context.Context, tx *sql.Tx, gateway string, mappings []model.DeviceElementMapping, from int) error {
	for i, m := range mappings {
		err := p.exec(ctx, tx, `INSERT INTO element_mappings (gateway_token, path, device_token, position) VALUES (?, ?, ?, ?)`,
			gateway, m.Path, m.DeviceToken, from+i)
		if err != nil {
			return fmt.Errorf("insert element mapping %q of %q failed: %w", m.Path, gateway, err)
		}
	}
	return nil
}

func mapOrNil(m map[string]string) any {
	if m == nil {
		return nil
	}
	return m
}

func (p *SQLProvider) GetDeviceSpecification(ctx context.Context, token string) (*model.DeviceSpecification, error) {
	var s model.DeviceSpecification
	err := p.queryRow(ctx, p.db, `SELECT token, name FROM specifications WHERE token = ?`, token).Scan(&s.Token, &s.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("specification", token)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *SQLProvider) CreateDeviceSpecification(ctx context.Context, s *model.DeviceSpecification) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		found, err := p.exists(ctx, tx, `SELECT 1 FROM specifications WHERE token = ?`, s.Token)
		if err != nil {
			return err
		}
		if found {
			return duplicate("specification", s.Token)
		}
		return p.exec(ctx, tx, `INSERT INTO specifications (token, name) VALUES (?, ?)`, s.Token, s.Name)
	})
}

func (p *SQLProvider) GetSite(ctx context.Context, token string) (*model.Site, error) {
	var (
		s         model.Site
		createdAt int64
	)
	err := p.queryRow(ctx, p.db, `SELECT token, name, created_at FROM sites WHERE token = ?`, token).Scan(&s.Token, &s.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("site", token)
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromUnix(createdAt)
	return &s, nil
}

// ListSites returns sites ordered by creation time, then token.
func (p *SQLProvider) ListSites(ctx context.Context) ([]model.Site, error) {
	rows, err := p.query(ctx, p.db, `SELECT token, name, created_at FROM sites ORDER BY created_at, token`)
	if err != nil {
		return nil, fmt.Errorf("list sites failed: %w", err)
	}
	defer rows.Close()

	out := []model.Site{}
	for rows.Next() {
		var (
			s         model.Site
			createdAt int64
		)
		if err := rows.Scan(&s.Token, &s.Name, &createdAt); err != nil {
			return nil, err
		}
		s.CreatedAt = fromUnix(createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *SQLProvider) CreateSite(ctx context.Context, s *model.Site) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		found, err := p.exists(ctx, tx, `SELECT 1 FROM sites WHERE token = ?`, s.Token)
		if err != nil {
			return err
		}
		if found {
			return duplicate("site", s.Token)
		}
		return p.exec(ctx, tx, `INSERT INTO sites (token, name, created_at) VALUES (?, ?, ?)`, s.Token, s.Name, toUnix(s.CreatedAt))
	})
}

func (p *SQLProvider) GetAssignment(ctx context.Context, token string) (*model.DeviceAssignment, error) {
	return p.getAssignment(ctx, p.db, token)
}

func (p *SQLProvider) getAssignment(ctx context.Context, q sqlExecer, token string) (*model.DeviceAssignment, error) {
	var (
		a         model.DeviceAssignment
		metadata  sql.NullString
		createdAt int64
	)
	err := p.queryRow(ctx, q, `SELECT token, device_token, site_token, asset_type, asset_id, status, metadata, created_at
		FROM assignments WHERE token = ?`, token).
		Scan(&a.Token, &a.DeviceToken, &a.SiteToken, &a.AssetType, &a.AssetID, &a.Status, &metadata, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("assignment", token)
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = fromUnix(createdAt)
	if err := unmarshalText(metadata, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *SQLProvider) GetCurrentAssignment(ctx context.Context, deviceToken string) (*model.DeviceAssignment, error) {
	var token string
	err := p.queryRow(ctx, p.db, `SELECT assignment_token FROM devices WHERE token = ?`, deviceToken).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("device", deviceToken)
	}
	if err != nil {
		return nil, err
	}
	a, err := p.getAssignment(ctx, p.db, token)
	if errors.Is(err, management.ErrNotFound) || (err == nil && a.Status != model.AssignmentActive) {
		return nil, notFound("current assignment of device", deviceToken)
	}
	return a, err
}

func (p *SQLProvider) CreateAssignment(ctx context.Context, a *model.DeviceAssignment) (*model.DeviceAssignment, error) {
	if a.Token == "" {
		a.Token = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = model.AssignmentActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalText(mapOrNil(a.Metadata))
	if err != nil {
		return nil, err
	}

	err = p.inTx(ctx, func(tx *sql.Tx) error {
		found, err := p.exists(ctx, tx, `SELECT 1 FROM devices WHERE token = ?`, a.DeviceToken)
		if err != nil {
			return err
		}
		if !found {
			return notFound("device", a.DeviceToken)
		}
		if found, err = p.exists(ctx, tx, `SELECT 1 FROM assignments WHERE token = ?`, a.Token); err != nil {
			return err
		}
		if found {
			return duplicate("assignment", a.Token)
		}
		err = p.exec(ctx, tx, `INSERT INTO assignments (token, device_token, site_token, asset_type, asset_id, status, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.Token, a.DeviceToken, a.SiteToken, a.AssetType, a.AssetID, a.Status, metadata, toUnix(a.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert assignment failed: %w", err)
		}
		return p.exec(ctx, tx, `UPDATE devices SET assignment_token = ? WHERE token = ?`, a.Token, a.DeviceToken)
	})
	if err != nil {
		return nil, err
	}
	out := *a
	return &out, nil
}

func (p *SQLProvider) GetCommand(ctx context.Context, token string) (*model.DeviceCommand, error) {
	var (
		c           model.DeviceCommand
		description sql.NullString
		params      sql.NullString
	)
	err := p.queryRow(ctx, p.db, `SELECT token, specification_token, namespace, name, description, parameters FROM commands WHERE token = ?`, token).
		Scan(&c.Token, &c.SpecificationToken, &c.Namespace, &c.Name, &description, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("command", token)
	}
	if err != nil {
		return nil, err
	}
	c.Description = description.String
	if err := unmarshalText(params, &c.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of command %q failed: %w", token, err)
	}
	return &c, nil
}

func (p *SQLProvider) CreateCommand(ctx context.Context, c *model.DeviceCommand) error {
	var params any
	if len(c.Parameters) > 0 {
		params = c.Parameters
	}
	encoded, err := marshalText(params)
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		found, err := p.exists(ctx, tx, `SELECT 1 FROM commands WHERE token = ?`, c.Token)
		if err != nil {
			return err
		}
		if found {
			return duplicate("command", c.Token)
		}
		return p.exec(ctx, tx, `INSERT INTO commands (token, specification_token, namespace, name, description, parameters) VALUES (?, ?, ?, ?, ?, ?)`,
			c.Token, c.SpecificationToken, c.Namespace, c.Name, c.Description, encoded)
	})
}

func (p *SQLProvider) AddElementMapping(ctx context.Context, gatewayToken string, m model.DeviceElementMapping) (*model.Device, error) {
	var gw *model.Device
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		current, err := p.getDevice(ctx, tx, gatewayToken)
		if err != nil {
			return err
		}
		found, err := p.exists(ctx, tx, `SELECT 1 FROM devices WHERE token = ?`, m.DeviceToken)
		if err != nil {
			return err
		}
		if !found {
			return notFound("device", m.DeviceToken)
		}
		for _, existing := range current.ElementMappings {
			if existing.Path == m.Path {
				return fmt.Errorf("path %q of %q: %w", m.Path, gatewayToken, management.ErrDuplicate)
			}
		}
		if err := p.insertMappings(ctx, tx, gatewayToken, []model.DeviceElementMapping{m}, len(current.ElementMappings)); err != nil {
			return err
		}
		if err := p.exec(ctx, tx, `UPDATE devices SET parent_token = ? WHERE token = ?`, gatewayToken, m.DeviceToken); err != nil {
			return err
		}
		gw, err = p.getDevice(ctx, tx, gatewayToken)
		return err
	})
	return gw, err
}

func (p *SQLProvider) CreateStream(ctx context.Context, s *model.DeviceStream) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		found, err := p.exists(ctx, tx, `SELECT 1 FROM streams WHERE assignment_token = ? AND stream_id = ?`, s.AssignmentToken, s.StreamID)
		if err != nil {
			return err
		}
		if found {
			return duplicate("stream", s.StreamID)
		}
		return p.exec(ctx, tx, `INSERT INTO streams (assignment_token, stream_id, content_type, created_at) VALUES (?, ?, ?, ?)`,
			s.AssignmentToken, s.StreamID, s.ContentType, toUnix(s.CreatedAt))
	})
}

func (p *SQLProvider) GetStream(ctx context.Context, assignmentToken, streamID string) (*model.DeviceStream, error) {
	var (
		s         model.DeviceStream
		createdAt int64
	)
	err := p.queryRow(ctx, p.db, `SELECT assignment_token, stream_id, content_type, created_at FROM streams WHERE assignment_token = ? AND stream_id = ?`,
		assignmentToken, streamID).Scan(&s.AssignmentToken, &s.StreamID, &s.ContentType, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("stream", streamID)
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromUnix(createdAt)
	return &s, nil
}

func (p *SQLProvider) AddStreamData(ctx context.Context, d *model.DeviceStreamData) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		found, err := p.exists(ctx, tx, `SELECT 1 FROM streams WHERE assignment_token = ? AND stream_id = ?`, d.AssignmentToken, d.StreamID)
		if err != nil {
			return err
		}
		if !found {
			return notFound("stream", d.StreamID)
		}
		found, err = p.exists(ctx, tx, `SELECT 1 FROM stream_data WHERE assignment_token = ? AND stream_id = ? AND sequence_number = ?`,
			d.AssignmentToken, d.StreamID, d.SequenceNumber)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("chunk %d of stream %q: %w", d.SequenceNumber, d.StreamID, management.ErrDuplicate)
		}
		return p.exec(ctx, tx, `INSERT INTO stream_data (assignment_token, stream_id, sequence_number, data, event_date) VALUES (?, ?, ?, ?, ?)`,
			d.AssignmentToken, d.StreamID, d.SequenceNumber, d.Data, toUnix(d.EventDate))
	})
}

func (p *SQLProvider) GetStreamData(ctx context.Context, assignmentToken, streamID string, sequence int64) (*model.DeviceStreamData, error) {
	var (
		c         model.DeviceStreamData
		eventDate int64
	)
	err := p.queryRow(ctx, p.db, `SELECT assignment_token, stream_id, sequence_number, data, event_date FROM stream_data
		WHERE assignment_token = ? AND stream_id = ? AND sequence_number = ?`, assignmentToken, streamID, sequence).
		Scan(&c.AssignmentToken, &c.StreamID, &c.SequenceNumber, &c.Data, &eventDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("stream chunk", fmt.Sprintf("%s/%d", streamID, sequence))
	}
	if err != nil {
		return nil, err
	}
	c.EventDate = fromUnix(eventDate)
	return &c, nil
}
