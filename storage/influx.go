package storage

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/eddielth/device-comm/model"
)

// InfluxConfig addresses an InfluxDB 2 bucket
type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// InfluxStore writes measurement, location, alert and state change events
// as points. Other kinds are skipped.
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxStore creates a store using the blocking write API.
func NewInfluxStore(cfg InfluxConfig) (*InfluxStore, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx store requires url and bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxStore{client: client, writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}, nil
}

func (s *InfluxStore) Name() string { return "influx" }

func (s *InfluxStore) StoreEvent(ctx context.Context, event model.Event) error {
	point := eventPoint(event)
	if point == nil {
		return nil
	}
	return s.writeAPI.WritePoint(ctx, point)
}

// eventPoint maps an event to a point, or nil when the kind has no
// time-series form.
func eventPoint(event model.Event) *write.Point {
	meta := event.Meta()
	tags := map[string]string{"device": meta.DeviceToken}
	if meta.AssignmentToken != "" {
		tags["assignment"] = meta.AssignmentToken
	}
	if meta.SiteToken != "" {
		tags["site"] = meta.SiteToken
	}

	fields := map[string]interface{}{}
	switch e := event.(type) {
	case *model.MeasurementsEvent:
		if len(e.Measurements) == 0 {
			return nil
		}
		for name, v := range e.Measurements {
			fields[name] = v
		}
	case *model.LocationEvent:
		fields["latitude"] = e.Latitude
		fields["longitude"] = e.Longitude
		fields["elevation"] = e.Elevation
	case *model.AlertEvent:
		tags["type"] = e.Type
		fields["level"] = string(e.Level)
		fields["message"] = e.Message
	case *model.StateChangeEvent:
		tags["attribute"] = e.Attribute
		fields["new_state"] = e.NewState
		fields["previous_state"] = e.PreviousState
	default:
		return nil
	}
	return write.NewPoint(event.EventKind().String(), tags, fields, meta.EventDate)
}

func (s *InfluxStore) Close() error {
	s.client.Close()
	return nil
}
