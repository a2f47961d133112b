package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eddielth/device-comm/model"
)

// FileStore writes each event as an indented JSON file under
// basePath/<device>/<kind>/.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if needed
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	log.Info("init file storage: %s", basePath)
	return &FileStore{basePath: basePath}, nil
}

func (fs *FileStore) Name() string { return "file:" + fs.basePath }

// StoreEvent saves event to a file named by event date and id
func (fs *FileStore) StoreEvent(_ context.Context, event model.Event) error {
	meta := event.Meta()
	dir := filepath.Join(fs.basePath, safeName(meta.DeviceToken), event.EventKind().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", dir, err)
	}

	filename := filepath.Join(dir, fmt.Sprintf("%s-%s.json", meta.EventDate.UTC().Format("20060102-150405.000"), safeName(meta.ID)))

	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize event failed: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}

	log.Debug("stored event to file: %s", filename)
	return nil
}

func (fs *FileStore) Close() error {
	return nil
}

// safeName keeps tokens from escaping the base directory
func safeName(s string) string {
	if s == "" {
		return "_"
	}
	return filepath.Base(filepath.Clean("/" + s))
}
