package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Output files are read by the fixing agent, the dashboard and people, so
// they are world-readable. Run state is only read back by the healer.
const (
	ReportPerm os.FileMode = 0o644
	StatePerm  os.FileMode = 0o600
)

type writeConfig struct {
	perm    os.FileMode
	durable bool
}

// WriteOption adjusts how WriteFile publishes a file.
type WriteOption func(*writeConfig)

// WithPerm sets the mode of the published file. The default is ReportPerm.
func WithPerm(perm os.FileMode) WriteOption {
	return func(c *writeConfig) { c.perm = perm }
}

// Durable syncs the file before it is renamed into place and the directory
// after, so a crash leaves either the old or the new content on disk.
func Durable() WriteOption {
	return func(c *writeConfig) { c.durable = true }
}

// WriteFile replaces path with data. Readers never see a partial file: the
// bytes go to a hidden sibling first and are renamed over path.
func WriteFile(path string, data []byte, opts ...WriteOption) error {
	cfg := writeConfig{perm: ReportPerm}
	for _, o := range opts {
		o(&cfg)
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+base+".partial-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", base, err)
	}
	staged := f.Name()
	published := false
	defer func() {
		if !published {
			_ = os.Remove(staged)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", base, err)
	}
	if err := f.Chmod(cfg.perm); err != nil {
		_ = f.Close()
		return fmt.Errorf("chmod %s: %w", base, err)
	}
	if cfg.durable {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync %s: %w", base, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", base, err)
	}

	if err := os.Rename(staged, path); err != nil {
		return fmt.Errorf("publish %s: %w", path, err)
	}
	published = true

	if cfg.durable {
		return syncDir(dir)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// WriteJSON writes v as indented JSON with a trailing newline.
func WriteJSON(path string, v any, opts ...WriteOption) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFile(path, append(data, '\n'), opts...)
}

// ReadJSON decodes the JSON file at path into v. Missing files return an
// error satisfying os.IsNotExist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("decode %s: file is empty", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
