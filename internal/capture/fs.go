package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FSStoreConfig bundles settings for the local-disk backend.
type FSStoreConfig struct {
	BaseDir string
	Logger  *zap.Logger
}

// FSStore writes captures under a base directory on local disk.
type FSStore struct {
	baseDir string
	logger  *zap.Logger
}

// NewFSStore constructs the local-disk backend, creating the base directory
// when absent.
func NewFSStore(cfg FSStoreConfig) (*FSStore, error) {
	baseDir := strings.TrimSpace(cfg.BaseDir)
	if baseDir == "" {
		return nil, fmt.Errorf("%w: base directory required", ErrInvalidStoreConfig)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("capture: creating base directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FSStore{baseDir: baseDir, logger: logger}, nil
}

// Save writes the image to the key's path under the base directory.
func (s *FSStore) Save(ctx context.Context, key string, image []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(image) == 0 {
		return errors.New("capture: image must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("capture: creating key directory: %w", err)
	}
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return fmt.Errorf("capture: writing %s: %w", key, err)
	}

	s.logger.Debug("capture stored", zap.String("key", key), zap.Int("bytes", len(image)))
	return nil
}

// Delete removes the stored capture. A missing file is not an error.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("capture: removing %s: %w", key, err)
	}
	return nil
}
