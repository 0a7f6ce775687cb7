package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidKey indicates a storage key that is empty or escapes the store root.
	ErrInvalidKey = errors.New("capture: invalid storage key")
	// ErrInvalidStoreConfig indicates missing backend settings.
	ErrInvalidStoreConfig = errors.New("capture: invalid store config")
)

// Store archives enrollment captures under opaque keys. Save failures abort
// the enrollment that produced the capture; Delete failures are the caller's
// choice to tolerate.
type Store interface {
	Save(ctx context.Context, key string, image []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

// StorageKey builds the date-partitioned key a capture is archived under.
func StorageKey(now time.Time, id string) string {
	return fmt.Sprintf("captures/%d/%d/%d/%s.jpg", now.Year(), int(now.Month()), now.Day(), id)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
