package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKey is returned for keys that are empty, absolute or escape
	// their prefix.
	ErrInvalidKey = errors.New("invalid object key")
	// ErrSizeMismatch is returned when a write delivers fewer or more bytes
	// than announced.
	ErrSizeMismatch = errors.New("object size mismatch")
)

// checkKey accepts slash separated relative keys such as
// "attachments/u1/01J..png".
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.ContainsAny(key, "\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
