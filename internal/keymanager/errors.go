package keymanager

import (
	"errors"
	"fmt"
)

var (
	// ErrNameRequired is returned when a key is created without a name.
	ErrNameRequired = errors.New("key name is required")
	// ErrDuplicateName is matched by DuplicateNameError via errors.Is.
	ErrDuplicateName = errors.New("key name already exists")
	// ErrKeyNotFound is returned by registry operations addressing a missing key.
	ErrKeyNotFound = errors.New("access key not found")
	// ErrStoreUnavailable wraps any failure of the underlying key store.
	ErrStoreUnavailable = errors.New("key store unavailable")

	// ErrInvalidKey means no active key carries the presented code.
	ErrInvalidKey = errors.New("invalid access key")
	// ErrKeyExpired means the key's expiry time has passed.
	ErrKeyExpired = errors.New("access key has expired")
	// ErrQuotaExhausted means the key has no uses left.
	ErrQuotaExhausted = errors.New("access key usage quota exhausted")
)

// DuplicateNameError reports the conflicting name of a rejected CreateKey call.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("key name %q already exists", e.Name)
}

func (e *DuplicateNameError) Is(target error) bool {
	return target == ErrDuplicateName
}

// IsRejection reports whether err is one of the verification rejections.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrKeyExpired) || errors.Is(err, ErrQuotaExhausted)
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
