package lankv

import (
	"errors"

	"github.com/lankv/lankv/internal/store"
)

var (
	// ErrNotFound indicates that the requested key is missing.
	ErrNotFound = errors.New("lankv: key not found")
	// ErrClosed indicates the node has already been closed.
	ErrClosed = errors.New("lankv: node is closed")
	// ErrValidation indicates a key/value invariant violation.
	ErrValidation = errors.New("lankv: validation failed")
)

// mapStoreErr translates internal store errors to the sentinels above, at
// Node's public API boundary.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	var verr *store.ValidationError
	if errors.As(err, &verr) {
		return ErrValidation
	}
	return err
}
