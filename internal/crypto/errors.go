package crypto

import (
	"errors"
	"fmt"
)

// ErrIntegrity is returned when an envelope fails authentication: it was
// tampered with, corrupted, or sealed under a different data key.
var ErrIntegrity = errors.New("envelope authentication failed")

// FormatError reports a structurally invalid envelope. It is returned before
// any cryptographic operation is attempted.
type FormatError struct {
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed envelope: %s: %s", e.Field, e.Reason)
}

// KeyServiceError wraps a failure of the key-wrapping service: unreachable,
// unauthorized, unknown key, or a wrapped key from another master key.
type KeyServiceError struct {
	Op        string // "wrap" or "unwrap"
	KeyID     string
	Retryable bool
	Err       error
}

func (e *KeyServiceError) Error() string {
	return fmt.Sprintf("key service %s with %q: %v", e.Op, e.KeyID, e.Err)
}

func (e *KeyServiceError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a key service failure worth retrying.
func IsRetryable(err error) bool {
	var kse *KeyServiceError
	return errors.As(err, &kse) && kse.Retryable
}
