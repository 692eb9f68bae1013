package crypto

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// KeyWrapper wraps and unwraps per-message data keys under a master key held
// by a key management service. Failures are returned as *KeyServiceError.
//
// Implementations must not cache unwrapped keys across calls.
type KeyWrapper interface {
	Wrap(ctx context.Context, plaintextKey []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrappedKey []byte) ([]byte, error)
	// KeyID returns the configured master key reference.
	KeyID() string
}

// KeyReference names a master key as
// projects/{project}/locations/{location}/keyRings/{ring}/cryptoKeys/{key}.
type KeyReference struct {
	Project  string
	Location string
	KeyRing  string
	Key      string
}

func (r KeyReference) String() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s",
		r.Project, r.Location, r.KeyRing, r.Key)
}

// ParseKeyReference parses a key reference in the form produced by
// KeyReference.String.
func ParseKeyReference(s string) (KeyReference, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 8 ||
		parts[0] != "projects" || parts[2] != "locations" ||
		parts[4] != "keyRings" || parts[6] != "cryptoKeys" {
		return KeyReference{}, fmt.Errorf("invalid key reference %q", s)
	}
	ref := KeyReference{Project: parts[1], Location: parts[3], KeyRing: parts[5], Key: parts[7]}
	if ref.Project == "" || ref.Location == "" || ref.KeyRing == "" || ref.Key == "" {
		return KeyReference{}, errors.New("key reference has empty segments")
	}
	return ref, nil
}
