package crypto

import (
	"context"
	"errors"
)

// LocalKeyWrapper is an in-process KeyWrapper for tests and local
// development. Its master key is derived from a seed and the key reference,
// so a wrapper configured with another reference cannot unwrap its keys.
type LocalKeyWrapper struct {
	keyID  string
	kek    []byte
	refErr error
}

// NewLocalKeyWrapper derives the master key for keyRef from seed. An invalid
// reference is reported by Wrap and Unwrap, not here, the same way a remote
// service would reject it.
func NewLocalKeyWrapper(seed []byte, keyRef string) (*LocalKeyWrapper, error) {
	if len(seed) < 16 {
		return nil, errors.New("local key seed must be at least 16 bytes")
	}
	w := &LocalKeyWrapper{keyID: keyRef}
	if _, err := ParseKeyReference(keyRef); err != nil {
		w.refErr = err
		return w, nil
	}
	kek, err := DeriveKEK(seed, keyRef)
	if err != nil {
		return nil, err
	}
	w.kek = kek
	return w, nil
}

func (w *LocalKeyWrapper) KeyID() string { return w.keyID }

func (w *LocalKeyWrapper) Wrap(ctx context.Context, plaintextKey []byte) ([]byte, error) {
	if err := w.check(ctx, "wrap"); err != nil {
		return nil, err
	}
	wrapped, err := wrapKey(plaintextKey, w.kek, []byte(w.keyID))
	if err != nil {
		return nil, &KeyServiceError{Op: "wrap", KeyID: w.keyID, Err: err}
	}
	return wrapped, nil
}

func (w *LocalKeyWrapper) Unwrap(ctx context.Context, wrappedKey []byte) ([]byte, error) {
	if err := w.check(ctx, "unwrap"); err != nil {
		return nil, err
	}
	dek, err := unwrapKey(wrappedKey, w.kek, []byte(w.keyID))
	if err != nil {
		return nil, &KeyServiceError{Op: "unwrap", KeyID: w.keyID, Err: err}
	}
	return dek, nil
}

func (w *LocalKeyWrapper) check(ctx context.Context, op string) error {
	if w.refErr != nil {
		return &KeyServiceError{Op: op, KeyID: w.keyID, Err: w.refErr}
	}
	if err := ctx.Err(); err != nil {
		return &KeyServiceError{Op: op, KeyID: w.keyID, Retryable: true, Err: err}
	}
	return nil
}
