package crypto

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// Envelope is the at-rest form of one encrypted message. Byte slices are
// encoded as standard base64 in JSON.
type Envelope struct {
	Ciphertext     []byte `json:"ciphertext"`
	WrappedDataKey []byte `json:"encrypted_data_key"`
	Nonce          []byte `json:"iv"`
	Tag            []byte `json:"tag"`
	// Salt is reserved for password-derived keys and is not read by the
	// wrap/unwrap path.
	Salt []byte `json:"salt"`
}

// Validate checks field presence and lengths.
func (e *Envelope) Validate() error {
	if e == nil {
		return &FormatError{Field: "envelope", Reason: "missing"}
	}
	if len(e.WrappedDataKey) == 0 {
		return &FormatError{Field: "encrypted_data_key", Reason: "missing"}
	}
	if len(e.Nonce) != NonceSize {
		return &FormatError{Field: "iv", Reason: fmt.Sprintf("want %d bytes, got %d", NonceSize, len(e.Nonce))}
	}
	if len(e.Tag) != TagSize {
		return &FormatError{Field: "tag", Reason: fmt.Sprintf("want %d bytes, got %d", TagSize, len(e.Tag))}
	}
	return nil
}

// ParseEnvelope decodes the JSON form of an envelope. Invalid JSON or base64
// yields a *FormatError.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &FormatError{Field: "envelope", Reason: err.Error()}
	}
	return &env, nil
}

// EnvelopeCipher seals message text under a fresh data key per message and
// wraps that key with a KeyWrapper.
type EnvelopeCipher struct {
	keys KeyWrapper
	rand io.Reader
}

// NewEnvelopeCipher creates an EnvelopeCipher backed by keys.
func NewEnvelopeCipher(keys KeyWrapper) *EnvelopeCipher {
	return &EnvelopeCipher{keys: keys, rand: rand.Reader}
}

// KeyID returns the master key reference envelopes are wrapped under.
func (c *EnvelopeCipher) KeyID() string {
	return c.keys.KeyID()
}

// Encrypt seals plaintext into a new envelope. The empty string is sealed
// like any other input.
func (c *EnvelopeCipher) Encrypt(ctx context.Context, plaintext string) (*Envelope, error) {
	dek, err := generateDataKey(c.rand)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(dek)

	nonce, err := randomBytes(c.rand, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	salt, err := randomBytes(c.rand, SaltSize)
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	ciphertext, tag, err := sealAESGCM([]byte(plaintext), dek, nonce, messageAAD)
	if err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}

	wrapped, err := c.keys.Wrap(ctx, dek)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Ciphertext:     ciphertext,
		WrappedDataKey: wrapped,
		Nonce:          nonce,
		Tag:            tag,
		Salt:           salt,
	}, nil
}

// Decrypt opens env and returns the original text. Errors are a
// *FormatError, a *KeyServiceError, or wrap ErrIntegrity.
func (c *EnvelopeCipher) Decrypt(ctx context.Context, env *Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}

	dek, err := c.keys.Unwrap(ctx, env.WrappedDataKey)
	if err != nil {
		return "", err
	}
	defer zeroBytes(dek)
	if len(dek) != DataKeySize {
		return "", fmt.Errorf("unwrapped data key has %d bytes: %w", len(dek), ErrIntegrity)
	}

	plaintext, err := openAESGCM(env.Ciphertext, env.Tag, env.Nonce, dek, messageAAD)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("plaintext is not valid UTF-8: %w", ErrIntegrity)
	}
	return string(plaintext), nil
}
