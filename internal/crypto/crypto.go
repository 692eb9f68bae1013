package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Sizes of the fixed-length envelope fields.
const (
	DataKeySize = 32
	NonceSize   = 12
	TagSize     = 16
	SaltSize    = 16
)

// messageAAD is bound into the authentication tag of every message envelope.
var messageAAD = []byte("message")

func randomBytes(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateDataKey generates a 32-byte random data encryption key.
func GenerateDataKey() ([]byte, error) {
	return generateDataKey(rand.Reader)
}

func generateDataKey(r io.Reader) ([]byte, error) {
	dek, err := randomBytes(r, DataKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	return dek, nil
}

// DeriveKEK derives a key encryption key from seed using HKDF-SHA256.
func DeriveKEK(seed []byte, context string) ([]byte, error) {
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, seed, nil, []byte(context))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}
	return kek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// sealAESGCM encrypts plaintext with AES-256-GCM and returns the ciphertext
// and the detached tag.
func sealAESGCM(plaintext, key, nonce, aad []byte) (ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, nil, fmt.Errorf("nonce must be %d bytes", gcm.NonceSize())
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - gcm.Overhead()
	return sealed[:split], sealed[split:], nil
}

// openAESGCM reverses sealAESGCM. A tag mismatch is reported as ErrIntegrity.
func openAESGCM(ciphertext, tag, nonce, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", ErrIntegrity)
	}
	return plaintext, nil
}

// wrapKey encrypts a data key under kek. The nonce is prepended to the
// ciphertext for storage.
func wrapKey(dek, kek, aad []byte) ([]byte, error) {
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(rand.Reader, gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, dek, aad), nil
}

// unwrapKey reverses wrapKey.
func unwrapKey(wrapped, kek, aad []byte) ([]byte, error) {
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(wrapped) < nonceSize+gcm.Overhead() {
		return nil, errors.New("wrapped key too short")
	}
	dek, err := gcm.Open(nil, wrapped[:nonceSize], wrapped[nonceSize:], aad)
	if err != nil {
		return nil, errors.New("wrapped key was not produced under this master key")
	}
	return dek, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
