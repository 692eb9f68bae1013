// Package awskms implements crypto.KeyWrapper on top of AWS KMS.
package awskms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/org/msgarchive/internal/crypto"
)

// DefaultTimeout bounds a single KMS round trip.
const DefaultTimeout = 10 * time.Second

// encryptionContext is authenticated by KMS alongside every wrapped data key.
var encryptionContext = aws.StringMap(map[string]string{"purpose": "message"})

// Options configures a Wrapper.
type Options struct {
	KeyID    string // key ARN, key id or alias
	Region   string
	Endpoint string // optional, for local KMS emulators
	Timeout  time.Duration
}

// Wrapper wraps data keys with a KMS customer master key.
type Wrapper struct {
	keyID   string
	timeout time.Duration
	kms     kmsiface.KMSAPI
}

// New creates a Wrapper using the default AWS credential chain.
func New(opts Options) (*Wrapper, error) {
	if opts.KeyID == "" {
		return nil, errors.New("kms key id is required")
	}
	cfg := aws.NewConfig()
	if opts.Region != "" {
		cfg = cfg.WithRegion(opts.Region)
	}
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return NewWithClient(kms.New(sess), opts.KeyID, opts.Timeout), nil
}

// NewWithClient creates a Wrapper around an existing KMS client.
func NewWithClient(client kmsiface.KMSAPI, keyID string, timeout time.Duration) *Wrapper {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Wrapper{keyID: keyID, timeout: timeout, kms: client}
}

func (w *Wrapper) KeyID() string { return w.keyID }

// Wrap encrypts plaintextKey under the configured key.
func (w *Wrapper) Wrap(ctx context.Context, plaintextKey []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp, err := w.kms.EncryptWithContext(ctx, &kms.EncryptInput{
		KeyId:             aws.String(w.keyID),
		Plaintext:         plaintextKey,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return nil, w.serviceError(ctx, "wrap", err)
	}
	return resp.CiphertextBlob, nil
}

// Unwrap decrypts wrappedKey. Passing KeyId makes KMS reject blobs produced
// under any other key.
func (w *Wrapper) Unwrap(ctx context.Context, wrappedKey []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp, err := w.kms.DecryptWithContext(ctx, &kms.DecryptInput{
		KeyId:             aws.String(w.keyID),
		CiphertextBlob:    wrappedKey,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return nil, w.serviceError(ctx, "unwrap", err)
	}
	return resp.Plaintext, nil
}

func (w *Wrapper) serviceError(ctx context.Context, op string, err error) error {
	retryable := ctx.Err() != nil || request.IsErrorRetryable(err) || request.IsErrorThrottle(err)
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case kms.ErrCodeIncorrectKeyException, kms.ErrCodeInvalidCiphertextException,
			kms.ErrCodeNotFoundException, kms.ErrCodeDisabledException, "AccessDeniedException":
			retryable = false
		case kms.ErrCodeDependencyTimeoutException, kms.ErrCodeInternalException:
			retryable = true
		}
	}
	return &crypto.KeyServiceError{Op: op, KeyID: w.keyID, Retryable: retryable, Err: err}
}
