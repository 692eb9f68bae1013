// Package archive stores chat messages encrypted at rest and serves them back
// decrypted.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/msgarchive/internal/audit"
	"github.com/org/msgarchive/internal/crypto"
	"github.com/org/msgarchive/internal/storage"
	"github.com/rs/zerolog/log"
)

// MessagesCollection holds archived message records.
const MessagesCollection = "messages"

const (
	DefaultLimit     = 100
	MaxLimit         = 1000
	DefaultBatchSize = 500
	MaxBatchSize     = 5000
)

var (
	// ErrInvalidCursor is returned when a cursor does not name a stored message.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrInvalidLimit is returned for a negative limit or batch size.
	ErrInvalidLimit = errors.New("invalid limit")
)

// DecryptPolicy decides what happens when one record fails to decrypt.
type DecryptPolicy int

const (
	// BestEffortDecrypt redacts undecryptable records and returns the rest.
	BestEffortDecrypt DecryptPolicy = iota
	// StrictDecrypt fails the whole read on the first undecryptable record.
	StrictDecrypt
)

func (p DecryptPolicy) String() string {
	switch p {
	case BestEffortDecrypt:
		return "best_effort"
	case StrictDecrypt:
		return "strict"
	default:
		return fmt.Sprintf("DecryptPolicy(%d)", int(p))
	}
}

// Cipher encrypts and decrypts message text.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext string) (*crypto.Envelope, error)
	Decrypt(ctx context.Context, env *crypto.Envelope) (string, error)
}

// AccessLogger receives one entry per read.
type AccessLogger interface {
	LogAccess(ctx context.Context, entry *audit.Entry)
}

// Options tunes an Archive. Zero values select the package defaults.
type Options struct {
	Policy           DecryptPolicy
	DefaultLimit     int
	MaxLimit         int
	DefaultBatchSize int
	MaxBatchSize     int
	Audit            AccessLogger
	Now              func() time.Time
}

// Archive ingests and retrieves encrypted messages.
type Archive struct {
	messages storage.Collection
	cipher   Cipher
	opts     Options
}

// New creates an Archive over the messages collection of repo.
func New(repo storage.Repository, cipher Cipher, opts Options) *Archive {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = MaxLimit
	}
	if opts.DefaultBatchSize <= 0 {
		opts.DefaultBatchSize = DefaultBatchSize
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = MaxBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Archive{
		messages: repo.Collection(MessagesCollection),
		cipher:   cipher,
		opts:     opts,
	}
}

// Ingest encrypts req.Text and stores the record, returning its id. Nothing
// is written when encryption fails.
func (a *Archive) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	env, err := a.cipher.Encrypt(ctx, req.Text)
	if err != nil {
		return "", fmt.Errorf("encrypting message %d: %w", req.MessageID, err)
	}

	rec := Record{
		MessageID:     req.MessageID,
		ChatID:        req.ChatID,
		ChatTitle:     req.ChatTitle,
		UserID:        req.UserID,
		Username:      req.Username,
		FirstName:     req.FirstName,
		EncryptedText: env,
		Timestamp:     a.opts.Now().UTC(),
		Type:          RecordType,
	}
	data, err := storage.ToData(rec)
	if err != nil {
		return "", err
	}
	id, err := a.messages.Add(ctx, data)
	if err != nil {
		return "", fmt.Errorf("storing message %d: %w", req.MessageID, err)
	}

	messagesIngested.Inc()
	log.Ctx(ctx).Info().
		Int64("chat_id", req.ChatID).
		Int64("message_id", req.MessageID).
		Str("doc_id", id).
		Msg("message archived")
	return id, nil
}

// Retrieve returns one page of matching messages in insertion order.
func (a *Archive) Retrieve(ctx context.Context, req RetrieveRequest) (*Page, error) {
	limit, err := resolveLimit(req.Limit, a.opts.DefaultLimit, a.opts.MaxLimit)
	if err != nil {
		return nil, err
	}

	q := a.filtered(req.ChatID, req.UserID)
	if req.Cursor != "" {
		doc, found, err := a.messages.Get(ctx, req.Cursor)
		if err != nil {
			return nil, fmt.Errorf("resolving cursor: %w", err)
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, req.Cursor)
		}
		q = q.StartAfter(doc)
	}

	msgs, redacted, err := a.collect(ctx, q.Limit(limit))
	if err != nil {
		return nil, err
	}

	page := &Page{Messages: msgs}
	if len(msgs) > 0 {
		page.NextCursor = msgs[len(msgs)-1].ID
	}
	a.logAccess(ctx, &audit.Entry{
		Operation: "retrieve",
		ChatID:    req.ChatID,
		UserID:    req.UserID,
		Cursor:    req.Cursor,
		Limit:     limit,
		Returned:  len(msgs),
		Redacted:  redacted,
	})
	return page, nil
}

// Batch returns the first BatchSize matching messages.
func (a *Archive) Batch(ctx context.Context, req BatchRequest) ([]Message, error) {
	size, err := resolveLimit(req.BatchSize, a.opts.DefaultBatchSize, a.opts.MaxBatchSize)
	if err != nil {
		return nil, err
	}
	msgs, redacted, err := a.collect(ctx, a.filtered(req.ChatID, req.UserID).Limit(size))
	if err != nil {
		return nil, err
	}
	a.logAccess(ctx, &audit.Entry{
		Operation: "batch",
		ChatID:    req.ChatID,
		UserID:    req.UserID,
		Limit:     size,
		Returned:  len(msgs),
		Redacted:  redacted,
	})
	return msgs, nil
}

func (a *Archive) filtered(chatID, userID *int64) storage.Query {
	q := a.messages.Query()
	if chatID != nil {
		q = q.Where("chat_id", storage.OpEqual, *chatID)
	}
	if userID != nil {
		q = q.Where("user_id", storage.OpEqual, *userID)
	}
	return q
}

// collect streams q and decrypts each record under the archive's policy.
// It reports how many records were redacted.
func (a *Archive) collect(ctx context.Context, q storage.Query) ([]Message, int, error) {
	stream, err := q.Stream(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}
	defer stream.Close()

	msgs := []Message{}
	redacted := 0
	for stream.Next() {
		doc := stream.Document()
		var rec storedRecord
		if err := doc.DataTo(&rec); err != nil {
			return nil, 0, err
		}

		text, err := a.decrypt(ctx, &rec)
		if err != nil {
			if a.opts.Policy == StrictDecrypt || !isRecordFailure(err) || ctx.Err() != nil {
				return nil, 0, fmt.Errorf("decrypting message %s: %w", doc.ID, err)
			}
			reason := failureReason(err)
			decryptFailures.WithLabelValues(reason).Inc()
			log.Ctx(ctx).Warn().
				Str("doc_id", doc.ID).
				Int64("chat_id", rec.ChatID).
				Str("reason", reason).
				Err(err).
				Msg("message could not be decrypted, returning redacted")
			text = RedactedText
			redacted++
		}
		msgs = append(msgs, newMessage(doc.ID, &rec.Record, text))
	}
	if err := stream.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading messages: %w", err)
	}
	return msgs, redacted, nil
}

func (a *Archive) decrypt(ctx context.Context, rec *storedRecord) (string, error) {
	env, err := crypto.ParseEnvelope(rec.EncryptedText)
	if err != nil {
		return "", err
	}
	return a.cipher.Decrypt(ctx, env)
}

func (a *Archive) logAccess(ctx context.Context, entry *audit.Entry) {
	if a.opts.Audit != nil {
		a.opts.Audit.LogAccess(ctx, entry)
	}
}

func resolveLimit(n, fallback, ceiling int) (int, error) {
	switch {
	case n < 0:
		return 0, fmt.Errorf("%w: %d", ErrInvalidLimit, n)
	case n == 0:
		return fallback, nil
	case n > ceiling:
		return ceiling, nil
	}
	return n, nil
}

func isRecordFailure(err error) bool {
	var fe *crypto.FormatError
	var kse *crypto.KeyServiceError
	return errors.As(err, &fe) || errors.As(err, &kse) || errors.Is(err, crypto.ErrIntegrity)
}

func failureReason(err error) string {
	var fe *crypto.FormatError
	var kse *crypto.KeyServiceError
	switch {
	case errors.As(err, &fe):
		return "format"
	case errors.As(err, &kse):
		return "key_service"
	default:
		return "integrity"
	}
}
