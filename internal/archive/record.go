package archive

import (
	"encoding/json"
	"time"

	"github.com/org/msgarchive/internal/crypto"
)

// RecordType tags every archived message with its source.
const RecordType = "telegram"

// RedactedText replaces the text of a message that could not be decrypted.
const RedactedText = "[Encrypted]"

// Record is the persisted form of an archived message.
type Record struct {
	MessageID     int64            `json:"message_id"`
	ChatID        int64            `json:"chat_id"`
	ChatTitle     *string          `json:"chat_title"`
	UserID        int64            `json:"user_id"`
	Username      *string          `json:"username"`
	FirstName     *string          `json:"first_name"`
	EncryptedText *crypto.Envelope `json:"encrypted_text"`
	Timestamp     time.Time        `json:"timestamp"`
	Type          string           `json:"type"`
}

// storedRecord defers envelope decoding so a malformed envelope affects only
// its own record. The outer EncryptedText shadows Record's.
type storedRecord struct {
	Record
	EncryptedText json.RawMessage `json:"encrypted_text"`
}

// Message is a retrieved record with its id and decrypted text.
type Message struct {
	ID        string    `json:"id"`
	MessageID int64     `json:"message_id"`
	ChatID    int64     `json:"chat_id"`
	ChatTitle *string   `json:"chat_title"`
	UserID    int64     `json:"user_id"`
	Username  *string   `json:"username"`
	FirstName *string   `json:"first_name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
}

func newMessage(id string, r *Record, text string) Message {
	return Message{
		ID:        id,
		MessageID: r.MessageID,
		ChatID:    r.ChatID,
		ChatTitle: r.ChatTitle,
		UserID:    r.UserID,
		Username:  r.Username,
		FirstName: r.FirstName,
		Text:      text,
		Timestamp: r.Timestamp,
		Type:      r.Type,
	}
}

// IngestRequest carries one incoming message.
type IngestRequest struct {
	MessageID int64
	ChatID    int64
	ChatTitle *string
	UserID    int64
	Username  *string
	FirstName *string
	Text      string
}

// RetrieveRequest selects a page of messages. Nil filters match everything.
type RetrieveRequest struct {
	ChatID *int64
	UserID *int64
	Cursor string // id of the last message of the previous page
	Limit  int    // 0 selects the default
}

// Page is one page of retrieved messages. NextCursor is empty when the page
// is empty.
type Page struct {
	Messages   []Message
	NextCursor string
}

// BatchRequest selects up to BatchSize messages from the start.
type BatchRequest struct {
	ChatID    *int64
	UserID    *int64
	BatchSize int // 0 selects the default
}
