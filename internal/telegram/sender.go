package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// SentMessage is the part of the Bot API response the caller uses.
type SentMessage struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"-"`
	Text      string `json:"-"`
	ParseMode string `json:"-"`
}

// Sender delivers messages to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text, parseMode string) (*SentMessage, error)
}

// BotSender calls the Bot API over HTTPS.
type BotSender struct {
	base  string
	token string
	http  *http.Client
}

// NewBotSender creates a BotSender. An empty base selects DefaultAPIBase.
func NewBotSender(base, token string, timeout time.Duration) *BotSender {
	if base == "" {
		base = DefaultAPIBase
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BotSender{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (s *BotSender) SendMessage(ctx context.Context, chatID int64, text, parseMode string) (*SentMessage, error) {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text, ParseMode: parseMode})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/bot"+s.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		// The URL embeds the token; keep it out of the error.
		return nil, fmt.Errorf("sending message to chat %d: %w", chatID, redact(err, s.token))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading sendMessage response: %w", err)
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding sendMessage response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("sendMessage to chat %d failed (HTTP %d): %s", chatID, resp.StatusCode, out.Description)
	}

	sent := &SentMessage{ChatID: chatID, Text: text, ParseMode: parseMode}
	if len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, sent); err != nil {
			return nil, fmt.Errorf("decoding sent message: %w", err)
		}
	}
	return sent, nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}

// RecordingSender keeps sent messages in memory instead of delivering them.
type RecordingSender struct {
	mu   sync.Mutex
	sent []SentMessage
	next int64
}

func NewRecordingSender() *RecordingSender {
	return &RecordingSender{}
}

func (r *RecordingSender) SendMessage(ctx context.Context, chatID int64, text, parseMode string) (*SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	m := SentMessage{MessageID: r.next, ChatID: chatID, Text: text, ParseMode: parseMode}
	r.sent = append(r.sent, m)
	return &m, nil
}

// Sent returns a copy of everything sent so far.
func (r *RecordingSender) Sent() []SentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SentMessage(nil), r.sent...)
}
