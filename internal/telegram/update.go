// Package telegram holds the subset of the Bot API the archive needs:
// decoding webhook updates and sending replies.
package telegram

import (
	"encoding/json"
	"fmt"
)

// Update is an incoming webhook update. Only message updates are handled;
// everything else leaves Message nil.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text,omitempty"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
}

type Chat struct {
	ID    int64   `json:"id"`
	Type  string  `json:"type"`
	Title *string `json:"title,omitempty"`
}

type User struct {
	ID        int64   `json:"id"`
	Username  *string `json:"username,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
}

// ParseUpdate decodes a webhook body.
func ParseUpdate(body []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decoding update: %w", err)
	}
	return &u, nil
}

// ParseModeMarkdown is the parse mode replies are sent with.
const ParseModeMarkdown = "Markdown"

// ReplyText builds the acknowledgement sent back to the chat.
func ReplyText(m *Message) string {
	return fmt.Sprintf("I received message from *%s*, in the chat *%s*, message id #%d",
		userDisplay(m.From), chatDisplay(m.Chat), m.MessageID)
}

func userDisplay(u *User) string {
	switch {
	case u == nil:
		return "unknown user"
	case u.Username != nil && *u.Username != "":
		return *u.Username
	case u.FirstName != nil:
		return *u.FirstName
	}
	return ""
}

func chatDisplay(c Chat) string {
	if c.Type == "private" {
		return "private chat"
	}
	if c.Title != nil && *c.Title != "" {
		return *c.Title
	}
	return fmt.Sprintf("group chat %d", c.ID)
}
