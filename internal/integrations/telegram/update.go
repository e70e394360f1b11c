package telegram

import (
	"encoding/json"
	"errors"
	"fmt"

	"broker-relay/internal/domain"
)

// SecretHeader carries the webhook secret configured through setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// ErrNoMessage is returned for updates that do not carry a new message, such
// as edits or member changes.
var ErrNoMessage = errors.New("telegram: update carries no message")

// Update is the subset of a Bot API webhook update the relay reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID       int64  `json:"message_id"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
	IsTopicMessage  bool   `json:"is_topic_message,omitempty"`
	From            *User  `json:"from,omitempty"`
	Chat            Chat   `json:"chat"`
	Date            int64  `json:"date"`
	Text            string `json:"text,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

// ParseUpdate decodes a webhook body into the fields the outbound relay
// checks. Absent fields stay zero; validation is left to the caller.
func ParseUpdate(body []byte) (domain.OperatorEvent, error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return domain.OperatorEvent{}, fmt.Errorf("telegram: decode update: %w", err)
	}
	if u.Message == nil {
		return domain.OperatorEvent{}, ErrNoMessage
	}
	m := u.Message
	ev := domain.OperatorEvent{
		GroupID:  m.Chat.ID,
		ThreadID: m.MessageThreadID,
		Text:     m.Text,
	}
	// Posts made on behalf of the group or a channel have no sender; treat
	// them as automated.
	ev.FromBot = m.From == nil || m.From.IsBot
	return ev, nil
}
