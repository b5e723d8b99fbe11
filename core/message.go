package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the unit of communication between agents and the orchestrator.
// After construction it is treated as immutable. It captures:
//   - Identity (ID, unique per emitted message)
//   - Routing (Sender, Recipient, ReplyTo)
//   - Correlation (CorrelationID equals the ID of the message being answered)
//   - Intent plus a Payload variant consistent with it
//   - UTC timestamp
type Message struct {
	ID            string    `json:"message_id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Intent        Intent    `json:"intent"`
	Content       Payload   `json:"content,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// MessageOptions holds the optional envelope fields.
type MessageOptions struct {
	CorrelationID string
	ReplyTo       string
}

// NewMessage builds a Message with a fresh ID. Content may be nil; when it is
// set, its Intent must equal intent.
func NewMessage(sender, recipient string, intent Intent, content Payload, optFns ...func(o *MessageOptions)) (Message, error) {
	if !intent.Valid() {
		return Message{}, fmt.Errorf("invalid intent %s", intent)
	}

	if content != nil && content.Intent() != intent {
		return Message{}, fmt.Errorf("payload %T travels as %s, not %s", content, content.Intent(), intent)
	}

	if recipient == "" {
		return Message{}, fmt.Errorf("message recipient is required")
	}

	opts := MessageOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	return Message{
		ID:            NewID(),
		Sender:        sender,
		Recipient:     recipient,
		Intent:        intent,
		Content:       content,
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithCorrelationID links the new message to the message it answers.
func WithCorrelationID(id string) func(o *MessageOptions) {
	return func(o *MessageOptions) { o.CorrelationID = id }
}

// WithReplyTo names the mailbox that should receive answers.
func WithReplyTo(addr string) func(o *MessageOptions) {
	return func(o *MessageOptions) { o.ReplyTo = addr }
}

// Reply builds the answer to m. The reply goes to m.ReplyTo (or m.Sender when
// unset) and its CorrelationID is m.ID.
func (m Message) Reply(sender string, content Payload) (Message, error) {
	if content == nil {
		return Message{}, fmt.Errorf("reply content is required")
	}

	to := m.ReplyTo
	if to == "" {
		to = m.Sender
	}

	return NewMessage(sender, to, content.Intent(), content, WithCorrelationID(m.ID))
}

// Answers reports whether m is a response to the message with the given id.
func (m Message) Answers(id string) bool { return m.CorrelationID != "" && m.CorrelationID == id }

// NewID generates a new unique identifier for messages.
func NewID() string { return uuid.NewString() }

// UnmarshalJSON decodes the envelope and resolves Content to the payload
// variant named by Intent.
func (m *Message) UnmarshalJSON(b []byte) error {
	type envelope Message
	var raw struct {
		envelope
		Content json.RawMessage `json:"content,omitempty"`
	}

	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	content, err := DecodePayload(raw.Intent, raw.Content)
	if err != nil {
		return err
	}

	*m = Message(raw.envelope)
	m.Content = content

	return nil
}
