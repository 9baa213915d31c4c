// Package inbound decodes AgentMail event frames and filters out the
// account's own mail.
package inbound

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailbridge/internal/domain"
)

const (
	frameTypeEvent          = "event"
	eventTypeMessageReceive = "message.received"
	unknownSender           = "unknown"
)

var ErrMalformedFrame = errors.New("malformed event frame")

// address accepts either "a@x.com" or {"address":"a@x.com","name":"A"}.
type address struct {
	Address string
	Name    string
}

func (a *address) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &a.Address)
	}
	var obj struct {
		Address string `json:"address"`
		Email   string `json:"email"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	a.Address = obj.Address
	if a.Address == "" {
		a.Address = obj.Email
	}
	a.Name = obj.Name
	return nil
}

type eventFrame struct {
	Type      string        `json:"type"`
	EventType string        `json:"event_type"`
	EventID   string        `json:"event_id"`
	Message   *eventMessage `json:"message"`
}

type eventMessage struct {
	InboxID     string              `json:"inbox_id"`
	ThreadID    string              `json:"thread_id"`
	MessageID   string              `json:"message_id"`
	From        *address            `json:"from"`
	To          []address           `json:"to"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	HTML        string              `json:"html"`
	Attachments []domain.Attachment `json:"attachments"`
	Timestamp   string              `json:"timestamp"`
	InReplyTo   string              `json:"in_reply_to"`
	References  []string            `json:"references"`
}

// Decode parses one raw frame. It returns (nil, nil) for frames that are valid
// JSON but not a usable message.received event, and ErrMalformedFrame for
// anything that is not JSON. now supplies the timestamp when the frame carries
// none or an unparseable one.
func Decode(frame []byte, now time.Time) (*domain.InboundMessage, error) {
	var ev eventFrame
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if ev.Type != frameTypeEvent || ev.EventType != eventTypeMessageReceive {
		return nil, nil
	}
	msg := ev.Message
	if msg == nil || msg.MessageID == "" || msg.InboxID == "" {
		return nil, nil
	}

	out := &domain.InboundMessage{
		MessageID:   msg.MessageID,
		ThreadID:    msg.ThreadID,
		InboxID:     msg.InboxID,
		From:        unknownSender,
		Subject:     msg.Subject,
		Text:        msg.Text,
		HTML:        msg.HTML,
		Attachments: msg.Attachments,
		Timestamp:   parseTimestamp(msg.Timestamp, now),
		InReplyTo:   msg.InReplyTo,
		References:  msg.References,
	}
	if out.ThreadID == "" {
		out.ThreadID = out.MessageID
	}
	if msg.From != nil && msg.From.Address != "" {
		out.From = msg.From.Address
		out.FromDisplay = msg.From.Name
	}
	out.To = make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		if to.Address != "" {
			out.To = append(out.To, to.Address)
		}
	}
	if out.Attachments == nil {
		out.Attachments = []domain.Attachment{}
	}

	return out, nil
}

func parseTimestamp(raw string, now time.Time) time.Time {
	if raw == "" {
		return now
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return now
}
