package domain

import "time"

// InboundMessage is one decoded "message.received" event. It is created once by
// the decoder and never mutated afterwards.
type InboundMessage struct {
	MessageID   string
	ThreadID    string
	InboxID     string
	From        string
	FromDisplay string
	To          []string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
	Timestamp   time.Time
	InReplyTo   string
	References  []string
}

// Sender returns the sender as shown to the agent ("Name <addr>" when a
// display name is known).
func (m InboundMessage) Sender() string {
	if m.FromDisplay != "" {
		return m.FromDisplay + " <" + m.From + ">"
	}
	return m.From
}

// AttachmentNames lists attachment filenames in arrival order.
func (m InboundMessage) AttachmentNames() []string {
	names := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		names = append(names, a.Filename)
	}
	return names
}

// Attachment carries metadata only; content is never fetched by the pipeline.
type Attachment struct {
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachment_id"`
}

// SendRequest asks the outbound sender to deliver one message.
// When ReplyToMessageID is set the message is sent as a reply in that thread.
type SendRequest struct {
	To               string
	Text             string
	Subject          string
	ThreadID         string
	ReplyToMessageID string
	AccountID        string
}

type SendResult struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
}
