package agentmail

import "time"

type Inbox struct {
	InboxID     string    `json:"inbox_id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
}

// Message is a stored message as returned by the REST API. Sender and
// recipients are plain strings here ("Name <addr>" or "addr").
type Message struct {
	MessageID   string       `json:"message_id"`
	ThreadID    string       `json:"thread_id"`
	InboxID     string       `json:"inbox_id"`
	From        string       `json:"from"`
	To          []string     `json:"to,omitempty"`
	CC          []string     `json:"cc,omitempty"`
	Subject     string       `json:"subject,omitempty"`
	Preview     string       `json:"preview,omitempty"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Labels      []string     `json:"labels,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type ListMessagesResponse struct {
	Count         int       `json:"count"`
	Limit         int       `json:"limit,omitempty"`
	NextPageToken string    `json:"next_page_token,omitempty"`
	Messages      []Message `json:"messages"`
}

type SendMessageRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

type ReplyMessageRequest struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

type SendMessageResponse struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
}

// DNSRecord is one record the operator must publish for a custom domain.
type DNSRecord struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Priority int    `json:"priority,omitempty"`
}

type Domain struct {
	DomainID string      `json:"domain_id"`
	Domain   string      `json:"domain,omitempty"`
	Status   string      `json:"status"`
	Records  []DNSRecord `json:"records,omitempty"`
}

type CreateDomainRequest struct {
	Domain          string `json:"domain"`
	FeedbackEnabled bool   `json:"feedback_enabled"`
}
