package model

import (
	"time"
)

// InboundMessage is the in-flight representation of one fetched mail message,
// produced by a mailbox fetcher and carried through the ingest queue. It is
// not persisted directly; the ingestion worker turns it into a RawMessage
// plus blob records.
type InboundMessage struct {
	NaturalID   string              `json:"natural_id"`
	Subject     string              `json:"subject"`
	From        string              `json:"from"`
	To          []string            `json:"to"`
	ReceivedAt  time.Time           `json:"received_at"`
	Body        string              `json:"body"`
	HTMLBody    string              `json:"html_body"`
	Headers     map[string]string   `json:"headers,omitempty"`
	Raw         []byte              `json:"raw,omitempty"`
	Attachments []InboundAttachment `json:"attachments,omitempty"`
}

// InboundAttachment is one attachment carried with an InboundMessage.
type InboundAttachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Content returns the text used for classification and event content:
// the plain-text body when present, otherwise the HTML body.
func (m *InboundMessage) Content() string {
	if m.Body != "" {
		return m.Body
	}
	return m.HTMLBody
}
