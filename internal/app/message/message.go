// Package message holds the canonical Message record (spec §3) that every
// other component — cache, pipeline, HTTP edge — exchanges, plus the
// RFC 5322 parsing that produces it from a raw IMAP fetch. It descends from
// the teacher's mailer package, reshaped around the spec's normalized
// record instead of a forwarder-oriented one.
package message

import (
	"time"

	"github.com/inboxhub/aggregator/internal/app/config"
)

// Attachment describes one attachment's metadata. Raw bytes are held
// separately, in the payload cache — never inline on the Message.
type Attachment struct {
	Filename    string
	ContentType string
	SizeBytes   int64
}

// Message is the normalized, provider-agnostic record described in §3.
// From/To are lowercased, for routing and recipient-filter comparison;
// FromDisplay/ToDisplay keep the address exactly as it appeared on the
// wire, for anything rendered to a viewer.
type Message struct {
	ID          string
	UID         uint32
	From        string
	FromDisplay string
	FromName    string
	To          string
	ToDisplay   string
	Subject     string
	Date        time.Time
	TextBody    string
	HTMLBody    string

	Attachments []Attachment

	Backend  string
	Provider config.Provider
	IsAlias  bool
}

// Payload is the parsed-but-not-yet-normalized body of a message, held in
// the payload cache alongside the raw attachment bytes it is the only path
// to serving without re-fetching (spec §4.7).
type Payload struct {
	TextBody    string
	HTMLBody    string
	Attachments []AttachmentPayload
}

// AttachmentPayload pairs an Attachment's metadata with its raw bytes.
type AttachmentPayload struct {
	Attachment
	Content []byte
}

// Find returns the attachment payload matching filename, if present.
func (p Payload) Find(filename string) (AttachmentPayload, bool) {
	for _, a := range p.Attachments {
		if a.Filename == filename {
			return a, true
		}
	}
	return AttachmentPayload{}, false
}
