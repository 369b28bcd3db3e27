package message

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"jaytaylor.com/html2text"

	"github.com/inboxhub/aggregator/internal/app/config"
)

// RawFetch is the minimal shape the parser needs out of an IMAP FETCH
// response: the UID and the literal bytes of the requested body section.
// Kept separate from go-imap's own fetch types so this package does not
// need to import imapclient, mirroring the teacher's split between
// retriever (IMAP-aware) and mailer (IMAP-agnostic) packages.
type RawFetch struct {
	UID     uint32
	Literal io.Reader
}

var defaultHTMLToTextOpts = html2text.Options{TextOnly: true}

// Parse decodes one RFC 5322 message from a RawFetch into a normalized
// Message plus the Payload that backs the payload cache. backend and
// provider are stamped onto the Message since they are routing facts, not
// anything derivable from the message bytes themselves.
func Parse(raw RawFetch, backend string, provider config.Provider, maxAttachmentSize int64) (Message, Payload, error) {
	mr, err := mail.CreateReader(raw.Literal)
	if err != nil {
		return Message{}, Payload{}, fmt.Errorf("create reader: %w", err)
	}
	defer func() { _ = mr.Close() }()

	fromAddr, fromName := firstAddress(mr.Header, "From")
	toAddr, _ := firstAddress(mr.Header, "To")

	date, _ := mr.Header.Date()
	subject, _ := mr.Header.Text("Subject")
	messageID, _ := mr.Header.MessageID()

	msg := Message{
		UID:         raw.UID,
		From:        strings.ToLower(fromAddr),
		FromDisplay: fromAddr,
		FromName:    fromName,
		To:          strings.ToLower(toAddr),
		ToDisplay:   toAddr,
		Subject:     subject,
		Date:        date.UTC(),
		Backend:     backend,
		Provider:    provider,
	}
	msg.ID = deriveID(messageID, backend, raw.UID)

	var payload Payload

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Message{}, Payload{}, fmt.Errorf("read message part: %w", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return Message{}, Payload{}, fmt.Errorf("read inline part: %w", err)
			}

			switch contentType {
			case "text/plain":
				payload.TextBody += string(body)
			case "text/html":
				payload.HTMLBody += string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()

			body, err := io.ReadAll(part.Body)
			if err != nil {
				return Message{}, Payload{}, fmt.Errorf("read attachment part: %w", err)
			}
			if maxAttachmentSize > 0 && int64(len(body)) > maxAttachmentSize {
				continue
			}

			att := AttachmentPayload{
				Attachment: Attachment{
					Filename:    filename,
					ContentType: contentType,
					SizeBytes:   int64(len(body)),
				},
				Content: body,
			}
			payload.Attachments = append(payload.Attachments, att)
			msg.Attachments = append(msg.Attachments, att.Attachment)
		}
	}

	msg.TextBody = payload.TextBody
	msg.HTMLBody = payload.HTMLBody
	if msg.TextBody == "" && msg.HTMLBody != "" {
		if text, err := html2text.FromString(msg.HTMLBody, defaultHTMLToTextOpts); err == nil {
			msg.TextBody = text
		}
	}

	return msg, payload, nil
}

// deriveID implements the stable-id rule of spec §3: prefer the RFC 5322
// Message-Id, fall back to a UID-derived id, and only mint a random id
// when neither is available (a message with no backend context, which
// should not occur on the normal fetch path).
func deriveID(messageID, backend string, uid uint32) string {
	if messageID != "" {
		return messageID
	}
	if backend != "" {
		return fmt.Sprintf("uid-%s-%d", backend, uid)
	}
	return uuid.NewString()
}

func firstAddress(header mail.Header, field string) (address, name string) {
	addrList, err := header.AddressList(field)
	if err != nil || len(addrList) == 0 {
		return "", ""
	}
	return addrList[0].Address, addrList[0].Name
}
