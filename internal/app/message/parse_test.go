package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxhub/aggregator/internal/app/config"
)

const plainTextMessage = "From: Alice Doe <alice@example.com>\r\n" +
	"To: bob+shopping@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Date: Mon, 2 Jan 2023 15:04:05 +0000\r\n" +
	"Message-Id: <abc123@example.com>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"plain body text\r\n"

const htmlOnlyMessage = "From: Alice Doe <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello HTML\r\n" +
	"Date: Mon, 2 Jan 2023 15:04:05 +0000\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<p>hello world</p>\r\n"

const mixedCaseMessage = "From: John Doe <John.Doe@Gmail.com>\r\n" +
	"To: Bob+Shopping@Example.com\r\n" +
	"Subject: Hello\r\n" +
	"Date: Mon, 2 Jan 2023 15:04:05 +0000\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"body\r\n"

func TestParseExtractsHeadersAndTextBody(t *testing.T) {
	msg, payload, err := Parse(RawFetch{UID: 42, Literal: strings.NewReader(plainTextMessage)}, "acct@gmail.com", config.ProviderGmail, 0)
	require.NoError(t, err)

	assert.Equal(t, uint32(42), msg.UID)
	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, "Alice Doe", msg.FromName)
	assert.Equal(t, "bob+shopping@example.com", msg.To)
	assert.Equal(t, "Hello", msg.Subject)
	assert.Equal(t, "<abc123@example.com>", msg.ID)
	assert.Equal(t, "plain body text\n", payload.TextBody)
	assert.Equal(t, "plain body text\n", msg.TextBody)
}

func TestParseDerivesTextBodyFromHTMLOnlyMessage(t *testing.T) {
	msg, _, err := Parse(RawFetch{UID: 7, Literal: strings.NewReader(htmlOnlyMessage)}, "acct@gmail.com", config.ProviderGmail, 0)
	require.NoError(t, err)

	assert.Equal(t, "uid-acct@gmail.com-7", msg.ID) // no Message-Id header, falls back to uid-derived id
	assert.Contains(t, msg.TextBody, "hello world")
}

func TestParseDerivesIDFromUIDWhenMessageIDMissing(t *testing.T) {
	msg, _, err := Parse(RawFetch{UID: 99, Literal: strings.NewReader(htmlOnlyMessage)}, "acct@gmail.com", config.ProviderGmail, 0)
	require.NoError(t, err)

	assert.Equal(t, "uid-acct@gmail.com-99", msg.ID)
}

func TestParseKeepsOriginalCasingForDisplayButLowercasesForComparison(t *testing.T) {
	msg, _, err := Parse(RawFetch{UID: 1, Literal: strings.NewReader(mixedCaseMessage)}, "acct@gmail.com", config.ProviderGmail, 0)
	require.NoError(t, err)

	assert.Equal(t, "john.doe@gmail.com", msg.From)
	assert.Equal(t, "John.Doe@Gmail.com", msg.FromDisplay)
	assert.Equal(t, "bob+shopping@example.com", msg.To)
	assert.Equal(t, "Bob+Shopping@Example.com", msg.ToDisplay)
}
