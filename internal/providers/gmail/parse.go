package gmail

import (
	"encoding/base64"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/providers"
)

// Parser normalizes raw Gmail messages into the provider-independent record.
type Parser struct {
	trackingHeader string
	trackingRe     *regexp.Regexp
}

// NewParser builds a normalizer for the given tracking prefix and dedicated
// tracking header name.
func NewParser(trackingPrefix, trackingHeader string) *Parser {
	return &Parser{
		trackingHeader: strings.ToLower(trackingHeader),
		trackingRe:     providers.TrackingPattern(trackingPrefix),
	}
}

// Normalize converts a full-format Gmail message. The Date header fails
// softly: a missing or malformed value falls back to the provider's internal
// receipt timestamp, and SentAt stays nil when neither is usable.
func (p *Parser) Normalize(m *gmailapi.Message) (*domain.NormalizedMessage, error) {
	if m == nil || m.Payload == nil {
		id := ""
		if m != nil {
			id = m.Id
		}
		return nil, &domain.ParseError{ProviderMessageID: id, Err: fmt.Errorf("message has no payload")}
	}

	headers := headerMap(m.Payload.Headers)

	msg := &domain.NormalizedMessage{
		ProviderMessageID: m.Id,
		ProviderThreadID:  m.ThreadId,
		Subject:           headers["subject"],
		From:              headers["from"],
		To:                providers.SplitAddrs(headers["to"]),
		Cc:                providers.SplitAddrs(headers["cc"]),
		InReplyTo:         inReplyTo(headers),
		Body:              extractBody(m.Payload),
	}

	if t, ok := parseDate(headers["date"]); ok {
		msg.SentAt = &t
	} else if m.InternalDate > 0 {
		t := time.UnixMilli(m.InternalDate).UTC()
		msg.SentAt = &t
	}

	msg.TrackingCode = p.trackingCode(headers, msg.Subject)

	return msg, nil
}

// headerMap lowercases header names so lookups are case-insensitive.
func headerMap(headers []*gmailapi.MessagePartHeader) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[strings.ToLower(h.Name)] = h.Value
	}
	return out
}

// inReplyTo prefers the In-Reply-To header and falls back to the last entry
// of References.
func inReplyTo(headers map[string]string) string {
	if v := strings.TrimSpace(headers["in-reply-to"]); v != "" {
		return v
	}
	refs := strings.Fields(headers["references"])
	if len(refs) > 0 {
		return refs[len(refs)-1]
	}
	return ""
}

func parseDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := mail.ParseDate(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (p *Parser) trackingCode(headers map[string]string, subject string) string {
	if v := strings.TrimSpace(headers[p.trackingHeader]); v != "" {
		return strings.ToUpper(v)
	}
	return providers.TrackingFromSubject(p.trackingRe, subject)
}

// extractBody walks the MIME tree preferring text/plain, recursing into
// nested multipart structures. An absent body decodes to "".
func extractBody(part *gmailapi.MessagePart) string {
	if part == nil {
		return ""
	}
	if plain := findPart(part, "text/plain"); plain != "" {
		return plain
	}
	return findPart(part, "text/html")
}

func findPart(part *gmailapi.MessagePart, mimeType string) string {
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		return decodeBody(part.Body.Data)
	}
	// Single-part messages sometimes carry the body without a mime type on
	// the leaf; accept any non-multipart leaf for text/plain lookups.
	if len(part.Parts) == 0 && mimeType == "text/plain" &&
		!strings.HasPrefix(part.MimeType, "multipart/") &&
		part.Body != nil && part.Body.Data != "" &&
		!strings.HasPrefix(part.MimeType, "text/html") {
		return decodeBody(part.Body.Data)
	}
	for _, child := range part.Parts {
		if body := findPart(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}

// decodeBody decodes Gmail's base64url body data, tolerating both padded and
// unpadded encodings.
func decodeBody(data string) string {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	return ""
}
