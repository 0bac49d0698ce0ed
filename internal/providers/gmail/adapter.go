package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/leadmap/mailsync/internal/mailsync"
	"github.com/leadmap/mailsync/internal/store"
)

// Pages fetched per invocation before giving up; bounds worst-case latency
// when a mailbox has a huge backlog. Remaining messages land in the next run.
const maxPages = 20

const pageSize = 100

// Adapter implements MailProvider for Gmail.
type Adapter struct {
	svc       *gmail.Service
	mailboxID string
	// selfAddr decides message direction when labels are inconclusive.
	selfAddr string
}

// New creates a Gmail adapter authenticated with a bare access token.
func New(ctx context.Context, mb store.Mailbox, accessToken string) (*Adapter, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc, mailboxID: mb.ID, selfAddr: strings.ToLower(mb.Address)}, nil
}

// FetchSince lists messages newer than the watermark and emits each in
// normalized form. Pagination follows nextPageToken up to maxPages.
func (a *Adapter) FetchSince(ctx context.Context, opts mailsync.FetchOptions, fn func(mailsync.NormalizedMessage) error) error {
	query := ""
	if !opts.Since.IsZero() {
		query = fmt.Sprintf("after:%d", opts.Since.Unix())
	}

	pageToken := ""
	for page := 0; page < maxPages; page++ {
		call := a.svc.Users.Messages.List("me").
			IncludeSpamTrash(false).
			MaxResults(pageSize)
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}

		for _, m := range resp.Messages {
			full, err := a.svc.Users.Messages.Get("me", m.Id).Format("full").Context(ctx).Do()
			if err != nil {
				return fmt.Errorf("failed to get message %s: %w", m.Id, err)
			}
			if err := fn(a.normalize(full)); err != nil {
				if err == mailsync.ErrStopFetch {
					return mailsync.ErrStopFetch
				}
				return err
			}
		}

		if resp.NextPageToken == "" {
			return nil
		}
		pageToken = resp.NextPageToken
	}
	return nil
}

// normalize converts a Gmail message to the provider-agnostic shape.
func (a *Adapter) normalize(m *gmail.Message) mailsync.NormalizedMessage {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	direction := mailsync.DirectionInbound
	for _, label := range m.LabelIds {
		if label == "SENT" {
			direction = mailsync.DirectionOutbound
			break
		}
	}
	from := normalizeAddr(headers["from"])
	if direction == mailsync.DirectionInbound && from != "" && from == a.selfAddr {
		direction = mailsync.DirectionOutbound
	}

	return mailsync.NormalizedMessage{
		Provider:          store.ProviderGmail,
		MailboxID:         a.mailboxID,
		ProviderMessageID: m.Id,
		ProviderThreadID:  m.ThreadId,
		Direction:         direction,
		From:              from,
		To:                splitAddrs(headers["to"]),
		Cc:                splitAddrs(headers["cc"]),
		Subject:           headers["subject"],
		Body:              extractPlainText(m.Payload),
		InReplyTo:         strings.TrimSpace(headers["in-reply-to"]),
		References:        strings.TrimSpace(headers["references"]),
		MessageDate:       time.UnixMilli(m.InternalDate),
	}
}

// extractPlainText walks the MIME part tree and returns the first text/plain
// body found, preferring text/plain over text/html in multipart/alternative.
func extractPlainText(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}

	if strings.EqualFold(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}

	for _, sub := range part.Parts {
		if strings.EqualFold(sub.MimeType, "text/plain") {
			if body := extractPlainText(sub); body != "" {
				return body
			}
		}
	}
	for _, sub := range part.Parts {
		if body := extractPlainText(sub); body != "" {
			return body
		}
	}
	return ""
}

func decodeBase64URL(data string) string {
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}

// normalizeAddr extracts the bare lowercase address from an RFC 5322 header
// value like `"Jane" <Jane@Example.com>`.
func normalizeAddr(header string) string {
	if header == "" {
		return ""
	}
	addr, err := mail.ParseAddress(header)
	if err != nil || addr == nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return strings.ToLower(addr.Address)
}

// splitAddrs parses a comma-separated address header.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := normalizeAddr(strings.TrimSpace(p)); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
