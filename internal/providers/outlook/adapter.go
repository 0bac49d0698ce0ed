package outlook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/leadmap/mailsync/internal/mailsync"
	"github.com/leadmap/mailsync/internal/store"
)

// Page cap per invocation; the rest is picked up by the next run.
const maxPages = 20

const pageSize = 100

var selectFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bodyPreview", "body", "receivedDateTime", "internetMessageHeaders", "isDraft", "sentDateTime",
}

// Adapter implements MailProvider for Outlook via Microsoft Graph.
type Adapter struct {
	client    *msgraphsdk.GraphServiceClient
	mailboxID string
	userID    string
	selfAddr  string
}

// New creates an Outlook adapter authenticated with a bare access token.
func New(ctx context.Context, mb store.Mailbox, accessToken string) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Adapter{
		client:    client,
		mailboxID: mb.ID,
		userID:    mb.Address,
		selfAddr:  strings.ToLower(mb.Address),
	}, nil
}

// FetchSince lists messages newer than the watermark, following
// @odata.nextLink up to the page cap.
func (a *Adapter) FetchSince(ctx context.Context, opts mailsync.FetchOptions, fn func(mailsync.NormalizedMessage) error) error {
	top := int32(pageSize)
	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    &top,
			Select: selectFields,
		},
	}
	if !opts.Since.IsZero() {
		filter := fmt.Sprintf("receivedDateTime ge %s", opts.Since.UTC().Format(time.RFC3339))
		requestConfig.QueryParameters.Filter = &filter
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, requestConfig)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	for page := 0; page < maxPages; page++ {
		for _, msg := range result.GetValue() {
			if err := fn(a.normalize(msg)); err != nil {
				if err == mailsync.ErrStopFetch {
					return mailsync.ErrStopFetch
				}
				return err
			}
		}

		nextLink := result.GetOdataNextLink()
		if nextLink == nil || *nextLink == "" {
			return nil
		}

		builder := users.NewItemMessagesRequestBuilder(*nextLink, a.client.GetAdapter())
		result, err = builder.Get(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to fetch next page: %w", err)
		}
	}
	return nil
}

// normalize converts a Graph message to the provider-agnostic shape.
func (a *Adapter) normalize(m models.Messageable) mailsync.NormalizedMessage {
	nm := mailsync.NormalizedMessage{
		Provider:  store.ProviderOutlook,
		MailboxID: a.mailboxID,
		Direction: mailsync.DirectionInbound,
	}

	if id := m.GetId(); id != nil {
		nm.ProviderMessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		nm.ProviderThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		nm.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				nm.From = strings.ToLower(*addr)
			}
		}
	}
	if nm.From != "" && nm.From == a.selfAddr {
		nm.Direction = mailsync.DirectionOutbound
	}
	nm.To = extractAddresses(m.GetToRecipients())
	nm.Cc = extractAddresses(m.GetCcRecipients())

	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			nm.Body = *content
		}
	}
	if nm.Body == "" {
		if preview := m.GetBodyPreview(); preview != nil {
			nm.Body = *preview
		}
	}

	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		nm.MessageDate = *rcvd
	} else if sent := m.GetSentDateTime(); sent != nil {
		nm.MessageDate = *sent
	}

	// Reply headers only surface through internetMessageHeaders.
	for _, h := range m.GetInternetMessageHeaders() {
		name := h.GetName()
		value := h.GetValue()
		if name == nil || value == nil {
			continue
		}
		switch strings.ToLower(*name) {
		case "in-reply-to":
			nm.InReplyTo = strings.TrimSpace(*value)
		case "references":
			nm.References = strings.TrimSpace(*value)
		}
	}

	return nm
}

// extractAddresses extracts lowercase email addresses from recipients.
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, strings.ToLower(*addr))
			}
		}
	}
	return addrs
}

// staticTokenCredential satisfies the Azure credential interface with a
// token we already hold.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
