package mailsync

import (
	"context"
	"errors"
	"time"

	"github.com/leadmap/mailsync/internal/store"
)

// Directions of a normalized message relative to the synced mailbox.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// NormalizedMessage is the provider-agnostic shape adapters emit.
type NormalizedMessage struct {
	Provider          store.Provider
	MailboxID         string
	ProviderMessageID string
	ProviderThreadID  string
	Direction         string
	From              string
	To                []string
	Cc                []string
	Subject           string
	Body              string
	InReplyTo         string
	References        string
	MessageDate       time.Time
}

// FetchOptions bounds one provider fetch.
type FetchOptions struct {
	// Since is the watermark; only messages after it are pulled. Zero means
	// no lower bound.
	Since time.Time
	// MaxMessages caps how many messages the callback will see.
	MaxMessages int
}

// ErrStopFetch is returned by a fetch callback to end pagination cleanly,
// e.g. when the message cap is reached.
var ErrStopFetch = errors.New("stop fetch")

// MailProvider pulls messages from one provider account. Implementations
// paginate the provider's list endpoint up to a safety page cap and invoke fn
// for each message; an fn error other than ErrStopFetch aborts the fetch.
type MailProvider interface {
	FetchSince(ctx context.Context, opts FetchOptions, fn func(NormalizedMessage) error) error
}

// ProviderFactory builds a MailProvider for a mailbox with a plaintext access
// token.
type ProviderFactory func(ctx context.Context, mb store.Mailbox, accessToken string) (MailProvider, error)
