package store

import "time"

// Provider identifies a supported mail provider.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// Recipient statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
)

// Stop reasons recorded when a recipient is transitioned to stopped.
const (
	StopReasonAutoReply      = "auto_reply"
	StopReasonCompanyReplied = "company_replied"
)

// Mailbox is one connected mail account. AccessToken and RefreshToken hold
// sealed ciphertext, never plaintext.
type Mailbox struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Address        string    `json:"address"`
	Provider       Provider  `json:"provider"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	Active         bool      `json:"active"`
}

// Message is a provider-agnostic stored email.
type Message struct {
	ID                int64
	MailboxID         string
	ProviderMessageID string
	ProviderThreadID  string
	Direction         string // "inbound" or "outbound"
	From              string
	To                []string
	Cc                []string
	Subject           string
	Body              string
	InReplyTo         string
	References        string // raw whitespace-separated message-id chain
	MessageDate       time.Time
}

// Thread groups messages by the provider's conversation id.
type Thread struct {
	ID               int64
	MailboxID        string
	ProviderThreadID string
	Subject          string
	HasInbound       bool
	MessageCount     int
	LastMessageAt    time.Time
}

// Campaign holds the reply-handling switches the linker consults.
type Campaign struct {
	ID                 string
	UserID             string
	Name               string
	StopOnAutoReply    bool
	StopCompanyOnReply bool
}

// Recipient is one enrollment in an outbound sequence.
type Recipient struct {
	ID         string
	CampaignID string
	Email      string
	Company    string
	Status     string
	Replied    bool
	StopReason string
}

// SentMessage records an outbound campaign send, keyed by the provider
// message id the recipient's reply will reference.
type SentMessage struct {
	ID                string
	CampaignID        string
	RecipientID       string
	MailboxID         string
	ProviderMessageID string
	ToAddr            string
	Subject           string
	SentAt            time.Time
}

// OutboxMessage is a pending event awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}
