package mailsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leadmap/mailsync/internal/reply"
	"github.com/leadmap/mailsync/internal/store"
)

// SyncError records one message that could not be processed. It never aborts
// the surrounding batch.
type SyncError struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}

// SyncResult summarizes one mailbox sync. Sync always returns a result; it
// does not fail for per-message errors.
type SyncResult struct {
	Success           bool        `json:"success"`
	MessagesProcessed int         `json:"messages_processed"`
	ThreadsCreated    int         `json:"threads_created"`
	ThreadsUpdated    int         `json:"threads_updated"`
	Errors            []SyncError `json:"errors,omitempty"`
}

// ReplyDetector is the reply-linking hook invoked for stored inbound messages.
type ReplyDetector interface {
	DetectAndLink(ctx context.Context, msg store.Message) (reply.Result, error)
}

// Poller pulls new messages for one mailbox, normalizes them, and upserts
// them idempotently.
type Poller struct {
	store  *store.Store
	linker ReplyDetector
	logger *slog.Logger
}

// NewPoller creates a poller. linker may be nil to skip reply detection.
func NewPoller(s *store.Store, linker ReplyDetector, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{store: s, linker: linker, logger: logger}
}

// Sync fetches messages from the provider since the watermark and stores
// them. Duplicate messages (same provider message id for the mailbox) are
// skipped, making repeated syncs over the same window idempotent.
func (p *Poller) Sync(ctx context.Context, mb store.Mailbox, provider MailProvider, opts FetchOptions) SyncResult {
	result := SyncResult{Success: true}
	processed := 0

	err := provider.FetchSince(ctx, opts, func(msg NormalizedMessage) error {
		if opts.MaxMessages > 0 && processed >= opts.MaxMessages {
			return ErrStopFetch
		}
		processed++

		if err := p.processMessage(ctx, mb, msg, &result); err != nil {
			result.Errors = append(result.Errors, SyncError{
				MessageID: msg.ProviderMessageID,
				Reason:    err.Error(),
			})
			p.logger.Warn("message processing failed",
				"mailbox_id", mb.ID, "provider_message_id", msg.ProviderMessageID, "err", err)
		}
		return nil
	})
	if err != nil && err != ErrStopFetch {
		result.Success = false
		result.Errors = append(result.Errors, SyncError{Reason: fmt.Sprintf("provider fetch: %v", err)})
	}

	return result
}

func (p *Poller) processMessage(ctx context.Context, mb store.Mailbox, nm NormalizedMessage, result *SyncResult) error {
	msg := store.Message{
		MailboxID:         mb.ID,
		ProviderMessageID: nm.ProviderMessageID,
		ProviderThreadID:  nm.ProviderThreadID,
		Direction:         nm.Direction,
		From:              nm.From,
		To:                nm.To,
		Cc:                nm.Cc,
		Subject:           nm.Subject,
		Body:              nm.Body,
		InReplyTo:         nm.InReplyTo,
		References:        nm.References,
		MessageDate:       nm.MessageDate,
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"event_id":            uuid.NewString(),
		"ts":                  time.Now().Unix(),
		"msg_date":            nm.MessageDate.Unix(),
		"provider":            string(nm.Provider),
		"mailbox_id":          mb.ID,
		"user_id":             mb.UserID,
		"provider_message_id": nm.ProviderMessageID,
		"provider_thread_id":  nm.ProviderThreadID,
		"direction":           nm.Direction,
		"subject":             nm.Subject,
		"sender":              nm.From,
		"to_addrs":            nm.To,
		"cc_addrs":            nm.Cc,
	})
	natsSubject := fmt.Sprintf("mailbox.%s.message.received", mb.ID)
	msgID := fmt.Sprintf("message.received|%s|%s", mb.ID, nm.ProviderMessageID)

	inserted, err := p.store.AppendMessageWithEvent(ctx, msg, natsSubject, "message.received", payload, msgID)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if !inserted {
		// Seen in a previous sync.
		return nil
	}

	if nm.ProviderThreadID != "" {
		inbound := nm.Direction == DirectionInbound
		created, err := p.store.UpsertThread(ctx, mb.ID, nm.ProviderThreadID, nm.Subject, nm.MessageDate, inbound)
		if err != nil {
			return fmt.Errorf("upsert thread: %w", err)
		}
		if created {
			result.ThreadsCreated++
		} else {
			result.ThreadsUpdated++
		}
	}

	if nm.Direction == DirectionInbound && p.linker != nil {
		linked, err := p.linker.DetectAndLink(ctx, msg)
		if err != nil {
			return fmt.Errorf("link reply: %w", err)
		}
		if linked.IsReply {
			p.logger.Info("inbound reply linked",
				"mailbox_id", mb.ID,
				"provider_message_id", nm.ProviderMessageID,
				"recipient_id", linked.RecipientID,
				"auto_reply", linked.AutoReply)
		}
	}

	result.MessagesProcessed++
	return nil
}
