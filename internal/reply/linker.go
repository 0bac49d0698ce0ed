// Package reply links inbound messages back to the campaign sends they answer
// and applies the campaign's stop rules.
package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leadmap/mailsync/internal/store"
)

// Sent messages scanned per address by the subject-match fallback. The bound
// is the only guard against false positives on generic subjects, so it stays
// small.
const defaultRecentSentLimit = 10

// Result is the outcome of reply detection for one inbound message.
type Result struct {
	IsReply       bool
	SentMessageID string
	RecipientID   string
	AutoReply     bool
}

// LinkerStore is the slice of the store the linker reads and mutates.
type LinkerStore interface {
	SentByProviderMessageID(ctx context.Context, providerMessageID string) (*store.SentMessage, error)
	RecentSentTo(ctx context.Context, addr string, limit int) ([]store.SentMessage, error)
	GetRecipient(ctx context.Context, id string) (*store.Recipient, error)
	GetCampaign(ctx context.Context, id string) (*store.Campaign, error)
	MarkRecipientReplied(ctx context.Context, id string) error
	StopRecipient(ctx context.Context, id, reason string) error
	StopCompanyRecipients(ctx context.Context, campaignID, company, excludeRecipientID string) (int64, error)
}

// Linker matches inbound messages against prior campaign sends.
type Linker struct {
	store           LinkerStore
	logger          *slog.Logger
	recentSentLimit int
}

func NewLinker(s LinkerStore, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{store: s, logger: logger, recentSentLimit: defaultRecentSentLimit}
}

// DetectAndLink finds the campaign send an inbound message replies to, if
// any, and updates recipient state. A message that matches nothing returns
// {IsReply: false} with no error; missing data is never a failure.
//
// Match precedence, first hit wins:
//  1. In-Reply-To against a sent provider message id
//  2. each References entry, oldest to newest
//  3. sender address plus subject with Re:/Fwd: prefixes stripped, over the
//     most recent sends to that address
func (l *Linker) DetectAndLink(ctx context.Context, msg store.Message) (Result, error) {
	sent, err := l.matchSent(ctx, msg)
	if err != nil {
		return Result{}, err
	}
	if sent == nil {
		return Result{}, nil
	}

	result := Result{
		IsReply:       true,
		SentMessageID: sent.ID,
		RecipientID:   sent.RecipientID,
		AutoReply:     IsAutoReply(msg.Subject, msg.Body),
	}

	recipient, err := l.store.GetRecipient(ctx, sent.RecipientID)
	if err != nil {
		return result, fmt.Errorf("load recipient: %w", err)
	}
	if recipient == nil {
		// The send exists but its enrollment is gone; the match itself is
		// still reported.
		return result, nil
	}

	campaign, err := l.store.GetCampaign(ctx, sent.CampaignID)
	if err != nil {
		return result, fmt.Errorf("load campaign: %w", err)
	}

	if result.AutoReply && campaign != nil && campaign.StopOnAutoReply {
		if err := l.store.StopRecipient(ctx, recipient.ID, store.StopReasonAutoReply); err != nil {
			return result, fmt.Errorf("stop recipient: %w", err)
		}
		l.logger.Info("recipient stopped on auto-reply",
			"recipient_id", recipient.ID, "campaign_id", sent.CampaignID)
		return result, nil
	}

	if err := l.store.MarkRecipientReplied(ctx, recipient.ID); err != nil {
		return result, fmt.Errorf("mark replied: %w", err)
	}

	if campaign != nil && campaign.StopCompanyOnReply && recipient.Company != "" {
		stopped, err := l.store.StopCompanyRecipients(ctx, campaign.ID, recipient.Company, recipient.ID)
		if err != nil {
			return result, fmt.Errorf("stop company recipients: %w", err)
		}
		if stopped > 0 {
			l.logger.Info("company recipients stopped on reply",
				"campaign_id", campaign.ID, "company", recipient.Company, "count", stopped)
		}
	}

	return result, nil
}

func (l *Linker) matchSent(ctx context.Context, msg store.Message) (*store.SentMessage, error) {
	if msg.InReplyTo != "" {
		sent, err := l.store.SentByProviderMessageID(ctx, msg.InReplyTo)
		if err != nil {
			return nil, fmt.Errorf("match in-reply-to: %w", err)
		}
		if sent != nil {
			return sent, nil
		}
	}

	for _, ref := range strings.Fields(msg.References) {
		sent, err := l.store.SentByProviderMessageID(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("match references: %w", err)
		}
		if sent != nil {
			return sent, nil
		}
	}

	if msg.From == "" {
		return nil, nil
	}
	want := NormalizeSubject(msg.Subject)
	if want == "" {
		return nil, nil
	}
	recent, err := l.store.RecentSentTo(ctx, strings.ToLower(msg.From), l.recentSentLimit)
	if err != nil {
		return nil, fmt.Errorf("match by subject: %w", err)
	}
	for i := range recent {
		if NormalizeSubject(recent[i].Subject) == want {
			return &recent[i], nil
		}
	}
	return nil, nil
}

// NormalizeSubject lowercases a subject and strips leading Re:/Fwd:/Fw:
// prefixes, repeatedly, so "RE: Fwd: Open house" equals "open house".
func NormalizeSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	for {
		stripped := false
		for _, prefix := range []string{"re:", "fwd:", "fw:"} {
			if strings.HasPrefix(s, prefix) {
				s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}
