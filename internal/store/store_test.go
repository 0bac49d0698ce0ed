package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMailboxRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Date(2026, 8, 28, 15, 4, 5, 0, time.UTC)
	mb := Mailbox{
		ID:             "mb-1",
		UserID:         "user-1",
		Address:        "agent@example.com",
		Provider:       ProviderGmail,
		AccessToken:    "sealed-access",
		RefreshToken:   "sealed-refresh",
		TokenExpiresAt: expires,
		Active:         true,
	}
	require.NoError(t, s.InsertMailbox(ctx, mb))

	got, err := s.GetMailbox(ctx, "mb-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, mb.Address, got.Address)
	assert.Equal(t, ProviderGmail, got.Provider)
	assert.Equal(t, "sealed-access", got.AccessToken)
	assert.True(t, got.TokenExpiresAt.Equal(expires))
	assert.True(t, got.LastSyncedAt.IsZero())
	assert.True(t, got.Active)

	missing, err := s.GetMailbox(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMailboxByAddress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMailbox(ctx, Mailbox{
		ID: "mb-1", UserID: "u", Address: "agent@example.com", Provider: ProviderOutlook, Active: true,
	}))

	got, err := s.MailboxByAddress(ctx, "agent@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "mb-1", got.ID)

	unknown, err := s.MailboxByAddress(ctx, "stranger@example.com")
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestListActiveMailboxes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMailbox(ctx, Mailbox{ID: "a", UserID: "u", Address: "a@x.com", Provider: ProviderGmail, Active: true}))
	require.NoError(t, s.InsertMailbox(ctx, Mailbox{ID: "b", UserID: "u", Address: "b@x.com", Provider: ProviderGmail, Active: false}))

	active, err := s.ListActiveMailboxes(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)

	require.NoError(t, s.SetMailboxActive(ctx, "a", false))
	active, err = s.ListActiveMailboxes(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestUpdateMailboxTokensAndWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMailbox(ctx, Mailbox{ID: "mb", UserID: "u", Address: "a@x.com", Provider: ProviderGmail, Active: true}))

	expires := time.Date(2026, 8, 28, 18, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateMailboxTokens(ctx, "mb", "sealed-new", expires))

	synced := time.Date(2026, 8, 28, 17, 30, 0, 0, time.UTC)
	require.NoError(t, s.UpdateWatermark(ctx, "mb", synced))

	got, err := s.GetMailbox(ctx, "mb")
	require.NoError(t, err)
	assert.Equal(t, "sealed-new", got.AccessToken)
	assert.True(t, got.TokenExpiresAt.Equal(expires))
	assert.True(t, got.LastSyncedAt.Equal(synced))
}

func TestAppendMessageWithEventIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := Message{
		MailboxID:         "mb",
		ProviderMessageID: "prov-1",
		ProviderThreadID:  "thread-1",
		Direction:         "inbound",
		From:              "lead@example.com",
		To:                []string{"agent@example.com"},
		Subject:           "Re: Open house",
		MessageDate:       time.Now(),
	}

	inserted, err := s.AppendMessageWithEvent(ctx, msg, "mailbox.mb.message.received", "message.received", []byte(`{}`), "message.received|mb|prov-1")
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same provider message id again: no row, no event.
	inserted, err = s.AppendMessageWithEvent(ctx, msg, "mailbox.mb.message.received", "message.received", []byte(`{}`), "message.received|mb|prov-1")
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountMessages(ctx, "mb")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestUpsertThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := time.Unix(1000, 0)
	created, err := s.UpsertThread(ctx, "mb", "t-1", "Open house", first, false)
	require.NoError(t, err)
	assert.True(t, created)

	later := time.Unix(2000, 0)
	created, err = s.UpsertThread(ctx, "mb", "t-1", "Open house", later, true)
	require.NoError(t, err)
	assert.False(t, created)

	th, err := s.GetThread(ctx, "mb", "t-1")
	require.NoError(t, err)
	require.NotNil(t, th)
	assert.Equal(t, 2, th.MessageCount)
	assert.True(t, th.HasInbound)
	assert.Equal(t, later.Unix(), th.LastMessageAt.Unix())

	// An earlier message never rolls last_message_at back.
	_, err = s.UpsertThread(ctx, "mb", "t-1", "Open house", first, false)
	require.NoError(t, err)
	th, err = s.GetThread(ctx, "mb", "t-1")
	require.NoError(t, err)
	assert.Equal(t, later.Unix(), th.LastMessageAt.Unix())
	assert.True(t, th.HasInbound, "has_inbound is sticky")

	none, err := s.GetThread(ctx, "mb", "missing")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRecipientTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCampaign(ctx, Campaign{ID: "c-1", UserID: "u", Name: "Q3 outreach"}))
	require.NoError(t, s.InsertRecipient(ctx, Recipient{ID: "r-1", CampaignID: "c-1", Email: "lead@acme.com", Company: "acme", Status: StatusPending}))

	require.NoError(t, s.MarkRecipientReplied(ctx, "r-1"))
	r, err := s.GetRecipient(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, r.Replied)
	assert.Equal(t, StatusCompleted, r.Status)

	require.NoError(t, s.InsertRecipient(ctx, Recipient{ID: "r-2", CampaignID: "c-1", Email: "x@acme.com", Company: "acme", Status: StatusPending}))
	require.NoError(t, s.StopRecipient(ctx, "r-2", StopReasonAutoReply))
	r, err = s.GetRecipient(ctx, "r-2")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, r.Status)
	assert.Equal(t, StopReasonAutoReply, r.StopReason)
	assert.False(t, r.Replied, "stopping does not imply a reply")
}

func TestStopCompanyRecipients(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCampaign(ctx, Campaign{ID: "c-1", UserID: "u"}))
	recips := []Recipient{
		{ID: "replier", CampaignID: "c-1", Email: "a@acme.com", Company: "acme", Status: StatusPending},
		{ID: "pending-same", CampaignID: "c-1", Email: "b@acme.com", Company: "acme", Status: StatusPending},
		{ID: "completed-same", CampaignID: "c-1", Email: "c@acme.com", Company: "acme", Status: StatusCompleted},
		{ID: "other-co", CampaignID: "c-1", Email: "d@globex.com", Company: "globex", Status: StatusPending},
	}
	for _, r := range recips {
		require.NoError(t, s.InsertRecipient(ctx, r))
	}

	stopped, err := s.StopCompanyRecipients(ctx, "c-1", "acme", "replier")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stopped)

	r, err := s.GetRecipient(ctx, "pending-same")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, r.Status)
	assert.Equal(t, StopReasonCompanyReplied, r.StopReason)

	for _, id := range []string{"replier", "completed-same", "other-co"} {
		r, err := s.GetRecipient(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, StatusStopped, r.Status, "%s must not be stopped", id)
	}

	// Empty company is never a wildcard.
	stopped, err = s.StopCompanyRecipients(ctx, "c-1", "", "replier")
	require.NoError(t, err)
	assert.Zero(t, stopped)
}

func TestRecentSentTo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"s-1", "s-2", "s-3"} {
		require.NoError(t, s.InsertSentMessage(ctx, SentMessage{
			ID:                id,
			CampaignID:        "c-1",
			RecipientID:       "r-1",
			MailboxID:         "mb",
			ProviderMessageID: "prov-" + id,
			ToAddr:            "lead@example.com",
			Subject:           "Open house",
			SentAt:            time.Unix(int64(1000+i), 0),
		}))
	}

	recent, err := s.RecentSentTo(ctx, "lead@example.com", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "s-3", recent[0].ID, "newest first")
	assert.Equal(t, "s-2", recent[1].ID)

	sm, err := s.SentByProviderMessageID(ctx, "prov-s-1")
	require.NoError(t, err)
	require.NotNil(t, sm)
	assert.Equal(t, "s-1", sm.ID)

	none, err := s.SentByProviderMessageID(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestInsertSentMessageLowercasesToAddr(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSentMessage(ctx, SentMessage{
		ID:                "s-1",
		CampaignID:        "c-1",
		RecipientID:       "r-1",
		MailboxID:         "mb",
		ProviderMessageID: "prov-1",
		ToAddr:            "Lead@Example.COM",
		Subject:           "Open house",
		SentAt:            time.Unix(1000, 0),
	}))

	recent, err := s.RecentSentTo(ctx, "lead@example.com", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1, "lowercased lookup must find a mixed-case insert")
	assert.Equal(t, "lead@example.com", recent[0].ToAddr)
}

func TestOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := Message{MailboxID: "mb", ProviderMessageID: "p-1", Direction: "inbound", MessageDate: time.Now()}
	_, err := s.AppendMessageWithEvent(ctx, msg, "mailbox.mb.message.received", "message.received", []byte(`{"k":1}`), "m-1")
	require.NoError(t, err)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "mailbox.mb.message.received", pending[0].Subject)
	assert.Equal(t, "m-1", pending[0].MsgID)

	// A retry pushes the next attempt into the future, hiding the row.
	require.NoError(t, s.MarkOutboxRetry(ctx, pending[0].ID, time.Hour))
	hidden, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	require.NoError(t, s.MarkOutboxRetry(ctx, pending[0].ID, -time.Second))
	due, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.MarkPublished(ctx, due[0].ID))
	done, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, done)
}
