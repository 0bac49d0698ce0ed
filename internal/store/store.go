package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the service database.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the database and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// OpenMemory opens a private in-memory database, for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// ---- mailboxes ----

func (s *Store) InsertMailbox(ctx context.Context, mb Mailbox) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO mailboxes
		(id, user_id, address, provider, access_token, refresh_token, token_expires_at, last_synced_at, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mb.ID, mb.UserID, mb.Address, string(mb.Provider), mb.AccessToken, mb.RefreshToken,
		encodeTime(mb.TokenExpiresAt), encodeTime(mb.LastSyncedAt), boolToInt(mb.Active), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert mailbox: %w", err)
	}
	return nil
}

func (s *Store) GetMailbox(ctx context.Context, id string) (*Mailbox, error) {
	mb, err := s.scanMailbox(s.DB.QueryRowContext(ctx, mailboxSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return mb, err
}

// MailboxByAddress looks up a mailbox by its email address. Returns nil when
// no mailbox owns the address (the webhook acknowledges these silently).
func (s *Store) MailboxByAddress(ctx context.Context, address string) (*Mailbox, error) {
	mb, err := s.scanMailbox(s.DB.QueryRowContext(ctx, mailboxSelect+` WHERE address = ?`, address))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return mb, err
}

const mailboxSelect = `
	SELECT id, user_id, address, provider, access_token, refresh_token, token_expires_at, last_synced_at, active
	FROM mailboxes`

func (s *Store) scanMailbox(row *sql.Row) (*Mailbox, error) {
	var mb Mailbox
	var provider, expiresAt, syncedAt string
	var active int
	err := row.Scan(&mb.ID, &mb.UserID, &mb.Address, &provider, &mb.AccessToken, &mb.RefreshToken, &expiresAt, &syncedAt, &active)
	if err != nil {
		return nil, err
	}
	mb.Provider = Provider(provider)
	mb.TokenExpiresAt = decodeTime(expiresAt)
	mb.LastSyncedAt = decodeTime(syncedAt)
	mb.Active = active != 0
	return &mb, nil
}

// ListActiveMailboxes returns every mailbox eligible for a sync batch.
func (s *Store) ListActiveMailboxes(ctx context.Context) ([]Mailbox, error) {
	rows, err := s.DB.QueryContext(ctx, mailboxSelect+` WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mailboxes: %w", err)
	}
	defer rows.Close()

	var out []Mailbox
	for rows.Next() {
		var mb Mailbox
		var provider, expiresAt, syncedAt string
		var active int
		if err := rows.Scan(&mb.ID, &mb.UserID, &mb.Address, &provider, &mb.AccessToken, &mb.RefreshToken, &expiresAt, &syncedAt, &active); err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		mb.Provider = Provider(provider)
		mb.TokenExpiresAt = decodeTime(expiresAt)
		mb.LastSyncedAt = decodeTime(syncedAt)
		mb.Active = active != 0
		out = append(out, mb)
	}
	return out, rows.Err()
}

// UpdateMailboxTokens writes a freshly sealed access token and its expiry.
func (s *Store) UpdateMailboxTokens(ctx context.Context, id, sealedAccessToken string, expiresAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE mailboxes SET access_token = ?, token_expires_at = ?, updated_at = ? WHERE id = ?
	`, sealedAccessToken, encodeTime(expiresAt), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// UpdateWatermark advances last_synced_at after a successful sync.
func (s *Store) UpdateWatermark(ctx context.Context, id string, syncedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE mailboxes SET last_synced_at = ?, updated_at = ? WHERE id = ?
	`, encodeTime(syncedAt), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update watermark: %w", err)
	}
	return nil
}

// SetMailboxActive soft-enables or soft-disables a mailbox.
func (s *Store) SetMailboxActive(ctx context.Context, id string, active bool) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE mailboxes SET active = ?, updated_at = ? WHERE id = ?
	`, boolToInt(active), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set mailbox active: %w", err)
	}
	return nil
}

// ---- messages and threads ----

// AppendMessageWithEvent inserts a message and its outbox event in one
// transaction. The UNIQUE constraint on (mailbox_id, provider_message_id)
// makes re-syncs idempotent: a duplicate inserts nothing and enqueues nothing.
func (s *Store) AppendMessageWithEvent(ctx context.Context, msg Message, natsSubject, eventType string, payload []byte, msgID string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	toJSON, _ := json.Marshal(msg.To)
	ccJSON, _ := json.Marshal(msg.Cc)

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(mailbox_id, provider_message_id, provider_thread_id, direction, from_addr, to_addrs, cc_addrs,
		 subject, body, in_reply_to, refs, message_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.MailboxID, msg.ProviderMessageID, msg.ProviderThreadID, msg.Direction, msg.From,
		string(toJSON), string(ccJSON), msg.Subject, msg.Body, msg.InReplyTo, msg.References,
		msg.MessageDate.Unix(), time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Already present from a previous sync.
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, time.Now().Unix(), natsSubject, eventType, payload, msgID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// UpsertThread creates or updates the thread row for a message. Returns true
// when a new thread was created.
func (s *Store) UpsertThread(ctx context.Context, mailboxID, providerThreadID, subject string, messageDate time.Time, inbound bool) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO threads (mailbox_id, provider_thread_id, subject, has_inbound, message_count, last_message_at)
		VALUES (?, ?, ?, 0, 0, 0)
	`, mailboxID, providerThreadID, subject)
	if err != nil {
		return false, fmt.Errorf("failed to insert thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		UPDATE threads
		SET message_count = message_count + 1,
		    has_inbound = CASE WHEN ? = 1 THEN 1 ELSE has_inbound END,
		    last_message_at = MAX(last_message_at, ?)
		WHERE mailbox_id = ? AND provider_thread_id = ?
	`, boolToInt(inbound), messageDate.Unix(), mailboxID, providerThreadID)
	if err != nil {
		return false, fmt.Errorf("failed to update thread: %w", err)
	}

	return affected > 0, nil
}

func (s *Store) CountMessages(ctx context.Context, mailboxID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE mailbox_id = ?`, mailboxID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// GetThread returns the thread row, or nil when it does not exist.
func (s *Store) GetThread(ctx context.Context, mailboxID, providerThreadID string) (*Thread, error) {
	var t Thread
	var hasInbound int
	var lastMessageAt int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, mailbox_id, provider_thread_id, subject, has_inbound, message_count, last_message_at
		FROM threads WHERE mailbox_id = ? AND provider_thread_id = ?
	`, mailboxID, providerThreadID).Scan(&t.ID, &t.MailboxID, &t.ProviderThreadID, &t.Subject, &hasInbound, &t.MessageCount, &lastMessageAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	t.HasInbound = hasInbound != 0
	t.LastMessageAt = time.Unix(lastMessageAt, 0)
	return &t, nil
}

// ---- campaigns, recipients, sent messages ----

func (s *Store) InsertCampaign(ctx context.Context, c Campaign) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO campaigns (id, user_id, name, stop_on_auto_reply, stop_company_on_reply)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Name, boolToInt(c.StopOnAutoReply), boolToInt(c.StopCompanyOnReply))
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c Campaign
	var stopAuto, stopCompany int
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, stop_on_auto_reply, stop_company_on_reply FROM campaigns WHERE id = ?
	`, id).Scan(&c.ID, &c.UserID, &c.Name, &stopAuto, &stopCompany)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	c.StopOnAutoReply = stopAuto != 0
	c.StopCompanyOnReply = stopCompany != 0
	return &c, nil
}

func (s *Store) InsertRecipient(ctx context.Context, r Recipient) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO campaign_recipients (id, campaign_id, email, company, status, replied, stop_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.CampaignID, r.Email, r.Company, r.Status, boolToInt(r.Replied), r.StopReason)
	if err != nil {
		return fmt.Errorf("failed to insert recipient: %w", err)
	}
	return nil
}

func (s *Store) GetRecipient(ctx context.Context, id string) (*Recipient, error) {
	var r Recipient
	var replied int
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, campaign_id, email, company, status, replied, stop_reason
		FROM campaign_recipients WHERE id = ?
	`, id).Scan(&r.ID, &r.CampaignID, &r.Email, &r.Company, &r.Status, &replied, &r.StopReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	r.Replied = replied != 0
	return &r, nil
}

// MarkRecipientReplied records a genuine reply: replied=true, status completed.
func (s *Store) MarkRecipientReplied(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaign_recipients SET replied = 1, status = ? WHERE id = ?
	`, StatusCompleted, id)
	if err != nil {
		return fmt.Errorf("failed to mark recipient replied: %w", err)
	}
	return nil
}

// StopRecipient transitions a recipient to stopped with a reason, leaving the
// replied flag untouched.
func (s *Store) StopRecipient(ctx context.Context, id, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = ?, stop_reason = ? WHERE id = ?
	`, StatusStopped, reason, id)
	if err != nil {
		return fmt.Errorf("failed to stop recipient: %w", err)
	}
	return nil
}

// StopCompanyRecipients stops all pending recipients of a campaign sharing a
// company, excluding the recipient whose reply triggered the stop. Returns the
// number of recipients transitioned.
func (s *Store) StopCompanyRecipients(ctx context.Context, campaignID, company, excludeRecipientID string) (int64, error) {
	if company == "" {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE campaign_recipients
		SET status = ?, stop_reason = ?
		WHERE campaign_id = ? AND company = ? AND status = ? AND id != ?
	`, StatusStopped, StopReasonCompanyReplied, campaignID, company, StatusPending, excludeRecipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to stop company recipients: %w", err)
	}
	return res.RowsAffected()
}

// InsertSentMessage records an outbound campaign send. to_addr is stored
// lowercased; RecentSentTo looks addresses up lowercased.
func (s *Store) InsertSentMessage(ctx context.Context, sm SentMessage) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sent_messages (id, campaign_id, recipient_id, mailbox_id, provider_message_id, to_addr, subject, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sm.ID, sm.CampaignID, sm.RecipientID, sm.MailboxID, sm.ProviderMessageID, strings.ToLower(sm.ToAddr), sm.Subject, sm.SentAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert sent message: %w", err)
	}
	return nil
}

// SentByProviderMessageID resolves a provider message id to the campaign send
// that produced it. Returns nil when no send matches.
func (s *Store) SentByProviderMessageID(ctx context.Context, providerMessageID string) (*SentMessage, error) {
	var sm SentMessage
	var sentAt int64
	err := s.DB.QueryRowContext(ctx, sentSelect+` WHERE provider_message_id = ?`, providerMessageID).
		Scan(&sm.ID, &sm.CampaignID, &sm.RecipientID, &sm.MailboxID, &sm.ProviderMessageID, &sm.ToAddr, &sm.Subject, &sentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sent message: %w", err)
	}
	sm.SentAt = time.Unix(sentAt, 0)
	return &sm, nil
}

const sentSelect = `
	SELECT id, campaign_id, recipient_id, mailbox_id, provider_message_id, to_addr, subject, sent_at
	FROM sent_messages`

// RecentSentTo returns the most recent sends to an address, newest first,
// capped at limit. Used by the subject-match fallback.
func (s *Store) RecentSentTo(ctx context.Context, addr string, limit int) ([]SentMessage, error) {
	rows, err := s.DB.QueryContext(ctx, sentSelect+` WHERE to_addr = ? ORDER BY sent_at DESC LIMIT ?`, addr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sent messages: %w", err)
	}
	defer rows.Close()

	var out []SentMessage
	for rows.Next() {
		var sm SentMessage
		var sentAt int64
		if err := rows.Scan(&sm.ID, &sm.CampaignID, &sm.RecipientID, &sm.MailboxID, &sm.ProviderMessageID, &sm.ToAddr, &sm.Subject, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan sent message: %w", err)
		}
		sm.SentAt = time.Unix(sentAt, 0)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// ---- outbox ----

// DequeueOutbox fetches unpublished messages whose next attempt is due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// ---- helpers ----

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
