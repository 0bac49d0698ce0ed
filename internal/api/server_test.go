package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadmap/mailsync/internal/auth"
	"github.com/leadmap/mailsync/internal/mailsync"
	"github.com/leadmap/mailsync/internal/secrets"
	"github.com/leadmap/mailsync/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSyncer struct {
	runSummary     mailsync.Summary
	refreshSummary mailsync.Summary
	synced         chan string
}

func (f *fakeSyncer) Run(ctx context.Context) mailsync.Summary { return f.runSummary }
func (f *fakeSyncer) RefreshDueTokens(ctx context.Context) mailsync.Summary {
	return f.refreshSummary
}
func (f *fakeSyncer) SyncMailbox(ctx context.Context, mb store.Mailbox) error {
	if f.synced != nil {
		f.synced <- mb.ID
	}
	return nil
}

type fakeAuthenticator struct {
	user *auth.User
	err  error
}

func (f *fakeAuthenticator) UserFromRequest(r *http.Request) (*auth.User, error) {
	return f.user, f.err
}

type serverFixture struct {
	server *Server
	store  *store.Store
	box    *secrets.Box
	syncer *fakeSyncer
}

func newServerFixture(t *testing.T, verifier Authenticator, cronSecret string) *serverFixture {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	box, err := secrets.New(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)

	syncer := &fakeSyncer{
		runSummary:     mailsync.Summary{Processed: 3, Total: 3, Duration: "1s"},
		refreshSummary: mailsync.Summary{Processed: 1, Total: 2, Errors: 1, Duration: "1s"},
	}
	return &serverFixture{
		server: NewServer(s, syncer, box, verifier, cronSecret, nil),
		store:  s,
		box:    box,
		syncer: syncer,
	}
}

func (f *serverFixture) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, nil, "secret")
	w := f.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCronAuth(t *testing.T) {
	t.Run("unconfigured secret", func(t *testing.T) {
		f := newServerFixture(t, nil, "")
		w := f.do(http.MethodGet, "/cron/sync", nil, map[string]string{"x-cron-secret": "anything"})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		f := newServerFixture(t, nil, "right")
		w := f.do(http.MethodGet, "/cron/sync", nil, map[string]string{"x-cron-secret": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing secret", func(t *testing.T) {
		f := newServerFixture(t, nil, "right")
		w := f.do(http.MethodGet, "/cron/sync", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	headerCases := map[string]map[string]string{
		"x-cron-secret":        {"x-cron-secret": "right"},
		"x-vercel-cron-secret": {"x-vercel-cron-secret": "right"},
		"bearer":               {"Authorization": "Bearer right"},
	}
	for name, headers := range headerCases {
		t.Run(name, func(t *testing.T) {
			f := newServerFixture(t, nil, "right")
			w := f.do(http.MethodGet, "/cron/sync", nil, headers)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestCronSyncReturnsSummary(t *testing.T) {
	f := newServerFixture(t, nil, "s")
	w := f.do(http.MethodPost, "/cron/sync", nil, map[string]string{"x-cron-secret": "s"})
	require.Equal(t, http.StatusOK, w.Code)

	var summary mailsync.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 3, summary.Total)
}

func TestCronRefreshReturnsSummary(t *testing.T) {
	f := newServerFixture(t, nil, "s")
	w := f.do(http.MethodPost, "/cron/refresh", nil, map[string]string{"x-cron-secret": "s"})
	require.Equal(t, http.StatusOK, w.Code)

	var summary mailsync.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Errors)
}

func TestMailWebhook(t *testing.T) {
	t.Run("bad body", func(t *testing.T) {
		f := newServerFixture(t, nil, "s")
		w := f.do(http.MethodPost, "/webhooks/mail", []byte(`{}`), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown mailbox acknowledged", func(t *testing.T) {
		f := newServerFixture(t, nil, "s")
		w := f.do(http.MethodPost, "/webhooks/mail", []byte(`{"mailbox":"nobody@example.com"}`), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["acknowledged"])
		assert.NotContains(t, resp, "mailbox_id")
	})

	t.Run("inactive mailbox acknowledged without sync", func(t *testing.T) {
		f := newServerFixture(t, nil, "s")
		require.NoError(t, f.store.InsertMailbox(context.Background(), store.Mailbox{
			ID: "mb-off", UserID: "u", Address: "off@example.com", Provider: store.ProviderGmail, Active: false,
		}))
		w := f.do(http.MethodPost, "/webhooks/mail", []byte(`{"mailbox":"off@example.com"}`), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotContains(t, resp, "mailbox_id")
	})

	t.Run("known mailbox triggers sync", func(t *testing.T) {
		f := newServerFixture(t, nil, "s")
		f.syncer.synced = make(chan string, 1)
		require.NoError(t, f.store.InsertMailbox(context.Background(), store.Mailbox{
			ID: "mb-1", UserID: "u", Address: "agent@example.com", Provider: store.ProviderGmail, Active: true,
		}))

		w := f.do(http.MethodPost, "/webhooks/mail", []byte(`{"mailbox":"Agent@Example.com"}`), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "mb-1", resp["mailbox_id"])

		select {
		case id := <-f.syncer.synced:
			assert.Equal(t, "mb-1", id)
		case <-time.After(time.Second):
			t.Fatal("sync was not triggered")
		}
	})
}

func TestUserAuth(t *testing.T) {
	t.Run("no verifier", func(t *testing.T) {
		f := newServerFixture(t, nil, "s")
		w := f.do(http.MethodGet, "/api/mailboxes", nil, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		f := newServerFixture(t, &fakeAuthenticator{err: errors.New("bad token")}, "s")
		w := f.do(http.MethodGet, "/api/mailboxes", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestListMailboxes_OwnerScoped(t *testing.T) {
	f := newServerFixture(t, &fakeAuthenticator{user: &auth.User{ID: "u-1"}}, "s")
	ctx := context.Background()
	require.NoError(t, f.store.InsertMailbox(ctx, store.Mailbox{
		ID: "mine", UserID: "u-1", Address: "mine@example.com", Provider: store.ProviderGmail, Active: true,
	}))
	require.NoError(t, f.store.InsertMailbox(ctx, store.Mailbox{
		ID: "theirs", UserID: "u-2", Address: "theirs@example.com", Provider: store.ProviderGmail, Active: true,
	}))

	w := f.do(http.MethodGet, "/api/mailboxes", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Mailboxes []store.Mailbox `json:"mailboxes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Mailboxes, 1)
	assert.Equal(t, "mine", resp.Mailboxes[0].ID)
}

func TestConnectMailbox(t *testing.T) {
	t.Run("creates mailbox with sealed tokens", func(t *testing.T) {
		f := newServerFixture(t, &fakeAuthenticator{user: &auth.User{ID: "u-1"}}, "s")
		body := []byte(`{
			"address": "Agent@Example.com",
			"provider": "gmail",
			"access_token": "plain-access",
			"refresh_token": "plain-refresh",
			"expires_in": 1800
		}`)
		w := f.do(http.MethodPost, "/api/mailboxes", body, nil)
		require.Equal(t, http.StatusCreated, w.Code)

		// Token material never appears in the response.
		assert.NotContains(t, w.Body.String(), "plain-access")
		assert.NotContains(t, w.Body.String(), "plain-refresh")

		var created store.Mailbox
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		assert.Equal(t, "agent@example.com", created.Address)

		stored, err := f.store.GetMailbox(context.Background(), created.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.NotEqual(t, "plain-refresh", stored.RefreshToken)
		opened, err := f.box.Open(stored.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "plain-refresh", opened)
	})

	t.Run("unsupported provider", func(t *testing.T) {
		f := newServerFixture(t, &fakeAuthenticator{user: &auth.User{ID: "u-1"}}, "s")
		body := []byte(`{"address":"a@b.com","provider":"imap","refresh_token":"x"}`)
		w := f.do(http.MethodPost, "/api/mailboxes", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing refresh token", func(t *testing.T) {
		f := newServerFixture(t, &fakeAuthenticator{user: &auth.User{ID: "u-1"}}, "s")
		body := []byte(`{"address":"a@b.com","provider":"gmail"}`)
		w := f.do(http.MethodPost, "/api/mailboxes", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDisconnectMailbox(t *testing.T) {
	f := newServerFixture(t, &fakeAuthenticator{user: &auth.User{ID: "u-1"}}, "s")
	ctx := context.Background()
	require.NoError(t, f.store.InsertMailbox(ctx, store.Mailbox{
		ID: "mine", UserID: "u-1", Address: "mine@example.com", Provider: store.ProviderGmail, Active: true,
	}))
	require.NoError(t, f.store.InsertMailbox(ctx, store.Mailbox{
		ID: "theirs", UserID: "u-2", Address: "theirs@example.com", Provider: store.ProviderGmail, Active: true,
	}))

	w := f.do(http.MethodDelete, "/api/mailboxes/theirs", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "other users' mailboxes look nonexistent")

	w = f.do(http.MethodDelete, "/api/mailboxes/mine", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	mb, err := f.store.GetMailbox(ctx, "mine")
	require.NoError(t, err)
	assert.False(t, mb.Active, "disconnect soft-disables rather than deletes")
}

func TestDisconnectMissingMailbox(t *testing.T) {
	f := newServerFixture(t, &fakeAuthenticator{user: &auth.User{ID: "u-1"}}, "s")
	w := f.do(http.MethodDelete, "/api/mailboxes/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
