package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/leadmap/mailsync/internal/auth"
	"github.com/leadmap/mailsync/internal/mailsync"
	"github.com/leadmap/mailsync/internal/secrets"
	"github.com/leadmap/mailsync/internal/store"
)

// Syncer is the batch-runner surface the HTTP layer drives.
type Syncer interface {
	Run(ctx context.Context) mailsync.Summary
	RefreshDueTokens(ctx context.Context) mailsync.Summary
	SyncMailbox(ctx context.Context, mb store.Mailbox) error
}

// Authenticator validates end-user requests on the mailbox endpoints.
type Authenticator interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

// Server is the HTTP surface: cron triggers, the inbound-mail webhook, and
// mailbox management.
type Server struct {
	store      *store.Store
	syncer     Syncer
	box        *secrets.Box
	verifier   Authenticator
	cronSecret string
	logger     *slog.Logger
}

func NewServer(s *store.Store, syncer Syncer, box *secrets.Box, verifier Authenticator, cronSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      s,
		syncer:     syncer,
		box:        box,
		verifier:   verifier,
		cronSecret: cronSecret,
		logger:     logger,
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	cron := r.Group("/cron", s.cronAuth())
	cron.GET("/sync", s.handleCronSync)
	cron.POST("/sync", s.handleCronSync)
	cron.GET("/refresh", s.handleCronRefresh)
	cron.POST("/refresh", s.handleCronRefresh)

	r.POST("/webhooks/mail", s.handleMailWebhook)

	api := r.Group("/api", s.userAuth())
	api.GET("/mailboxes", s.handleListMailboxes)
	api.POST("/mailboxes", s.handleConnectMailbox)
	api.DELETE("/mailboxes/:id", s.handleDisconnectMailbox)

	return r
}

// cronAuth guards the scheduled-job endpoints with a shared secret, accepted
// from any of the header conventions the hosting platforms use.
func (s *Server) cronAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cronSecret == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "cron secret not configured"})
			return
		}

		provided := c.GetHeader("x-cron-secret")
		if provided == "" {
			provided = c.GetHeader("x-vercel-cron-secret")
		}
		if provided == "" {
			authz := c.GetHeader("Authorization")
			provided = strings.TrimPrefix(authz, "Bearer ")
		}

		if provided != s.cronSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleCronSync(c *gin.Context) {
	summary := s.syncer.Run(c.Request.Context())
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleCronRefresh(c *gin.Context) {
	summary := s.syncer.RefreshDueTokens(c.Request.Context())
	c.JSON(http.StatusOK, summary)
}

type mailWebhookRequest struct {
	Mailbox string `json:"mailbox" binding:"required"`
}

// handleMailWebhook triggers a sync for the mailbox a provider notification
// concerns. An unknown mailbox is acknowledged with 200 rather than an error
// status: returning an error here would make the provider retry deliveries
// against a mailbox the user intentionally disconnected.
func (s *Server) handleMailWebhook(c *gin.Context) {
	var req mailWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mb, err := s.store.MailboxByAddress(c.Request.Context(), strings.ToLower(req.Mailbox))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if mb == nil || !mb.Active {
		c.JSON(http.StatusOK, gin.H{"acknowledged": true})
		return
	}

	go func(mb store.Mailbox) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.syncer.SyncMailbox(ctx, mb); err != nil {
			s.logger.Warn("webhook-triggered sync failed", "mailbox_id", mb.ID, "err", err)
		}
	}(*mb)

	c.JSON(http.StatusOK, gin.H{"acknowledged": true, "mailbox_id": mb.ID})
}

// userAuth validates the caller's JWT and stores the user in the context.
func (s *Server) userAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
			return
		}
		user, err := s.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	v, _ := c.Get("user")
	user, _ := v.(*auth.User)
	return user
}

func (s *Server) handleListMailboxes(c *gin.Context) {
	user := currentUser(c)
	mailboxes, err := s.store.ListActiveMailboxes(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Token columns are excluded from the JSON shape; only metadata leaves
	// the service.
	own := make([]store.Mailbox, 0, len(mailboxes))
	for _, mb := range mailboxes {
		if mb.UserID == user.ID {
			own = append(own, mb)
		}
	}
	c.JSON(http.StatusOK, gin.H{"mailboxes": own})
}

type connectMailboxRequest struct {
	Address      string `json:"address" binding:"required"`
	Provider     string `json:"provider" binding:"required"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ExpiresIn    int    `json:"expires_in"`
}

// handleConnectMailbox stores a mailbox from a completed OAuth connect flow.
// Tokens are sealed before they touch the database.
func (s *Server) handleConnectMailbox(c *gin.Context) {
	user := currentUser(c)

	var req connectMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider := store.Provider(strings.ToLower(req.Provider))
	if provider != store.ProviderGmail && provider != store.ProviderOutlook {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported provider"})
		return
	}

	sealedAccess, err := s.box.Seal(req.AccessToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credentials"})
		return
	}
	sealedRefresh, err := s.box.Seal(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credentials"})
		return
	}

	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	mb := store.Mailbox{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		Address:        strings.ToLower(req.Address),
		Provider:       provider,
		AccessToken:    sealedAccess,
		RefreshToken:   sealedRefresh,
		TokenExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
		Active:         true,
	}
	if err := s.store.InsertMailbox(c.Request.Context(), mb); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, mb)
}

func (s *Server) handleDisconnectMailbox(c *gin.Context) {
	user := currentUser(c)
	id := c.Param("id")

	mb, err := s.store.GetMailbox(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if mb == nil || mb.UserID != user.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "mailbox not found"})
		return
	}

	if err := s.store.SetMailboxActive(c.Request.Context(), id, false); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": true})
}
