// Package auth verifies the JWTs issued by the lead-management app's identity
// provider, using its published JWKS.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User is the authenticated principal extracted from a token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verifier validates bearer tokens against a cached JWKS. Keys refresh in the
// background so request handling never blocks on a JWKS fetch.
type Verifier struct {
	jwksURL    string
	cache      *jwk.Cache
	keySet     jwk.Set
	mu         sync.RWMutex
	refreshTTL time.Duration
}

// NewVerifier fetches the JWKS once to warm the cache, then refreshes it on a
// fixed interval.
func NewVerifier(jwksURL string) (*Verifier, error) {
	v := &Verifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()
	return v, nil
}

func (v *Verifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *Verifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()
		if err != nil {
			// Keep serving the last good key set; retry next tick.
			continue
		}
		v.mu.Lock()
		v.keySet = keySet
		v.mu.Unlock()
	}
}

func (v *Verifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// UserFromRequest validates the request's bearer token and returns the user.
func (v *Verifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}

	return &User{ID: userID, Email: email}, nil
}
