// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package access provides utilities for access control
 */
package access

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/telemetry/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// The roles known to the platform
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

/*Authorization is a context object which stores authorization information
for a dashboard user.

An authorization carries the user's identifier and a list of roles.

Authorizations are added to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := AuthorizationFromContext(ctx)

The JWT middleware adds the authorization to the context when the request carries
a valid bearer token. The websocket handshake uses the same verifier.
*/
type Authorization struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil || a.Roles == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// IsAdmin returns true if the authorization has the admin role
func (a *Authorization) IsAdmin() bool {
	return a.HasRole(RoleAdmin)
}

// Identity returns a printable identity for logging
func (a *Authorization) Identity() string {
	if a == nil {
		return ""
	}
	if len(a.Username) > 0 {
		return a.UserID + "|" + a.Username
	}
	return a.UserID
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

type cachedAuthorization struct {
	auth      *Authorization
	expiresAt time.Time
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// the token verifier to cache parsed bearer tokens until they expire.
//
// The cache only remembers who a token belongs to. Access to device data is
// never decided from the cache, grants are always looked up fresh.
//
// Entries live at most MaxTTL, also for tokens without expiry. Once the cache holds
// MaxEntries tokens, a write sweeps expired entries and evicts arbitrary ones if that
// is not enough.
type AuthorizationCache struct {
	MaxEntries int
	MaxTTL     time.Duration

	mutex sync.RWMutex
	cache map[string]cachedAuthorization
	now   func() time.Time
}

// defaults of the authorization cache
const (
	DefaultCacheEntries = 10000
	DefaultCacheTTL     = 15 * time.Minute
)

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{
		MaxEntries: DefaultCacheEntries,
		MaxTTL:     DefaultCacheTTL,
		cache:      make(map[string]cachedAuthorization),
		now:        time.Now,
	}
}

// Read returns an authorization from in-process cache, or nil if the token is unknown
// or has expired.
// This function is go-route safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	entry, ok := a.cache[token]
	a.mutex.RUnlock()
	if !ok {
		return nil
	}
	if !a.now().Before(entry.expiresAt) {
		a.mutex.Lock()
		delete(a.cache, token)
		a.mutex.Unlock()
		return nil
	}
	return entry.auth
}

// Write stores an authorization in the in-memory cache until expiresAt, but no longer
// than MaxTTL. A zero expiresAt means MaxTTL.
// This function is go-route safe
func (a *AuthorizationCache) Write(token string, auth *Authorization, expiresAt time.Time) {
	now := a.now()
	if limit := now.Add(a.MaxTTL); expiresAt.IsZero() || expiresAt.After(limit) {
		expiresAt = limit
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if _, ok := a.cache[token]; !ok && a.MaxEntries > 0 && len(a.cache) >= a.MaxEntries {
		a.sweepLocked(now)
	}
	a.cache[token] = cachedAuthorization{auth: auth, expiresAt: expiresAt}
}

// sweepLocked removes expired entries, then arbitrary ones until there is room for one more
func (a *AuthorizationCache) sweepLocked(now time.Time) {
	for token, entry := range a.cache {
		if !now.Before(entry.expiresAt) {
			delete(a.cache, token)
		}
	}
	for token := range a.cache {
		if len(a.cache) < a.MaxEntries {
			return
		}
		delete(a.cache, token)
	}
}

// Len returns the number of cached tokens
func (a *AuthorizationCache) Len() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return len(a.cache)
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization for provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("authorization")
	logger.Default().Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)
}
