// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/telemetry/core/logger"
)

// ErrInvalidToken is returned for missing, malformed, expired or forged tokens
var ErrInvalidToken = errors.New("invalid token")

// userID accepts both numeric and string ids in the "id" claim. Tokens issued by the
// login service carry the numeric database id of the user.
type userID string

func (u *userID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*u = userID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id claim must be a string or a number: %w", err)
	}
	*u = userID(n.String())
	return nil
}

// Claims are the claims of a dashboard bearer token
type Claims struct {
	ID       userID `json:"id"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

// TokenVerifier verifies HMAC signed bearer tokens and turns them into authorizations.
type TokenVerifier struct {
	secret []byte
	cache  *AuthorizationCache
}

// NewTokenVerifier returns a verifier for tokens signed with secret
func NewTokenVerifier(secret string) *TokenVerifier {
	if len(secret) == 0 {
		panic("JWT secret is missing")
	}
	return &TokenVerifier{
		secret: []byte(secret),
		cache:  NewAuthorizationCache(),
	}
}

// Verify parses and validates the token and returns the authorization it carries.
// Any failure is reported as ErrInvalidToken.
func (v *TokenVerifier) Verify(tokenString string) (*Authorization, error) {
	if len(tokenString) == 0 {
		return nil, ErrInvalidToken
	}
	if auth := v.cache.Read(tokenString); auth != nil {
		return auth, nil
	}

	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(claims.ID) == 0 {
		return nil, fmt.Errorf("%w: id claim missing", ErrInvalidToken)
	}

	role := claims.Role
	if len(role) == 0 {
		role = RoleUser
	}
	auth := &Authorization{
		UserID:   string(claims.ID),
		Username: claims.Username,
		Roles:    []string{role},
	}
	var expiresAt time.Time
	if claims.ExpiresAt > 0 {
		expiresAt = time.Unix(claims.ExpiresAt, 0)
	}
	v.cache.Write(tokenString, auth, expiresAt)
	return auth, nil
}

// Issue signs a token for the authorization. It is used by the command line tooling and by
// tests; interactive login lives in a separate service.
func (v *TokenVerifier) Issue(auth Authorization, ttl time.Duration) (string, error) {
	role := RoleUser
	if auth.IsAdmin() {
		role = RoleAdmin
	}
	now := time.Now()
	claims := Claims{
		ID:       userID(auth.UserID),
		Username: auth.Username,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// for browsers that cannot set headers on websocket handshakes, from the
// "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			return bearer[7:]
		}
		return bearer
	}
	return r.URL.Query().Get("token")
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer token.
//
// Requests without a token pass through without authorization, handlers decide
// whether they need one. A request with an invalid token is rejected with
// http.StatusUnauthorized.
func NewJwtMiddleware(verifier *TokenVerifier) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := TokenFromRequest(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			auth, err := verifier.Verify(tokenString)
			if err != nil {
				logger.Security(r.Context()).WithError(err).Warnln("rejected bearer token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := auth.ContextWithAuthorization(r.Context())
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, auth.Identity())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
