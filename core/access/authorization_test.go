package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type grantsMock map[string]bool

func (g grantsMock) HasGrant(ctx context.Context, userID, deviceID string) (bool, error) {
	return g[userID+"/"+deviceID], nil
}

type failingGrants struct{}

func (failingGrants) HasGrant(ctx context.Context, userID, deviceID string) (bool, error) {
	return false, errors.New("database down")
}

func TestAuthorization_HasRole(t *testing.T) {
	var auth *Authorization
	assert.False(t, auth.HasRole(RoleAdmin))
	assert.False(t, auth.IsAdmin())

	auth = &Authorization{UserID: "7", Roles: []string{RoleUser}}
	assert.True(t, auth.HasRole(RoleUser))
	assert.False(t, auth.IsAdmin())

	auth.Roles = append(auth.Roles, RoleAdmin)
	assert.True(t, auth.IsAdmin())
}

func TestCanAccess(t *testing.T) {
	ctx := context.Background()
	grants := grantsMock{"7/dev-1": true}
	user := &Authorization{UserID: "7", Roles: []string{RoleUser}}
	admin := &Authorization{UserID: "1", Roles: []string{RoleAdmin}}

	testCases := []struct {
		name     string
		auth     *Authorization
		owner    string
		expected bool
	}{
		{"no authorization", nil, "dev-1", false},
		{"empty owner", user, "", false},
		{"granted device", user, "dev-1", true},
		{"device without grant", user, "dev-2", false},
		{"own user stream", user, UserOwner("7"), true},
		{"other user stream", user, UserOwner("8"), false},
		{"device named like the user", user, "7", false},
		{"user wildcard", user, WildcardOwner, false},
		{"admin any device", admin, "dev-2", true},
		{"admin wildcard", admin, WildcardOwner, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := CanAccess(ctx, grants, tc.auth, tc.owner)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, ok)
		})
	}
}

func TestCanAccess_GrantLookupError(t *testing.T) {
	user := &Authorization{UserID: "7", Roles: []string{RoleUser}}
	ok, err := CanAccess(context.Background(), failingGrants{}, user, "dev-1")
	assert.Error(t, err)
	assert.False(t, ok)

	// admins never hit the grant table
	admin := &Authorization{UserID: "1", Roles: []string{RoleAdmin}}
	ok, err = CanAccess(context.Background(), failingGrants{}, admin, "dev-1")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestCanAccess_DeviceWithUserID(t *testing.T) {
	ctx := context.Background()
	user := &Authorization{UserID: "42", Roles: []string{RoleUser}}

	ok, err := CanAccess(ctx, grantsMock{}, user, "42")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = CanAccess(ctx, grantsMock{"42/42": true}, user, "42")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateDeviceID(t *testing.T) {
	for _, id := range []string{"", "dev-1", "42", "kitchen.sensor"} {
		assert.NoError(t, ValidateDeviceID(id), id)
	}
	for _, id := range []string{"*", "self", "a/b", "a+", "a#", "user:42", "dev*"} {
		assert.ErrorIs(t, ValidateDeviceID(id), ErrInvalidDeviceID, id)
	}
}

func TestAuthorizationCache_Expiry(t *testing.T) {
	cache := NewAuthorizationCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	auth := &Authorization{UserID: "7"}
	cache.Write("token", auth, now.Add(time.Minute))
	cache.Write("forever", auth, time.Time{})
	assert.Equal(t, auth, cache.Read("token"))

	now = now.Add(2 * time.Minute)
	assert.Nil(t, cache.Read("token"))
	assert.Equal(t, auth, cache.Read("forever"))
	assert.Nil(t, cache.Read("unknown"))

	// tokens without expiry are capped at MaxTTL
	now = now.Add(DefaultCacheTTL)
	assert.Nil(t, cache.Read("forever"))
	assert.Equal(t, 0, cache.Len())
}

func TestAuthorizationCache_Bounded(t *testing.T) {
	cache := NewAuthorizationCache()
	cache.MaxEntries = 10
	now := time.Now()
	cache.now = func() time.Time { return now }
	auth := &Authorization{UserID: "7"}

	for i := 0; i < 5; i++ {
		cache.Write(fmt.Sprintf("short-%d", i), auth, now.Add(time.Second))
	}
	for i := 0; i < 5; i++ {
		cache.Write(fmt.Sprintf("long-%d", i), auth, now.Add(time.Hour))
	}
	assert.Equal(t, 10, cache.Len())

	// expired entries make room first
	now = now.Add(2 * time.Second)
	cache.Write("new", auth, now.Add(time.Hour))
	assert.Equal(t, 6, cache.Len())
	for i := 0; i < 5; i++ {
		assert.Equal(t, auth, cache.Read(fmt.Sprintf("long-%d", i)))
	}

	for i := 0; i < 100; i++ {
		cache.Write(fmt.Sprintf("flood-%d", i), auth, time.Time{})
	}
	assert.Equal(t, 10, cache.Len())
	assert.Equal(t, auth, cache.Read("flood-99"))
}

func TestTokenVerifier_RoundTrip(t *testing.T) {
	verifier := NewTokenVerifier("secret")
	token, err := verifier.Issue(Authorization{UserID: "42", Username: "alice", Roles: []string{RoleAdmin}}, time.Hour)
	require.NoError(t, err)

	auth, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "42", auth.UserID)
	assert.Equal(t, "alice", auth.Username)
	assert.True(t, auth.IsAdmin())
}

func TestTokenVerifier_NumericID(t *testing.T) {
	claims := jwt.MapClaims{"id": 17, "username": "bob", "role": "user", "exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	auth, err := NewTokenVerifier("secret").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "17", auth.UserID)
	assert.False(t, auth.IsAdmin())
}

func TestTokenVerifier_Rejects(t *testing.T) {
	verifier := NewTokenVerifier("secret")

	forged, err := NewTokenVerifier("other").Issue(Authorization{UserID: "1", Roles: []string{RoleAdmin}}, time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Issue(Authorization{UserID: "1"}, -time.Minute)
	require.NoError(t, err)
	noID, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{"empty": "", "garbage": "a.b.c", "forged": forged, "expired": expired, "no id": noID} {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJwtMiddleware(t *testing.T) {
	verifier := NewTokenVerifier("secret")
	token, err := verifier.Issue(Authorization{UserID: "42", Roles: []string{RoleUser}}, time.Hour)
	require.NoError(t, err)

	router := mux.NewRouter()
	router.Use(NewJwtMiddleware(verifier))
	HandleAuthorizationRoute(router)

	testCases := []struct {
		name               string
		header             string
		query              string
		expectedStatusCode int
	}{
		{"no token", "", "", http.StatusNoContent},
		{"bearer header", "Bearer " + token, "", http.StatusOK},
		{"query parameter", "", "?token=" + token, http.StatusOK},
		{"invalid token", "Bearer nonsense", "", http.StatusUnauthorized},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/authorization"+tc.query, nil)
			if len(tc.header) > 0 {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.expectedStatusCode, rec.Code)
			if rec.Code == http.StatusOK {
				assert.Contains(t, rec.Body.String(), `"user_id": "42"`)
			}
		})
	}
}
