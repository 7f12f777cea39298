package client

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/telemetry/core/access"
)

func newRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(access.NewJwtMiddleware(access.NewTokenVerifier("client-secret")))
	router.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if auth == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"user_id":"` + auth.UserID + `"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}).Methods(http.MethodPost)
	return router
}

func TestClientWithRouter(t *testing.T) {
	client := NewWithRouter(newRouter())

	status, err := client.RawGet("/whoami", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Error(t, err)

	var who access.Authorization
	status, err = client.WithAuthorization(&access.Authorization{UserID: "7"}).RawGet("/whoami", &who)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "7", who.UserID)

	var echo map[string]string
	status, err = client.RawPost("/echo", map[string]string{"a": "b"}, &echo)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "b", echo["a"])

	var raw []byte
	_, err = client.RawPost("/echo", []byte(`{"x":1}`), &raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(raw))
}

func TestClientWithURL(t *testing.T) {
	server := httptest.NewServer(newRouter())
	defer server.Close()

	client := NewWithURL(server.URL + "/")
	status, err := client.RawGet("/whoami", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Error(t, err)

	token, err := access.NewTokenVerifier("client-secret").Issue(access.Authorization{UserID: "9"}, time.Hour)
	require.NoError(t, err)
	var who access.Authorization
	status, err = client.WithToken(token).RawGet("/whoami", &who)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "9", who.UserID)

	_, err = NewWithURL("http://127.0.0.1:1").RawGet("/whoami", nil)
	assert.Error(t, err)
}
