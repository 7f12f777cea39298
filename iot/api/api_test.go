package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/telemetry/core/access"
	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/fanout"
	"github.com/relabs-tech/telemetry/iot/gateway"
	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

var (
	admin = access.Authorization{UserID: "1", Roles: []string{access.RoleAdmin}}
	user  = access.Authorization{UserID: "2", Roles: []string{access.RoleUser}}
)

type fixture struct {
	memory   *store.Memory
	router   *fanout.Router
	gateway  *gateway.Gateway
	verifier *access.TokenVerifier
	mux      *mux.Router
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{memory: store.NewMemory(), verifier: access.NewTokenVerifier("api-secret")}
	ctx := context.Background()
	for _, id := range []string{"dev-1", "dev-2"} {
		_, _, err := f.memory.CreateDevice(ctx, id, "Device "+id)
		require.NoError(t, err)
	}
	require.NoError(t, f.memory.Assign(ctx, user.UserID, "dev-2"))

	f.router = fanout.NewRouter(f.memory)
	f.gateway = gateway.New(&gateway.Builder{Devices: f.memory, Readings: f.memory, Notifier: f.router})
	t.Cleanup(f.gateway.Close)

	f.mux = mux.NewRouter()
	logger.AddRequestID(f.mux)
	HandleCORS(f.mux)
	HandleCompression(f.mux)
	f.mux.Use(access.NewJwtMiddleware(f.verifier))
	New(&Builder{
		Router:   f.mux,
		Devices:  f.memory,
		Grants:   f.memory,
		Readings: f.memory,
		Ingestor: f.gateway,
		Statistics: StatisticsSources{
			Gateway: f.gateway,
			Router:  f.router,
		},
	})
	return f
}

func (f *fixture) do(t *testing.T, auth *access.Authorization, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, reader)
	if auth != nil {
		token, err := f.verifier.Issue(*auth, time.Hour)
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, nil, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health healthResponse
	decode(t, w, &health)
	assert.Equal(t, "OK", health.Status)
	assert.WithinDuration(t, time.Now(), health.Timestamp, time.Minute)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, nil, http.MethodOptions, "/api/devices", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestListDevices(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, nil, http.MethodGet, "/api/devices", nil).Code)

	var devices []store.Device
	w := f.do(t, &admin, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &devices)
	assert.Len(t, devices, 2)

	w = f.do(t, &user, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &devices)
	require.Len(t, devices, 1)
	assert.Equal(t, "dev-2", devices[0].ID)

	stranger := access.Authorization{UserID: "3", Roles: []string{access.RoleUser}}
	w = f.do(t, &stranger, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestCreateDevice(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusForbidden, f.do(t, &user, http.MethodPost, "/api/devices", createDeviceRequest{Name: "x"}).Code)

	w := f.do(t, &admin, http.MethodPost, "/api/devices", createDeviceRequest{Name: "Garage"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created createDeviceResponse
	decode(t, w, &created)
	assert.Regexp(t, `^device-\d+$`, created.ID)
	assert.Equal(t, "Garage", created.Name)
	assert.NotEmpty(t, created.Secret)

	ok, err := f.memory.VerifyDeviceSecret(context.Background(), created.ID, created.Secret)
	require.NoError(t, err)
	assert.True(t, ok)

	w = f.do(t, &admin, http.MethodPost, "/api/devices", createDeviceRequest{ID: "dev-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	for _, id := range []string{"a/b", "*", "self", "user:2"} {
		w = f.do(t, &admin, http.MethodPost, "/api/devices", createDeviceRequest{ID: id})
		assert.Equal(t, http.StatusBadRequest, w.Code, id)
	}
}

func TestAssignDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := map[string]interface{}{"userId": 3, "deviceId": "dev-1"}
	assert.Equal(t, http.StatusForbidden, f.do(t, &user, http.MethodPost, "/api/devices/assign", body).Code)

	w := f.do(t, &admin, http.MethodPost, "/api/devices/assign", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ok, err := f.memory.HasGrant(ctx, "3", "dev-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// idempotent
	w = f.do(t, &admin, http.MethodPost, "/api/devices/assign", map[string]interface{}{"userId": "3", "deviceId": "dev-1"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, &admin, http.MethodPost, "/api/devices/assign", map[string]interface{}{"userId": "3", "deviceId": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, &admin, http.MethodPost, "/api/devices/assign", map[string]interface{}{"deviceId": "dev-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeviceData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.gateway.Ingest(ctx, "dev-2", "devices/dev-2/temperature", []byte(`{"temp":20}`))
		require.NoError(t, err)
	}
	_, err := f.gateway.Ingest(ctx, "dev-1", "devices/dev-1/temperature", []byte(`{"temp":30}`))
	require.NoError(t, err)

	for _, path := range []string{"/api/devices/dev-2/data", "/api/messages/dev-2"} {
		w := f.do(t, &user, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		var records []telemetry.Record
		decode(t, w, &records)
		require.Len(t, records, 3, path)
		assert.True(t, records[0].ID > records[1].ID)
		assert.Equal(t, telemetry.OwnerKey("dev-2"), records[0].OwnerKey)
	}

	w := f.do(t, &user, http.MethodGet, "/api/devices/dev-2/data?limit=1", nil)
	var records []telemetry.Record
	decode(t, w, &records)
	assert.Len(t, records, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, &user, http.MethodGet, "/api/devices/dev-2/data?limit=x", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, &user, http.MethodGet, "/api/devices/dev-1/data", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, &user, http.MethodGet, "/api/messages/dev-1", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, nil, http.MethodGet, "/api/messages/dev-1", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, &admin, http.MethodGet, "/api/devices/dev-1/data", nil).Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, temp := range []string{`{"temp":20}`, `{"temperature":22}`} {
		_, err := f.gateway.Ingest(ctx, "dev-2", "devices/dev-2/temperature", []byte(temp))
		require.NoError(t, err)
	}

	w := f.do(t, &user, http.MethodGet, "/api/devices/dev-2/history?bucket=day", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var points []telemetry.HistoryPoint
	decode(t, w, &points)
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].Count)
	require.NotNil(t, points[0].Average)
	assert.InDelta(t, 21.0, *points[0].Average, 0.001)

	since := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	w = f.do(t, &user, http.MethodGet, "/api/devices/dev-2/history?since="+since, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(t, &user, http.MethodGet, "/api/devices/dev-2/history?bucket=week", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, &user, http.MethodGet, "/api/devices/dev-2/history?since=yesterday", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, &user, http.MethodGet, "/api/devices/dev-1/history", nil).Code)
}

func TestSimulate(t *testing.T) {
	f := newFixture(t)
	q := fanout.NewQueue(8)
	_, err := f.router.Subscribe(context.Background(), q, &user, "dev-2")
	require.NoError(t, err)

	body := map[string]interface{}{"deviceId": "dev-2", "topic": "temperature", "message": map[string]interface{}{"temp": 21.5}}
	w := f.do(t, &user, http.MethodPost, "/api/devices/simulate", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var record telemetry.Record
	decode(t, w, &record)
	assert.Equal(t, "devices/dev-2/temperature", record.Topic)
	assert.Equal(t, telemetry.QoSAtLeastOnce, record.QoS)
	assert.JSONEq(t, `{"temp":21.5}`, string(record.Payload))

	live, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, record.ID, live.ID)

	// full topics are accepted, but only for the device itself
	body = map[string]interface{}{"deviceId": "dev-2", "topic": "devices/dev-2/humidity", "message": 40}
	assert.Equal(t, http.StatusCreated, f.do(t, &user, http.MethodPost, "/api/devices/simulate", body).Code)
	body = map[string]interface{}{"deviceId": "dev-2", "topic": "devices/dev-1/humidity", "message": 40}
	assert.Equal(t, http.StatusForbidden, f.do(t, &user, http.MethodPost, "/api/devices/simulate", body).Code)

	body = map[string]interface{}{"deviceId": "dev-1", "message": 1}
	assert.Equal(t, http.StatusForbidden, f.do(t, &user, http.MethodPost, "/api/devices/simulate", body).Code)
	assert.Equal(t, http.StatusCreated, f.do(t, &admin, http.MethodPost, "/api/devices/simulate", body).Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, &admin, http.MethodPost, "/api/devices/simulate", map[string]string{"deviceId": "dev-1"}).Code)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	q := fanout.NewQueue(8)
	_, err := f.router.Subscribe(context.Background(), q, &admin, telemetry.Wildcard)
	require.NoError(t, err)
	_, err = f.gateway.Ingest(context.Background(), "dev-1", "devices/dev-1/temperature", []byte(`{"temp":1}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, f.do(t, &user, http.MethodGet, "/api/statistics", nil).Code)

	w := f.do(t, &admin, http.MethodGet, "/api/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats StatisticsDetails
	decode(t, w, &stats)
	assert.Equal(t, uint64(1), stats.Gateway.Accepted)
	assert.Equal(t, 1, stats.Router.Wildcard)
	assert.Equal(t, uint64(1), stats.Router.Delivered)
}

func TestVersion(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, nil, http.MethodGet, "/version", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, &user, http.MethodGet, "/version", nil).Code)

	w := f.do(t, &admin, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var version map[string]string
	decode(t, w, &version)
	assert.Equal(t, Version, version["version"])
}

func TestAuthorizationRoute(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNoContent, f.do(t, nil, http.MethodGet, "/authorization", nil).Code)
	w := f.do(t, &user, http.MethodGet, "/authorization", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var auth access.Authorization
	decode(t, w, &auth)
	assert.Equal(t, "2", auth.UserID)
}

func TestParseUserID(t *testing.T) {
	id, err := parseUserID(json.RawMessage(`42`))
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	id, err = parseUserID(json.RawMessage(`"abc"`))
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	_, err = parseUserID(json.RawMessage(`""`))
	assert.Error(t, err)
	_, err = parseUserID(nil)
	assert.Error(t, err)
}
