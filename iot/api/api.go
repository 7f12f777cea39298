package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/telemetry/core/access"
	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// DefaultRecentLimit is the number of readings returned for a device
const DefaultRecentLimit = 100

// Ingestor accepts readings on behalf of a device, see gateway.Gateway
type Ingestor interface {
	Ingest(ctx context.Context, owner telemetry.OwnerKey, topic string, payload []byte) (telemetry.Record, error)
}

// Service is the REST interface of the telemetry pipeline
type Service struct {
	devices    store.CredentialStore
	grants     store.GrantStore
	readings   store.ReadingStore
	ingestor   Ingestor
	statistics StatisticsSources
}

// Builder is a builder helper for the Service
type Builder struct {
	// Router is the mux router. This is mandatory.
	Router *mux.Router
	// Devices is the credential store. This is mandatory.
	Devices store.CredentialStore
	// Grants is the grant store. This is mandatory.
	Grants store.GrantStore
	// Readings is the reading store. This is mandatory.
	Readings store.ReadingStore
	// Ingestor accepts simulated readings. This is mandatory.
	Ingestor Ingestor
	// Statistics are the live counters reported on /api/statistics
	Statistics StatisticsSources
}

// New creates the service and adds its routes to the router. The router is expected
// to run the access.NewJwtMiddleware.
func New(b *Builder) *Service {
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Devices == nil || b.Grants == nil || b.Readings == nil {
		panic("stores are missing")
	}
	if b.Ingestor == nil {
		panic("Ingestor is missing")
	}
	s := &Service{
		devices:    b.Devices,
		grants:     b.Grants,
		readings:   b.Readings,
		ingestor:   b.Ingestor,
		statistics: b.Statistics,
	}
	s.handleRoutes(b.Router)
	return s
}

type createDeviceRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type createDeviceResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

type assignRequest struct {
	UserID   json.RawMessage `json:"userId"`
	DeviceID string          `json:"deviceId"`
}

type simulateRequest struct {
	DeviceID string          `json:"deviceId"`
	Topic    string          `json:"topic"`
	Message  json.RawMessage `json:"message"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Service) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("telemetry api")
	rlog.Debugln("  handle route: /health GET")
	rlog.Debugln("  handle route: /api/devices GET,POST")
	rlog.Debugln("  handle route: /api/devices/assign POST")
	rlog.Debugln("  handle route: /api/devices/simulate POST")
	rlog.Debugln("  handle route: /api/devices/{device_id}/data GET")
	rlog.Debugln("  handle route: /api/devices/{device_id}/history GET")
	rlog.Debugln("  handle route: /api/messages/{device_id} GET")
	rlog.Debugln("  handle route: /api/statistics GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "OK", Timestamp: time.Now().UTC()})
	}).Methods(http.MethodOptions, http.MethodGet)

	access.HandleAuthorizationRoute(router)

	router.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		s.listDevices(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		s.createDevice(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/api/devices/assign", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		s.assignDevice(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/api/devices/simulate", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		s.simulate(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	recent := func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		s.deviceData(w, r)
	}
	router.HandleFunc("/api/devices/{device_id}/data", recent).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/messages/{device_id}", recent).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/api/devices/{device_id}/history", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		s.history(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)

	s.handleStatistics(router)
	s.handleVersion(router)
}

func (s *Service) listDevices(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	var devices []store.Device
	var err error
	if auth.IsAdmin() {
		devices, err = s.devices.Devices(r.Context())
	} else {
		devices, err = s.grants.DevicesForUser(r.Context(), auth.UserID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Service) createDevice(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var request createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := access.ValidateDeviceID(request.ID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	device, secret, err := s.devices.CreateDevice(r.Context(), request.ID, request.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("created device", device.ID)
	writeJSON(w, http.StatusCreated, createDeviceResponse{ID: device.ID, Name: device.DisplayName, Secret: secret})
}

func (s *Service) assignDevice(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var request assignRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	userID, err := parseUserID(request.UserID)
	if err != nil || len(request.DeviceID) == 0 {
		http.Error(w, "userId and deviceId are required", http.StatusBadRequest)
		return
	}
	if err := s.grants.Assign(r.Context(), userID, request.DeviceID); err != nil {
		writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("assigned device", request.DeviceID, "to user", userID)
	writeJSON(w, http.StatusCreated, messageResponse{Message: "Device assigned successfully"})
}

func (s *Service) simulate(w http.ResponseWriter, r *http.Request) {
	var request simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(request.DeviceID) == 0 || len(request.Message) == 0 {
		http.Error(w, "deviceId and message are required", http.StatusBadRequest)
		return
	}
	if !s.authorize(w, r, request.DeviceID) {
		return
	}
	topic := request.Topic
	if len(topic) == 0 {
		topic = "temperature"
	}
	if _, err := telemetry.ParseTopic(topic); err != nil {
		topic = telemetry.DeviceTopic(request.DeviceID, topic)
	}
	record, err := s.ingestor.Ingest(r.Context(), telemetry.OwnerKey(request.DeviceID), topic, request.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Service) deviceData(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if !s.authorize(w, r, deviceID) {
		return
	}
	limit := DefaultRecentLimit
	if l := r.URL.Query().Get("limit"); len(l) > 0 {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := s.readings.RecentFor(r.Context(), telemetry.OwnerKey(deviceID), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Service) history(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if !s.authorize(w, r, deviceID) {
		return
	}
	query := r.URL.Query()
	bucket, err := telemetry.ParseBucket(query.Get("bucket"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := query.Get("since"); len(v) > 0 {
		since, err = time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid since, expected RFC3339", http.StatusBadRequest)
			return
		}
	}
	points, err := s.readings.History(r.Context(), telemetry.OwnerKey(deviceID), bucket, since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if points == nil {
		points = []telemetry.HistoryPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// authorize runs the access predicate for the caller and owner. It writes the error
// response and returns false if access is denied.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request, owner string) bool {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return false
	}
	ok, err := access.CanAccess(r.Context(), s.grants, auth, owner)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if !ok {
		logger.Security(r.Context()).Warnln(auth.Identity(), "denied access to", owner)
		http.Error(w, "access denied", http.StatusForbidden)
		return false
	}
	return true
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return false
	}
	if !auth.IsAdmin() {
		http.Error(w, "admin only", http.StatusForbidden)
		return false
	}
	return true
}

// parseUserID accepts numeric and string user ids
func parseUserID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if len(s) == 0 {
			return "", errors.New("empty user id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	jsonData, err := json.MarshalIndent(body, "", " ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// writeError maps an error to its status code. Internal details are logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, telemetry.ErrAuth):
		http.Error(w, "not authorized", http.StatusUnauthorized)
	case errors.Is(err, telemetry.ErrAuthz):
		http.Error(w, "access denied", http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, "already exists", http.StatusConflict)
	case errors.Is(err, telemetry.ErrStore):
		logger.FromContext(r.Context()).WithError(err).Errorln("store unavailable")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	default:
		logger.FromContext(r.Context()).WithError(err).Errorln("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
