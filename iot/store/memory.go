package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relabs-tech/telemetry/iot/telemetry"
)

type memoryDevice struct {
	Device
	secretHash []byte
}

type grantKey struct {
	userID   string
	deviceID string
}

// Memory is an in-process implementation of Store
type Memory struct {
	mutex    sync.RWMutex
	devices  map[string]*memoryDevice
	grants   map[grantKey]time.Time
	readings []telemetry.Record
	keys     map[string]int
	nextID   int64
	now      func() time.Time
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*memoryDevice),
		grants:  make(map[grantKey]time.Time),
		keys:    make(map[string]int),
		now:     time.Now,
	}
}

// CreateDevice implements CredentialStore
func (m *Memory) CreateDevice(ctx context.Context, id, displayName string) (Device, string, error) {
	secret, hash, err := newSecret()
	if err != nil {
		return Device{}, "", err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := m.now().UTC()
	if len(id) == 0 {
		id = NewDeviceID(now)
	}
	if _, ok := m.devices[id]; ok {
		return Device{}, "", ErrConflict
	}
	if len(displayName) == 0 {
		displayName = id
	}
	device := Device{ID: id, DisplayName: displayName, CreatedAt: now}
	m.devices[id] = &memoryDevice{Device: device, secretHash: hash}
	return device, secret, nil
}

// Device implements CredentialStore
func (m *Memory) Device(ctx context.Context, id string) (Device, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d.Device, nil
}

// Devices implements CredentialStore
func (m *Memory) Devices(ctx context.Context) ([]Device, error) {
	m.mutex.RLock()
	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d.Device)
	}
	m.mutex.RUnlock()
	sortDevices(devices)
	return devices, nil
}

// VerifyDeviceSecret implements CredentialStore
func (m *Memory) VerifyDeviceSecret(ctx context.Context, id, secret string) (bool, error) {
	var hash []byte
	m.mutex.RLock()
	if d, ok := m.devices[id]; ok {
		hash = d.secretHash
	}
	m.mutex.RUnlock()
	return compareSecret(hash, secret), nil
}

// Assign implements GrantStore
func (m *Memory) Assign(ctx context.Context, userID, deviceID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		return ErrNotFound
	}
	key := grantKey{userID: userID, deviceID: deviceID}
	if _, ok := m.grants[key]; !ok {
		m.grants[key] = m.now().UTC()
	}
	return nil
}

// HasGrant implements GrantStore and access.GrantChecker
func (m *Memory) HasGrant(ctx context.Context, userID, deviceID string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.grants[grantKey{userID: userID, deviceID: deviceID}]
	return ok, nil
}

// DevicesForUser implements GrantStore
func (m *Memory) DevicesForUser(ctx context.Context, userID string) ([]Device, error) {
	m.mutex.RLock()
	devices := []Device{}
	for key := range m.grants {
		if key.userID != userID {
			continue
		}
		if d, ok := m.devices[key.deviceID]; ok {
			devices = append(devices, d.Device)
		}
	}
	m.mutex.RUnlock()
	sortDevices(devices)
	return devices, nil
}

// Append implements ReadingStore. CreatedAt never goes backwards, so insertion order and
// time order agree.
func (m *Memory) Append(ctx context.Context, record telemetry.Record) (telemetry.Record, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.Record{}, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(record.Key) > 0 {
		if i, ok := m.keys[record.Key]; ok {
			return m.readings[i], nil
		}
		m.keys[record.Key] = len(m.readings)
	}
	m.nextID++
	record.ID = m.nextID
	record.CreatedAt = m.now().UTC()
	if n := len(m.readings); n > 0 && record.CreatedAt.Before(m.readings[n-1].CreatedAt) {
		record.CreatedAt = m.readings[n-1].CreatedAt
	}
	record.Payload = append([]byte(nil), record.Payload...)
	m.readings = append(m.readings, record)
	return record, nil
}

// RecentFor implements ReadingStore
func (m *Memory) RecentFor(ctx context.Context, owner telemetry.OwnerKey, limit int) ([]telemetry.Record, error) {
	limit = clampLimit(limit)
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	records := []telemetry.Record{}
	for i := len(m.readings) - 1; i >= 0 && len(records) < limit; i-- {
		if owner.IsWildcard() || m.readings[i].OwnerKey == owner {
			records = append(records, m.readings[i])
		}
	}
	return records, nil
}

// History implements ReadingStore
func (m *Memory) History(ctx context.Context, owner telemetry.OwnerKey, bucket telemetry.Bucket, since time.Time) ([]telemetry.HistoryPoint, error) {
	m.mutex.RLock()
	records := []telemetry.Record{}
	for _, r := range m.readings {
		if (owner.IsWildcard() || r.OwnerKey == owner) && !r.CreatedAt.Before(since) {
			records = append(records, r)
		}
	}
	m.mutex.RUnlock()
	return telemetry.Aggregate(records, bucket), nil
}

func sortDevices(devices []Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
}
