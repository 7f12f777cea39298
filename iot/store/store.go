/*Package store provides the credential, grant and reading stores of the telemetry pipeline.

There are two implementations with identical semantics: Postgres for production and
Memory for tests and single process demos.

Device secrets are never stored in plain text. CreateDevice generates a random secret,
returns it exactly once and keeps only its bcrypt hash. VerifyDeviceSecret always performs
a bcrypt comparison, also for unknown devices, so that response times do not reveal which
device ids exist.
*/
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// errors returned by the stores
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Device is a registered device. The secret hash never leaves the store.
type Device struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CredentialStore holds device identities and their secrets
type CredentialStore interface {
	// CreateDevice registers a device and returns its secret. An empty id selects
	// a generated one.
	CreateDevice(ctx context.Context, id, displayName string) (Device, string, error)
	Device(ctx context.Context, id string) (Device, error)
	Devices(ctx context.Context) ([]Device, error)
	// VerifyDeviceSecret returns false for unknown devices and wrong secrets alike
	VerifyDeviceSecret(ctx context.Context, id, secret string) (bool, error)
}

// GrantStore holds the ownership grants between users and devices
type GrantStore interface {
	// Assign is idempotent. It returns ErrNotFound for unknown devices.
	Assign(ctx context.Context, userID, deviceID string) error
	HasGrant(ctx context.Context, userID, deviceID string) (bool, error)
	DevicesForUser(ctx context.Context, userID string) ([]Device, error)
}

// ReadingStore is the durable append-only store of readings
type ReadingStore interface {
	// Append stores the record and returns it with ID and CreatedAt assigned
	Append(ctx context.Context, record telemetry.Record) (telemetry.Record, error)
	// RecentFor returns up to limit records of owner, newest first. The wildcard
	// owner selects all owners.
	RecentFor(ctx context.Context, owner telemetry.OwnerKey, limit int) ([]telemetry.Record, error)
	// History aggregates the records of owner created at or after since, oldest bucket first
	History(ctx context.Context, owner telemetry.OwnerKey, bucket telemetry.Bucket, since time.Time) ([]telemetry.HistoryPoint, error)
}

// Store combines all stores
type Store interface {
	CredentialStore
	GrantStore
	ReadingStore
}

// MaxRecentLimit bounds the number of records a single RecentFor call returns
const MaxRecentLimit = 1000

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}

// NewDeviceID returns a device id of the form device-{unix millis}
func NewDeviceID(now time.Time) string {
	return fmt.Sprintf("device-%d", now.UnixMilli())
}

// newSecret returns a random secret together with its bcrypt hash
func newSecret() (string, []byte, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	secret := hex.EncodeToString(b)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}
	return secret, hash, nil
}

// dummyHash is compared against for unknown devices
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("no such device"), bcrypt.DefaultCost)

// compareSecret compares in constant time. A nil hash compares against dummyHash and
// always fails.
func compareSecret(hash []byte, secret string) bool {
	if hash == nil {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}
