// Package storetest contains the behaviour every store.Store implementation must show.
// It is run against the memory store in unit tests and against postgres in the
// integration suite.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// Run runs all store tests against s. Device ids are unique per call, so s may be
// shared with other tests, but readings are only checked for the owners created here.
func Run(t *testing.T, s store.Store) {
	t.Run("Credentials", func(t *testing.T) { testCredentials(t, s) })
	t.Run("Grants", func(t *testing.T) { testGrants(t, s) })
	t.Run("Readings", func(t *testing.T) { testReadings(t, s) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, s) })
	t.Run("History", func(t *testing.T) { testHistory(t, s) })
}

func uniqueID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func testCredentials(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uniqueID("dev")

	device, secret, err := s.CreateDevice(ctx, id, "Kitchen")
	require.NoError(t, err)
	assert.Equal(t, id, device.ID)
	assert.Equal(t, "Kitchen", device.DisplayName)
	assert.NotEmpty(t, secret)
	assert.False(t, device.CreatedAt.IsZero())

	_, _, err = s.CreateDevice(ctx, id, "Again")
	assert.ErrorIs(t, err, store.ErrConflict)

	ok, err := s.VerifyDeviceSecret(ctx, id, secret)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.VerifyDeviceSecret(ctx, id, secret+"x")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.VerifyDeviceSecret(ctx, uniqueID("unknown"), secret)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Device(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, device.ID, got.ID)
	assert.Equal(t, device.DisplayName, got.DisplayName)

	_, err = s.Device(ctx, uniqueID("unknown"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	generated, _, err := s.CreateDevice(ctx, "", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(generated.ID, "device-"))
	assert.Equal(t, generated.ID, generated.DisplayName)

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, d := range devices {
		ids[d.ID] = true
	}
	assert.True(t, ids[id])
	assert.True(t, ids[generated.ID])
}

func testGrants(t *testing.T, s store.Store) {
	ctx := context.Background()
	user := uniqueID("user")
	id := uniqueID("dev")
	_, _, err := s.CreateDevice(ctx, id, "")
	require.NoError(t, err)

	ok, err := s.HasGrant(ctx, user, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Assign(ctx, user, id))
	require.NoError(t, s.Assign(ctx, user, id), "assigning twice is a no-op")

	ok, err = s.HasGrant(ctx, user, id)
	require.NoError(t, err)
	assert.True(t, ok)

	devices, err := s.DevicesForUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, id, devices[0].ID)

	devices, err = s.DevicesForUser(ctx, uniqueID("user"))
	require.NoError(t, err)
	assert.Empty(t, devices)

	assert.ErrorIs(t, s.Assign(ctx, user, uniqueID("unknown")), store.ErrNotFound)
}

func testReadings(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := telemetry.OwnerKey(uniqueID("dev"))
	other := telemetry.OwnerKey(uniqueID("dev"))

	var appended []telemetry.Record
	for i := 0; i < 5; i++ {
		r, err := s.Append(ctx, telemetry.Record{
			OwnerKey: owner,
			Topic:    telemetry.DeviceTopic(string(owner), "temperature"),
			Payload:  json.RawMessage(fmt.Sprintf(`{"temp":%d}`, 20+i)),
			QoS:      telemetry.QoSAtLeastOnce,
		})
		require.NoError(t, err)
		assert.NotZero(t, r.ID)
		assert.False(t, r.CreatedAt.IsZero())
		if len(appended) > 0 {
			assert.Greater(t, r.ID, appended[len(appended)-1].ID)
		}
		appended = append(appended, r)
	}
	raw, err := s.Append(ctx, telemetry.Record{
		OwnerKey: other,
		Topic:    telemetry.DeviceTopic(string(other), "temperature"),
		Payload:  json.RawMessage(`"21.5 C"`),
		Raw:      true,
	})
	require.NoError(t, err)

	recent, err := s.RecentFor(ctx, owner, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	for i, r := range recent {
		expected := appended[len(appended)-1-i]
		assert.Equal(t, expected.ID, r.ID)
		assert.Equal(t, owner, r.OwnerKey)
		assert.JSONEq(t, string(expected.Payload), string(r.Payload))
		assert.Equal(t, telemetry.QoSAtLeastOnce, r.QoS)
	}

	recent, err = s.RecentFor(ctx, other, 100)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Raw)
	assert.Equal(t, raw.ID, recent[0].ID)
	assert.JSONEq(t, `"21.5 C"`, string(recent[0].Payload))

	all, err := s.RecentFor(ctx, telemetry.Wildcard, 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, raw.ID, all[0].ID)
	assert.Equal(t, appended[4].ID, all[1].ID)

	none, err := s.RecentFor(ctx, telemetry.OwnerKey(uniqueID("dev")), 10)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func testIdempotency(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := telemetry.OwnerKey(uniqueID("dev"))
	record := telemetry.Record{
		OwnerKey: owner,
		Topic:    telemetry.DeviceTopic(string(owner), "temperature"),
		Payload:  json.RawMessage(`{"temp":20}`),
		QoS:      telemetry.QoSAtLeastOnce,
		Key:      uuid.NewString(),
	}
	first, err := s.Append(ctx, record)
	require.NoError(t, err)
	again, err := s.Append(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.CreatedAt.Equal(again.CreatedAt))

	// records without a key are never deduplicated
	record.Key = ""
	for i := 0; i < 2; i++ {
		r, err := s.Append(ctx, record)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, r.ID)
	}

	stored, err := s.RecentFor(ctx, owner, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func testHistory(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := telemetry.OwnerKey(uniqueID("dev"))
	since := time.Now().Add(-time.Minute)
	payloads := []string{
		`{"temp":20}`,
		`{"temperature":"22"}`,
		`{"status":"ok"}`,
		`{"readings":[{"temperature":19},{"temp":"23"},"x"]}`,
		`"21.5 C"`,
	}
	for _, payload := range payloads {
		_, err := s.Append(ctx, telemetry.Record{OwnerKey: owner, Topic: "devices/x/y", Payload: json.RawMessage(payload)})
		require.NoError(t, err)
	}

	points, err := s.History(ctx, owner, telemetry.BucketDay, since)
	require.NoError(t, err)
	// the readings may straddle midnight
	require.NotEmpty(t, points)
	count := 0
	for i, p := range points {
		count += p.Count
		if i > 0 {
			assert.True(t, points[i-1].Bucket.Before(p.Bucket))
		}
	}
	assert.Equal(t, len(payloads), count)
	if len(points) == 1 {
		require.NotNil(t, points[0].Average)
		assert.InDelta(t, 21.0, *points[0].Average, 0.0001)
	}

	points, err = s.History(ctx, owner, telemetry.BucketHour, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, points)
}
