package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/store/storetest"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, store.NewMemory())
}

func TestMemory_ConcurrentAppend(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := s.Append(ctx, telemetry.Record{OwnerKey: "dev-1", Payload: json.RawMessage(`{}`)})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	records, err := s.RecentFor(ctx, "dev-1", store.MaxRecentLimit)
	require.NoError(t, err)
	require.Len(t, records, 400)
	for i := 1; i < len(records); i++ {
		assert.Equal(t, records[i-1].ID-1, records[i].ID)
		assert.False(t, records[i].CreatedAt.After(records[i-1].CreatedAt))
	}
}

func TestMemory_CanceledAppend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.NewMemory().Append(ctx, telemetry.Record{OwnerKey: "dev-1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewDeviceID(t *testing.T) {
	id := store.NewDeviceID(time.UnixMilli(1700000000123))
	assert.Equal(t, "device-1700000000123", id)
}
