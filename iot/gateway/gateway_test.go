package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/telemetry/core/access"
	"github.com/relabs-tech/telemetry/core/schema"
	"github.com/relabs-tech/telemetry/iot/fanout"
	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

var (
	admin = &access.Authorization{UserID: "1", Roles: []string{access.RoleAdmin}}
	user  = &access.Authorization{UserID: "2", Roles: []string{access.RoleUser}}
)

// flakyAppender fails the first failures appends
type flakyAppender struct {
	store.ReadingStore
	failures atomic.Int64
	calls    atomic.Int64
}

func (f *flakyAppender) Append(ctx context.Context, record telemetry.Record) (telemetry.Record, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return telemetry.Record{}, errors.New("connection reset by peer")
	}
	return f.ReadingStore.Append(ctx, record)
}

// lostReplyAppender stores every record but reports the first failures appends as failed,
// like a commit whose reply got lost on the wire
type lostReplyAppender struct {
	store.ReadingStore
	failures atomic.Int64
	calls    atomic.Int64
}

func (l *lostReplyAppender) Append(ctx context.Context, record telemetry.Record) (telemetry.Record, error) {
	l.calls.Add(1)
	stored, err := l.ReadingStore.Append(ctx, record)
	if err == nil && l.failures.Add(-1) >= 0 {
		return telemetry.Record{}, errors.New("connection reset by peer")
	}
	return stored, err
}

// durabilityChecker verifies that every notified record is already in the store
type durabilityChecker struct {
	t        *testing.T
	readings store.ReadingStore
	next     Notifier
}

func (d *durabilityChecker) OnAccepted(record telemetry.Record) {
	recent, err := d.readings.RecentFor(context.Background(), record.OwnerKey, 1)
	assert.NoError(d.t, err)
	if assert.NotEmpty(d.t, recent) {
		assert.Equal(d.t, record.ID, recent[0].ID)
	}
	d.next.OnAccepted(record)
}

type forwarderMock struct {
	mutex   sync.Mutex
	records []telemetry.Record
}

func (f *forwarderMock) Forward(ctx context.Context, record telemetry.Record) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.records = append(f.records, record)
}

type blockingVerifier struct{}

func (blockingVerifier) VerifyDeviceSecret(ctx context.Context, id, secret string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

type fixture struct {
	memory  *store.Memory
	router  *fanout.Router
	gateway *Gateway
	secrets map[string]string
}

func newFixture(t *testing.T, b Builder, devices ...string) *fixture {
	f := &fixture{memory: store.NewMemory(), secrets: map[string]string{}}
	ctx := context.Background()
	for _, id := range devices {
		_, secret, err := f.memory.CreateDevice(ctx, id, "")
		require.NoError(t, err)
		f.secrets[id] = secret
		if id == "dev-2" {
			require.NoError(t, f.memory.Assign(ctx, user.UserID, id))
		}
	}
	f.router = fanout.NewRouter(f.memory)

	if b.Devices == nil {
		b.Devices = f.memory
	}
	if b.Readings == nil {
		b.Readings = f.memory
	}
	if b.Notifier == nil {
		readings := store.ReadingStore(f.memory)
		if rs, ok := b.Readings.(store.ReadingStore); ok {
			readings = rs
		}
		b.Notifier = &durabilityChecker{t: t, readings: readings, next: f.router}
	}
	if b.RetryInitialInterval == 0 {
		b.RetryInitialInterval = time.Millisecond
		b.RetryMaxInterval = 5 * time.Millisecond
	}
	f.gateway = New(&b)
	t.Cleanup(f.gateway.Close)
	return f
}

func (f *fixture) connect(t *testing.T, deviceID string) *Connection {
	conn, err := f.gateway.Connect(context.Background(), deviceID, f.secrets[deviceID])
	require.NoError(t, err)
	return conn
}

func drain(q *fanout.Queue) []telemetry.Record {
	records := []telemetry.Record{}
	for {
		r, ok := q.TryPop()
		if !ok {
			return records
		}
		records = append(records, r)
	}
}

func TestConnect(t *testing.T) {
	f := newFixture(t, Builder{}, "dev-1")
	ctx := context.Background()

	conn := f.connect(t, "dev-1")
	assert.Equal(t, "dev-1", conn.DeviceID())
	assert.NotEmpty(t, conn.ID())
	assert.Equal(t, int64(1), f.gateway.Statistics().Connections)

	_, errWrongSecret := f.gateway.Connect(ctx, "dev-1", "wrong")
	_, errUnknown := f.gateway.Connect(ctx, "dev-9", f.secrets["dev-1"])
	_, errEmpty := f.gateway.Connect(ctx, "dev-1", "")
	for _, err := range []error{errWrongSecret, errUnknown, errEmpty} {
		assert.ErrorIs(t, err, telemetry.ErrAuth)
	}
	// the external signal does not reveal whether the device exists
	assert.Equal(t, errWrongSecret.Error(), errUnknown.Error())

	f.gateway.Disconnect(conn)
	f.gateway.Disconnect(conn)
	assert.Equal(t, int64(0), f.gateway.Statistics().Connections)
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	f := newFixture(t, Builder{Devices: blockingVerifier{}, HandshakeTimeout: 20 * time.Millisecond})
	start := time.Now()
	_, err := f.gateway.Connect(context.Background(), "dev-1", "secret")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPublish_EndToEnd(t *testing.T) {
	f := newFixture(t, Builder{}, "dev-1", "dev-2")
	ctx := context.Background()

	adminQueue := fanout.NewQueue(10)
	_, err := f.router.Subscribe(ctx, adminQueue, admin, telemetry.Wildcard)
	require.NoError(t, err)
	userQueue := fanout.NewQueue(10)
	_, err = f.router.Subscribe(ctx, userQueue, user, "dev-2")
	require.NoError(t, err)

	conn := f.connect(t, "dev-1")
	id, err := f.gateway.Publish(ctx, conn, "devices/dev-1/temperature", []byte(`{"temp": 21.5}`), telemetry.QoSAtLeastOnce)
	require.NoError(t, err)
	assert.NotZero(t, id)

	stored, err := f.memory.RecentFor(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ID)
	assert.Equal(t, telemetry.OwnerKey("dev-1"), stored[0].OwnerKey)
	assert.JSONEq(t, `{"temp":21.5}`, string(stored[0].Payload))
	assert.False(t, stored[0].Raw)

	delivered := drain(adminQueue)
	require.Len(t, delivered, 1)
	assert.Equal(t, id, delivered[0].ID)
	assert.Empty(t, drain(userQueue))
	assert.Equal(t, uint64(1), f.gateway.Statistics().Accepted)
}

func TestPublish_ForeignTopic(t *testing.T) {
	fwd := &forwarderMock{}
	f := newFixture(t, Builder{Forwarders: []Forwarder{fwd}}, "dev-1", "dev-2")
	ctx := context.Background()

	adminQueue := fanout.NewQueue(10)
	_, err := f.router.Subscribe(ctx, adminQueue, admin, telemetry.Wildcard)
	require.NoError(t, err)

	conn := f.connect(t, "dev-1")
	for _, topic := range []string{"devices/dev-2/temperature", "devices/dev-10/temperature", "devices/dev-1", "sensors/dev-1/temperature"} {
		_, err := f.gateway.Publish(ctx, conn, topic, []byte(`{"temp": 21.5}`), telemetry.QoSAtLeastOnce)
		assert.ErrorIs(t, err, telemetry.ErrAuthz, topic)
	}
	var authzErr *telemetry.AuthzError
	_, err = f.gateway.Publish(ctx, conn, "devices/dev-2/temperature", nil, telemetry.QoSAtMostOnce)
	require.True(t, errors.As(err, &authzErr))
	assert.Equal(t, telemetry.OwnerKey("dev-2"), authzErr.Owner)
	assert.Equal(t, "dev-1", authzErr.Identity)

	all, err := f.memory.RecentFor(ctx, telemetry.Wildcard, 100)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, drain(adminQueue))
	assert.Empty(t, fwd.records)
	assert.Equal(t, int64(5), conn.Violations())
	assert.False(t, conn.ShouldDisconnect(), "a few violations are tolerated")
}

func TestPublish_ViolationLimit(t *testing.T) {
	f := newFixture(t, Builder{ViolationLimit: 3}, "dev-1")
	conn := f.connect(t, "dev-1")
	for i := 0; i < 3; i++ {
		_, err := f.gateway.Publish(context.Background(), conn, "devices/dev-2/x", nil, telemetry.QoSAtLeastOnce)
		assert.ErrorIs(t, err, telemetry.ErrAuthz)
		assert.False(t, conn.ShouldDisconnect())
	}
	_, err := f.gateway.Publish(context.Background(), conn, "devices/dev-2/x", nil, telemetry.QoSAtLeastOnce)
	assert.ErrorIs(t, err, telemetry.ErrAuthz)
	assert.True(t, conn.ShouldDisconnect())

	unlimited := newFixture(t, Builder{ViolationLimit: -1}, "dev-1")
	conn = unlimited.connect(t, "dev-1")
	for i := 0; i < 20; i++ {
		unlimited.gateway.Publish(context.Background(), conn, "devices/dev-2/x", nil, telemetry.QoSAtLeastOnce)
	}
	assert.False(t, conn.ShouldDisconnect())
}

func TestPublish_RawAndFlaggedPayloads(t *testing.T) {
	validator, err := schema.NewValidator(map[string]string{
		"temperature": `{"type":"object","required":["temp"],"properties":{"temp":{"type":"number"}}}`,
	})
	require.NoError(t, err)
	f := newFixture(t, Builder{Validator: validator}, "dev-1")
	ctx := context.Background()
	conn := f.connect(t, "dev-1")

	_, err = f.gateway.Publish(ctx, conn, "devices/dev-1/temperature", []byte("21.5 C"), telemetry.QoSAtLeastOnce)
	require.NoError(t, err, "undecodable payloads are stored, not rejected")
	_, err = f.gateway.Publish(ctx, conn, "devices/dev-1/temperature", []byte(`{"temp":"warm"}`), telemetry.QoSAtLeastOnce)
	require.NoError(t, err)
	_, err = f.gateway.Publish(ctx, conn, "devices/dev-1/temperature", []byte(`{"temp":22}`), telemetry.QoSAtLeastOnce)
	require.NoError(t, err)

	records, err := f.memory.RecentFor(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.False(t, records[0].Raw)
	assert.False(t, records[0].Flagged)
	assert.True(t, records[1].Flagged)
	assert.True(t, records[2].Raw)
	assert.JSONEq(t, `"21.5 C"`, string(records[2].Payload))
}

func TestPublish_StoreRetry(t *testing.T) {
	memory := store.NewMemory()
	flaky := &flakyAppender{ReadingStore: memory}
	flaky.failures.Store(2)
	f := newFixture(t, Builder{Readings: flaky, StoreMaxRetries: 3}, "dev-1")
	conn := f.connect(t, "dev-1")

	id, err := f.gateway.Publish(context.Background(), conn, "devices/dev-1/temperature", []byte(`{}`), telemetry.QoSAtLeastOnce)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, int64(3), flaky.calls.Load())
}

func TestPublish_RetryAfterLostReplyStoresOnce(t *testing.T) {
	memory := store.NewMemory()
	lost := &lostReplyAppender{ReadingStore: memory}
	lost.failures.Store(1)
	f := newFixture(t, Builder{Readings: lost, StoreMaxRetries: 3}, "dev-1")
	ctx := context.Background()
	queue := fanout.NewQueue(10)
	_, err := f.router.Subscribe(ctx, queue, admin, telemetry.Wildcard)
	require.NoError(t, err)
	conn := f.connect(t, "dev-1")

	id, err := f.gateway.Publish(ctx, conn, "devices/dev-1/temperature", []byte(`{"temp":21.5}`), telemetry.QoSAtLeastOnce)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lost.calls.Load())

	stored, err := memory.RecentFor(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ID)
	delivered := drain(queue)
	require.Len(t, delivered, 1)
	assert.Equal(t, id, delivered[0].ID)
}

func TestPublish_StoreExhausted(t *testing.T) {
	memory := store.NewMemory()
	flaky := &flakyAppender{ReadingStore: memory}
	flaky.failures.Store(100)
	f := newFixture(t, Builder{Readings: flaky, StoreMaxRetries: 2}, "dev-1")
	ctx := context.Background()

	queue := fanout.NewQueue(10)
	_, err := f.router.Subscribe(ctx, queue, admin, telemetry.Wildcard)
	require.NoError(t, err)
	conn := f.connect(t, "dev-1")

	_, err = f.gateway.Publish(ctx, conn, "devices/dev-1/temperature", []byte(`{}`), telemetry.QoSAtLeastOnce)
	assert.ErrorIs(t, err, telemetry.ErrStore)
	var storeErr *telemetry.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, 3, storeErr.Attempts)
	assert.Equal(t, "store", telemetry.ReasonClass(err))

	assert.Empty(t, drain(queue), "nothing is delivered that was not stored")
	assert.Equal(t, uint64(1), f.gateway.Statistics().Failed)
	assert.False(t, conn.ShouldDisconnect(), "store failures are not violations")
}

func TestPublish_QoS0(t *testing.T) {
	f := newFixture(t, Builder{AsyncWorkers: 2}, "dev-1", "dev-2")
	ctx := context.Background()
	queue := fanout.NewQueue(1000)
	_, err := f.router.Subscribe(ctx, queue, admin, telemetry.Wildcard)
	require.NoError(t, err)

	conns := []*Connection{f.connect(t, "dev-1"), f.connect(t, "dev-2")}
	for i := 0; i < 100; i++ {
		for _, conn := range conns {
			id, err := f.gateway.Publish(ctx, conn, telemetry.DeviceTopic(conn.DeviceID(), "temperature"),
				[]byte(fmt.Sprintf(`{"seq":%d}`, i)), telemetry.QoSAtMostOnce)
			require.NoError(t, err)
			assert.Zero(t, id)
		}
	}
	f.gateway.Close()

	seq := map[telemetry.OwnerKey]int{}
	for _, r := range drain(queue) {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, seq[r.OwnerKey]), string(r.Payload), "publish order is kept per device")
		assert.Equal(t, telemetry.QoSAtMostOnce, r.QoS)
		seq[r.OwnerKey]++
	}
	assert.Equal(t, 100, seq["dev-1"])
	assert.Equal(t, 100, seq["dev-2"])

	// after close best-effort readings are stored in line
	_, err = f.gateway.Publish(ctx, conns[0], "devices/dev-1/temperature", []byte(`{}`), telemetry.QoSAtMostOnce)
	require.NoError(t, err)
	assert.Len(t, drain(queue), 1)
}

func TestPublish_MixedQoSKeepsOrder(t *testing.T) {
	// a tiny backlog forces publishers to wait for the worker
	f := newFixture(t, Builder{AsyncWorkers: 1, AsyncQueueSize: 2}, "dev-1")
	ctx := context.Background()
	queue := fanout.NewQueue(5000)
	_, err := f.router.Subscribe(ctx, queue, admin, telemetry.Wildcard)
	require.NoError(t, err)
	conn := f.connect(t, "dev-1")

	const n = 2000
	for i := 0; i < n; i++ {
		qos := telemetry.QoSAtMostOnce
		if i%2 == 1 {
			qos = telemetry.QoSAtLeastOnce
		}
		_, err := f.gateway.Publish(ctx, conn, "devices/dev-1/temperature", []byte(fmt.Sprintf(`{"seq":%d}`, i)), qos)
		require.NoError(t, err)
	}
	f.gateway.Close()

	delivered := drain(queue)
	require.Len(t, delivered, n)
	for i, r := range delivered {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(r.Payload))
		if i > 0 {
			assert.Greater(t, r.ID, delivered[i-1].ID)
		}
	}
}

func TestPublish_ConcurrentOwnersKeepOrder(t *testing.T) {
	devices := []string{"dev-1", "dev-2", "dev-3", "dev-4"}
	f := newFixture(t, Builder{}, devices...)
	ctx := context.Background()

	wildcard := fanout.NewQueue(1000)
	_, err := f.router.Subscribe(ctx, wildcard, admin, telemetry.Wildcard)
	require.NoError(t, err)

	const perDevice = 50
	published := make([][]int64, len(devices))
	var wg sync.WaitGroup
	for i, id := range devices {
		conn := f.connect(t, id)
		wg.Add(1)
		go func(i int, conn *Connection) {
			defer wg.Done()
			for n := 0; n < perDevice; n++ {
				rid, err := f.gateway.Publish(ctx, conn, telemetry.DeviceTopic(conn.DeviceID(), "temperature"), []byte(`{}`), telemetry.QoSAtLeastOnce)
				if assert.NoError(t, err) {
					published[i] = append(published[i], rid)
				}
			}
		}(i, conn)
	}
	wg.Wait()

	observed := map[telemetry.OwnerKey][]int64{}
	for _, r := range drain(wildcard) {
		observed[r.OwnerKey] = append(observed[r.OwnerKey], r.ID)
	}
	for i, id := range devices {
		assert.Equal(t, published[i], observed[telemetry.OwnerKey(id)])
	}
	assert.Equal(t, 0, f.gateway.locks.len(), "owner locks are released")
}

func TestIngest(t *testing.T) {
	fwd := &forwarderMock{}
	f := newFixture(t, Builder{Forwarders: []Forwarder{fwd}}, "dev-2")
	ctx := context.Background()
	queue := fanout.NewQueue(10)
	_, err := f.router.Subscribe(ctx, queue, user, "dev-2")
	require.NoError(t, err)

	record, err := f.gateway.Ingest(ctx, "dev-2", "devices/dev-2/temperature", []byte(`{"temperature": 23}`))
	require.NoError(t, err)
	assert.NotZero(t, record.ID)
	assert.Equal(t, telemetry.QoSAtLeastOnce, record.QoS)
	assert.Len(t, drain(queue), 1)
	require.Len(t, fwd.records, 1)
	assert.Equal(t, record.ID, fwd.records[0].ID)

	_, err = f.gateway.Ingest(ctx, "dev-2", "devices/dev-1/temperature", []byte(`{}`))
	assert.ErrorIs(t, err, telemetry.ErrAuthz)
	_, err = f.gateway.Ingest(ctx, "dev-2", "nonsense", []byte(`{}`))
	assert.Error(t, err)
}

func TestOwnerLocks(t *testing.T) {
	locks := newOwnerLocks()
	unlock := locks.lock("dev-1")
	acquired := make(chan struct{})
	go func() {
		u := locks.lock("dev-1")
		close(acquired)
		u()
	}()

	// another owner is not blocked
	other := locks.lock("dev-2")
	other()

	select {
	case <-acquired:
		t.Fatal("lock of the same owner acquired twice")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return locks.len() == 0 }, time.Second, 5*time.Millisecond)
}
