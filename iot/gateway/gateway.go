package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/core/metrics"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// DeviceVerifier verifies device credentials, see store.CredentialStore
type DeviceVerifier interface {
	VerifyDeviceSecret(ctx context.Context, id, secret string) (bool, error)
}

// Appender durably appends records, see store.ReadingStore
type Appender interface {
	Append(ctx context.Context, record telemetry.Record) (telemetry.Record, error)
}

// Notifier is told about every accepted record, see fanout.Router
type Notifier interface {
	OnAccepted(record telemetry.Record)
}

// Forwarder passes accepted records on to downstream systems. Forward must not block.
type Forwarder interface {
	Forward(ctx context.Context, record telemetry.Record)
}

// PayloadValidator checks decoded payloads, see schema.Validator
type PayloadValidator interface {
	Validate(subtopic string, payload []byte) error
}

// Builder is a builder helper for the Gateway
type Builder struct {
	// Devices verifies device secrets. This is mandatory.
	Devices DeviceVerifier
	// Readings is the reading store. This is mandatory.
	Readings Appender
	// Notifier receives every accepted record. This is mandatory.
	Notifier Notifier
	// Forwarders are optional downstream sinks
	Forwarders []Forwarder
	// Validator optionally flags payloads that do not match their schema
	Validator PayloadValidator

	// HandshakeTimeout bounds Connect. Defaults to 10 seconds.
	HandshakeTimeout time.Duration
	// StoreMaxRetries is the number of retries after a failed append. Defaults to 3,
	// a negative value disables retries.
	StoreMaxRetries int
	// RetryInitialInterval is the first backoff interval. Defaults to 50 milliseconds.
	RetryInitialInterval time.Duration
	// RetryMaxInterval caps the backoff interval. Defaults to 1 second.
	RetryMaxInterval time.Duration
	// ViolationLimit is the number of authorization violations per minute a connection
	// may commit before it is disconnected. Defaults to 10, a negative value never
	// disconnects.
	ViolationLimit int
	// AsyncWorkers is the number of workers that sequence appends. Records of one
	// owner are always handled by the same worker. Defaults to 4.
	AsyncWorkers int
	// AsyncQueueSize is the backlog per worker. Publishers wait while it is full.
	// Defaults to 1024.
	AsyncQueueSize int
}

// Gateway is the ingestion gateway. It authenticates device connections, authorizes
// every publish against the connection's identity and hands accepted records to the
// reading store and then to the notifier.
type Gateway struct {
	devices    DeviceVerifier
	readings   Appender
	notifier   Notifier
	forwarders []Forwarder
	validator  PayloadValidator

	handshakeTimeout time.Duration
	maxRetries       int
	initialInterval  time.Duration
	maxInterval      time.Duration
	violationLimit   int

	locks *ownerLocks
	async *workerPool

	connections atomic.Int64
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	failed      atomic.Uint64
}

// New returns a new gateway. Call Close to drain pending best-effort appends.
func New(b *Builder) *Gateway {
	if b.Devices == nil {
		panic("Devices is missing")
	}
	if b.Readings == nil {
		panic("Readings is missing")
	}
	if b.Notifier == nil {
		panic("Notifier is missing")
	}

	g := &Gateway{
		devices:          b.Devices,
		readings:         b.Readings,
		notifier:         b.Notifier,
		forwarders:       b.Forwarders,
		validator:        b.Validator,
		handshakeTimeout: orDuration(b.HandshakeTimeout, 10*time.Second),
		maxRetries:       b.StoreMaxRetries,
		initialInterval:  orDuration(b.RetryInitialInterval, 50*time.Millisecond),
		maxInterval:      orDuration(b.RetryMaxInterval, time.Second),
		violationLimit:   b.ViolationLimit,
		locks:            newOwnerLocks(),
	}
	if g.maxRetries == 0 {
		g.maxRetries = 3
	}
	if g.violationLimit == 0 {
		g.violationLimit = 10
	}
	workers := b.AsyncWorkers
	if workers <= 0 {
		workers = 4
	}
	queueSize := b.AsyncQueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	g.async = newWorkerPool(workers, queueSize, g.accept)
	return g
}

func orDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// HandshakeTimeout returns the time a transport grants a connection to authenticate
func (g *Gateway) HandshakeTimeout() time.Duration {
	return g.handshakeTimeout
}

// Close waits for pending appends. Publishes after Close are stored in line.
func (g *Gateway) Close() {
	g.async.close()
}

// Connection is an authenticated device connection
type Connection struct {
	id       string
	deviceID string
	ctx      context.Context

	limiter      *rate.Limiter
	violations   atomic.Int64
	disconnect   atomic.Bool
	disconnected atomic.Bool
}

// ID returns the unique id of the connection
func (c *Connection) ID() string { return c.id }

// DeviceID returns the authenticated device id
func (c *Connection) DeviceID() string { return c.deviceID }

// Context returns a context carrying the connection's logger
func (c *Connection) Context() context.Context { return c.ctx }

// Violations returns the number of authorization violations of the connection
func (c *Connection) Violations() int64 { return c.violations.Load() }

// ShouldDisconnect returns true once the connection exceeded its violation limit.
// The transport is expected to close it.
func (c *Connection) ShouldDisconnect() bool { return c.disconnect.Load() }

// Connect authenticates a device. Unknown devices and wrong secrets both yield a
// *telemetry.AuthError. The verification is abandoned after the handshake timeout.
func (g *Gateway) Connect(ctx context.Context, deviceID, secret string) (*Connection, error) {
	connectionID := uuid.NewString()
	cctx, rlog := logger.ContextWithConnection(context.Background(), connectionID)
	cctx, rlog = logger.ContextWithLoggerIdentity(cctx, deviceID)

	if len(deviceID) == 0 || len(secret) == 0 {
		metrics.AuthFailures.WithLabelValues("device").Inc()
		logger.Security(cctx).Warnln("connect without credentials")
		return nil, &telemetry.AuthError{Identity: deviceID, Reason: "missing credentials"}
	}

	ctx, cancel := context.WithTimeout(ctx, g.handshakeTimeout)
	defer cancel()
	ok, err := g.devices.VerifyDeviceSecret(ctx, deviceID, secret)
	if err != nil {
		rlog.WithError(err).Errorln("cannot verify device secret")
		return nil, fmt.Errorf("cannot verify device %s: %w", deviceID, err)
	}
	if !ok {
		metrics.AuthFailures.WithLabelValues("device").Inc()
		logger.Security(cctx).Warnln("bad device credentials")
		return nil, &telemetry.AuthError{Identity: deviceID, Reason: "bad credentials"}
	}

	conn := &Connection{id: connectionID, deviceID: deviceID, ctx: cctx}
	if g.violationLimit > 0 {
		conn.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.violationLimit)), g.violationLimit)
	}
	g.connections.Add(1)
	metrics.Sessions.WithLabelValues("device").Inc()
	rlog.Infoln("device connected")
	return conn, nil
}

// Disconnect releases the connection's slot. It is safe to call more than once.
func (g *Gateway) Disconnect(conn *Connection) {
	if conn == nil || !conn.disconnected.CompareAndSwap(false, true) {
		return
	}
	g.connections.Add(-1)
	metrics.Sessions.WithLabelValues("device").Dec()
	logger.FromContext(conn.ctx).Infoln("device disconnected")
}

// Publish authorizes and accepts a reading published on conn.
//
// The topic must name the connection's own device, otherwise a *telemetry.AuthzError
// is returned and nothing is stored. QoS 1 readings are durable when Publish returns
// their record id. QoS 0 readings are stored in the background and Publish returns id 0
// once they are queued.
// A *telemetry.StoreError means the reading was not stored and the device should retry.
func (g *Gateway) Publish(ctx context.Context, conn *Connection, topic string, payload []byte, qos telemetry.QoS) (int64, error) {
	if conn == nil {
		return 0, &telemetry.AuthError{Reason: "no connection"}
	}

	info, err := telemetry.ParseTopic(topic)
	if err != nil || info.DeviceID != conn.deviceID {
		return 0, g.violation(conn, topic, err)
	}

	record := g.newRecord(ctx, telemetry.OwnerKey(conn.deviceID), topic, info.Subtopic, payload, qos)

	if qos == telemetry.QoSAtMostOnce {
		_, err := g.sequence(ctx, conn.ctx, record, false)
		return 0, err
	}

	stored, err := g.sequence(ctx, ctx, record, true)
	if err != nil {
		return 0, err
	}
	return stored.ID, nil
}

// Ingest accepts a reading on behalf of owner without a device connection, for example
// a simulated reading injected through the REST interface. The caller is responsible
// for authorizing it. The reading is stored with QoS 1 semantics.
func (g *Gateway) Ingest(ctx context.Context, owner telemetry.OwnerKey, topic string, payload []byte) (telemetry.Record, error) {
	info, err := telemetry.ParseTopic(topic)
	if err != nil {
		return telemetry.Record{}, fmt.Errorf("cannot ingest: %w", err)
	}
	if telemetry.OwnerKey(info.DeviceID) != owner {
		return telemetry.Record{}, &telemetry.AuthzError{Owner: owner, Op: "ingest " + topic}
	}
	record := g.newRecord(ctx, owner, topic, info.Subtopic, payload, telemetry.QoSAtLeastOnce)
	return g.sequence(ctx, ctx, record, true)
}

// sequence hands the record to the worker of its owner, so that every accept of an
// owner happens in publish order. With wait it returns the stored record, otherwise
// it returns as soon as the record is queued and jobCtx is used for the append.
func (g *Gateway) sequence(ctx, jobCtx context.Context, record telemetry.Record, wait bool) (telemetry.Record, error) {
	var done chan result
	if wait {
		done = make(chan result, 1)
	}
	queued, err := g.async.enqueue(ctx, job{ctx: jobCtx, record: record, done: done})
	if err != nil {
		g.failed.Add(1)
		return telemetry.Record{}, &telemetry.StoreError{Op: "append", Err: err}
	}
	if !queued {
		// closed, drain the queues before storing in line to keep the order
		g.async.wait()
		return g.accept(ctx, record)
	}
	if !wait {
		return telemetry.Record{}, nil
	}
	select {
	case r := <-done:
		return r.record, r.err
	case <-ctx.Done():
		g.failed.Add(1)
		return telemetry.Record{}, &telemetry.StoreError{Op: "append", Err: ctx.Err()}
	}
}

func (g *Gateway) violation(conn *Connection, topic string, cause error) error {
	n := conn.violations.Add(1)
	g.rejected.Add(1)
	metrics.RejectedPublishes.WithLabelValues("authz").Inc()

	rlog := logger.Security(conn.ctx).WithField("topic", topic).WithField("violations", n)
	if cause != nil {
		rlog = rlog.WithError(cause)
	}
	if conn.limiter != nil && !conn.limiter.Allow() && !conn.disconnect.Swap(true) {
		rlog.Warnln("publish to foreign topic rejected, violation limit exceeded")
	} else {
		rlog.Warnln("publish to foreign topic rejected")
	}
	return &telemetry.AuthzError{Identity: conn.deviceID, Owner: claimedOwner(topic), Op: "publish"}
}

func claimedOwner(topic string) telemetry.OwnerKey {
	if info, err := telemetry.ParseTopic(topic); err == nil {
		return telemetry.OwnerKey(info.DeviceID)
	}
	return telemetry.OwnerKey(topic)
}

func (g *Gateway) newRecord(ctx context.Context, owner telemetry.OwnerKey, topic, subtopic string, payload []byte, qos telemetry.QoS) telemetry.Record {
	record := telemetry.Record{OwnerKey: owner, Topic: topic, QoS: qos, Key: uuid.NewString()}
	decoded, err := telemetry.DecodePayload(topic, payload)
	record.Payload = decoded
	if err != nil {
		record.Raw = true
		metrics.RawPayloads.Inc()
		logger.FromContext(ctx).WithError(err).Infoln("storing raw payload")
		return record
	}
	if g.validator != nil {
		if err := g.validator.Validate(subtopic, decoded); err != nil {
			record.Flagged = true
			metrics.FlaggedPayloads.Inc()
			logger.FromContext(ctx).WithError(err).Infoln("payload does not match schema for", subtopic)
		}
	}
	return record
}

// accept appends the record and notifies the router while holding the owner's
// sequencing lock, so acceptance order and delivery order agree per owner.
func (g *Gateway) accept(ctx context.Context, record telemetry.Record) (telemetry.Record, error) {
	unlock := g.locks.lock(record.OwnerKey)
	defer unlock()

	stored, err := g.appendWithRetry(ctx, record)
	if err != nil {
		g.failed.Add(1)
		metrics.RejectedPublishes.WithLabelValues(telemetry.ReasonClass(err)).Inc()
		if record.QoS == telemetry.QoSAtMostOnce {
			logger.FromContext(ctx).WithError(err).Warnln("best-effort reading lost")
		}
		return telemetry.Record{}, err
	}

	g.accepted.Add(1)
	metrics.AcceptedReadings.WithLabelValues(strconv.Itoa(int(stored.QoS))).Inc()
	g.notifier.OnAccepted(stored)
	for _, f := range g.forwarders {
		f.Forward(ctx, stored)
	}
	return stored, nil
}

// appendWithRetry retries failed appends. The record keeps its idempotency key across
// attempts, so an append that committed before its reply was lost is not stored twice.
func (g *Gateway) appendWithRetry(ctx context.Context, record telemetry.Record) (telemetry.Record, error) {
	start := time.Now()
	defer func() { metrics.AppendDuration.Observe(time.Since(start).Seconds()) }()

	var stored telemetry.Record
	attempts := 0
	operation := func() error {
		attempts++
		var err error
		stored, err = g.readings.Append(ctx, record)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if g.maxRetries > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = g.initialInterval
		eb.MaxInterval = g.maxInterval
		b = backoff.WithMaxRetries(eb, uint64(g.maxRetries))
	}
	notify := func(err error, next time.Duration) {
		metrics.StoreRetries.Inc()
		logger.FromContext(ctx).WithError(err).Warnf("append failed, retrying in %v", next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		metrics.StoreFailures.Inc()
		logger.Alert(ctx).WithError(err).WithField("owner", record.OwnerKey).
			Errorf("reading store append failed after %d attempts", attempts)
		return telemetry.Record{}, &telemetry.StoreError{Op: "append", Attempts: attempts, Err: err}
	}
	return stored, nil
}

// Statistics is a snapshot of the gateway counters
type Statistics struct {
	Connections int64  `json:"connections"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Failed      uint64 `json:"failed"`
}

// Statistics returns the gateway counters
func (g *Gateway) Statistics() Statistics {
	return Statistics{
		Connections: g.connections.Load(),
		Accepted:    g.accepted.Load(),
		Rejected:    g.rejected.Load(),
		Failed:      g.failed.Load(),
	}
}
