package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/telemetry/core/access"
	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/core/metrics"
	"github.com/relabs-tech/telemetry/iot/fanout"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// State is the state of a session
type State int

// the session states
const (
	StateConnecting State = iota
	StateAuthenticated
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrSessionClosed is returned for operations on a closed session
var ErrSessionClosed = errors.New("session closed")

// ErrNotAuthenticated is returned for subscriptions before authentication
var ErrNotAuthenticated = errors.New("session not authenticated")

// FrameWriter writes frames to the dashboard. WriteFrame is never called concurrently
// by a session.
type FrameWriter interface {
	WriteFrame(frame interface{}) error
}

// TokenVerifier verifies bearer tokens, see access.TokenVerifier
type TokenVerifier interface {
	Verify(token string) (*access.Authorization, error)
}

// SnapshotSource returns the most recent records of an owner, see store.ReadingStore
type SnapshotSource interface {
	RecentFor(ctx context.Context, owner telemetry.OwnerKey, limit int) ([]telemetry.Record, error)
}

// Builder is a builder helper for the Hub
type Builder struct {
	// Verifier verifies bearer tokens. This is mandatory.
	Verifier TokenVerifier
	// Router is the fan-out router. This is mandatory.
	Router *fanout.Router
	// Readings provides snapshots. This is mandatory.
	Readings SnapshotSource
	// SnapshotLimit is the number of records in a snapshot. Defaults to 100.
	SnapshotLimit int
	// QueueSize is the capacity of a session's outbound queue. Defaults to fanout.DefaultQueueSize.
	QueueSize int
}

// Hub creates and tracks the live sessions
type Hub struct {
	verifier      TokenVerifier
	router        *fanout.Router
	readings      SnapshotSource
	snapshotLimit int
	queueSize     int

	mutex    sync.Mutex
	sessions map[*Session]struct{}
}

// NewHub returns a new hub
func NewHub(b *Builder) *Hub {
	if b.Verifier == nil {
		panic("Verifier is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Readings == nil {
		panic("Readings is missing")
	}
	snapshotLimit := b.SnapshotLimit
	if snapshotLimit <= 0 {
		snapshotLimit = 100
	}
	return &Hub{
		verifier:      b.Verifier,
		router:        b.Router,
		readings:      b.Readings,
		snapshotLimit: snapshotLimit,
		queueSize:     b.QueueSize,
		sessions:      make(map[*Session]struct{}),
	}
}

// NewSession creates a session in state Connecting that writes its frames to w
func (h *Hub) NewSession(w FrameWriter) *Session {
	id := uuid.NewString()
	ctx, _ := logger.ContextWithConnection(context.Background(), id)
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     id,
		hub:    h,
		writer: w,
		ctx:    ctx,
		cancel: cancel,
	}
	h.mutex.Lock()
	h.sessions[s] = struct{}{}
	h.mutex.Unlock()
	metrics.Sessions.WithLabelValues("dashboard").Inc()
	return s
}

// Sessions returns the number of live sessions
func (h *Hub) Sessions() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.sessions)
}

// Close closes all sessions
func (h *Hub) Close() {
	h.mutex.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mutex.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (h *Hub) remove(s *Session) {
	h.mutex.Lock()
	delete(h.sessions, s)
	h.mutex.Unlock()
	metrics.Sessions.WithLabelValues("dashboard").Dec()
}

// Session is one live dashboard connection. It owns the authorization of the
// connection, at most one subscription and the subscription's outbound queue.
//
// All state changes and all frame writes happen under the session mutex. This keeps
// the snapshot ahead of live records and makes teardown race free.
type Session struct {
	id     string
	hub    *Hub
	writer FrameWriter
	ctx    context.Context
	cancel context.CancelFunc

	mutex  sync.Mutex
	state  State
	auth   *access.Authorization
	handle *fanout.Handle
	queue  *fanout.Queue
	pumps  sync.WaitGroup

	closeOnce sync.Once
}

// ID returns the unique id of the session
func (s *Session) ID() string { return s.id }

// Context returns the session's context. It carries the session logger and is
// canceled on Close.
func (s *Session) Context() context.Context {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.ctx
}

// State returns the current state
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Authorization returns the session's authorization, nil before authentication
func (s *Session) Authorization() *access.Authorization {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.auth
}

// Owner returns the owner key of the active subscription
func (s *Session) Owner() (telemetry.OwnerKey, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.handle == nil {
		return "", false
	}
	return s.handle.Owner(), true
}

// Authenticate verifies the bearer token. A valid token moves the session from
// Connecting to Authenticated, an invalid token closes it.
func (s *Session) Authenticate(token string) error {
	auth, err := s.hub.verifier.Verify(token)

	s.mutex.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mutex.Unlock()
		if state == StateClosed {
			return ErrSessionClosed
		}
		return fmt.Errorf("session already %s", state)
	}
	if err != nil {
		s.mutex.Unlock()
		metrics.AuthFailures.WithLabelValues("dashboard").Inc()
		logger.Security(s.ctx).WithError(err).Warnln("dashboard authentication failed")
		s.Close()
		return &telemetry.AuthError{Reason: err.Error()}
	}
	s.auth = auth
	s.state = StateAuthenticated
	s.ctx, _ = logger.ContextWithLoggerIdentity(s.ctx, auth.Identity())
	s.mutex.Unlock()
	return nil
}

// ResolveOwner maps the requested owner to an owner key. "self" is the user's own
// stream, keyed by access.UserOwner.
func ResolveOwner(auth *access.Authorization, owner string) telemetry.OwnerKey {
	if owner == SelfOwner && auth != nil {
		return telemetry.OwnerKey(access.UserOwner(auth.UserID))
	}
	return telemetry.OwnerKey(owner)
}

// Subscribe subscribes the session to owner. An existing subscription is released
// first, a session never holds more than one.
//
// On success the session is Subscribed, a subscribed frame and a snapshot of the
// most recent records are written and live records follow. A failed authorization
// leaves the session Authenticated and writes an error frame.
func (s *Session) Subscribe(ctx context.Context, owner string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateConnecting:
		s.writeLocked(errorFrame(CodeAuth, "not authenticated"))
		return ErrNotAuthenticated
	case StateSubscribed:
		s.unsubscribeLocked()
	}

	if len(owner) == 0 {
		s.writeLocked(errorFrame(CodeBadRequest, "owner missing"))
		return errors.New("owner missing")
	}
	key := ResolveOwner(s.auth, owner)
	ctx = logger.ContextWithLoggerFrom(ctx, s.ctx)

	queue := fanout.NewQueue(s.hub.queueSize)
	handle, err := s.hub.router.Subscribe(ctx, queue, s.auth, key)
	if err != nil {
		s.writeLocked(errorFrame(errorCode(err), "cannot subscribe to "+string(key)))
		return err
	}

	// live records queue up from here on, the snapshot is taken afterwards so that
	// nothing accepted in between is missed
	snapshot, err := s.hub.readings.RecentFor(ctx, key, s.hub.snapshotLimit)
	if err != nil {
		s.hub.router.Unsubscribe(handle)
		logger.FromContext(ctx).WithError(err).Errorln("cannot read snapshot for", key)
		s.writeLocked(errorFrame(CodeInternal, "cannot subscribe to "+string(key)))
		return err
	}

	s.handle = handle
	s.queue = queue
	s.state = StateSubscribed

	if err := s.writeLocked(StatusFrame{Type: TypeSubscribed, Owner: key}); err != nil {
		return err
	}
	if err := s.writeLocked(SnapshotFrame{Type: TypeSnapshot, Owner: key, Records: snapshot}); err != nil {
		return err
	}

	seen := make(map[int64]struct{}, len(snapshot))
	for _, r := range snapshot {
		seen[r.ID] = struct{}{}
	}
	s.pumps.Add(1)
	go s.pump(queue, seen)
	logger.FromContext(ctx).Infoln("subscribed to", key)
	return nil
}

// Unsubscribe releases the subscription and returns to Authenticated
func (s *Session) Unsubscribe() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateSubscribed:
		s.unsubscribeLocked()
		return s.writeLocked(StatusFrame{Type: TypeUnsubscribed})
	}
	return nil
}

func (s *Session) unsubscribeLocked() {
	if s.handle != nil {
		s.hub.router.Unsubscribe(s.handle)
		s.handle = nil
	}
	if s.queue != nil {
		s.queue.Close()
		s.queue = nil
	}
	if s.state == StateSubscribed {
		s.state = StateAuthenticated
	}
}

// Close tears the session down. It releases the subscription and the queue exactly
// once, whatever path led here.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mutex.Lock()
		s.unsubscribeLocked()
		s.state = StateClosed
		s.cancel()
		s.mutex.Unlock()
		s.pumps.Wait()
		s.hub.remove(s)
		logger.FromContext(s.ctx).Debugln("session closed")
	})
}

// HandleMessage processes a client frame
func (s *Session) HandleMessage(ctx context.Context, message []byte) error {
	var frame ClientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.write(errorFrame(CodeBadRequest, "invalid frame"))
		return fmt.Errorf("invalid frame: %w", err)
	}
	switch frame.Type {
	case TypeSubscribe:
		return s.Subscribe(ctx, frame.Owner)
	case TypeUnsubscribe:
		return s.Unsubscribe()
	}
	s.write(errorFrame(CodeBadRequest, "unknown frame type"))
	return fmt.Errorf("unknown frame type '%s'", frame.Type)
}

// pump writes the live records of one subscription. It ends when the subscription
// is released.
func (s *Session) pump(queue *fanout.Queue, seen map[int64]struct{}) {
	defer s.pumps.Done()
	for {
		record, err := queue.Pop(s.ctx)
		if err != nil {
			return
		}
		s.mutex.Lock()
		if s.queue != queue {
			s.mutex.Unlock()
			return
		}
		if _, dup := seen[record.ID]; dup {
			delete(seen, record.ID)
			s.mutex.Unlock()
			continue
		}
		err = s.writeLocked(RecordFrame{Type: TypeRecord, Record: record})
		s.mutex.Unlock()
		if err != nil {
			logger.FromContext(s.ctx).WithError(err).Debugln("write failed, closing session")
			go s.Close()
			return
		}
	}
}

func (s *Session) write(frame interface{}) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.writeLocked(frame)
}

func (s *Session) writeLocked(frame interface{}) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	return s.writer.WriteFrame(frame)
}
