package fanout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/telemetry/core/access"
	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/core/metrics"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// Subscriber receives the records of a subscription
type Subscriber interface {
	// Enqueue must not block. It returns true if an older record had to be dropped
	// to make room.
	Enqueue(record telemetry.Record) (dropped bool)
}

// Handle is a subscription of a subscriber to an owner key
type Handle struct {
	router     *Router
	owner      telemetry.OwnerKey
	subscriber Subscriber
	identity   string
	once       sync.Once
}

// Owner returns the owner key the handle is subscribed to
func (h *Handle) Owner() telemetry.OwnerKey {
	return h.owner
}

// keySet is the set of subscriptions of one owner key, or the wildcard set
type keySet struct {
	mutex   sync.RWMutex
	handles map[*Handle]struct{}
}

func newKeySet() *keySet {
	return &keySet{handles: make(map[*Handle]struct{})}
}

// Router multiplexes accepted records to the subscribed sessions.
//
// Each owner key has its own lock, so delivery for one owner never waits for
// subscription churn or delivery of another. The router map itself is only locked to
// look up or insert a key set.
type Router struct {
	grants access.GrantChecker

	mutex    sync.RWMutex
	keys     map[telemetry.OwnerKey]*keySet
	wildcard *keySet

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewRouter returns a router that validates subscriptions against grants
func NewRouter(grants access.GrantChecker) *Router {
	if grants == nil {
		panic("grants are missing")
	}
	return &Router{
		grants:   grants,
		keys:     make(map[telemetry.OwnerKey]*keySet),
		wildcard: newKeySet(),
	}
}

// Subscribe subscribes sub to owner. The caller's entitlement is looked up fresh with
// access.CanAccess; an unentitled caller receives a *telemetry.AuthzError.
//
// Records accepted after Subscribe returns are delivered to sub in acceptance order.
func (r *Router) Subscribe(ctx context.Context, sub Subscriber, auth *access.Authorization, owner telemetry.OwnerKey) (*Handle, error) {
	ok, err := access.CanAccess(ctx, r.grants, auth, string(owner))
	if err != nil {
		return nil, fmt.Errorf("cannot check access to %s: %w", owner, err)
	}
	if !ok {
		logger.Security(ctx).Warnf("subscription to %s denied", owner)
		return nil, &telemetry.AuthzError{Identity: auth.Identity(), Owner: owner, Op: "subscribe"}
	}

	h := &Handle{router: r, owner: owner, subscriber: sub, identity: auth.Identity()}
	ks := r.wildcard
	r.mutex.Lock()
	if !owner.IsWildcard() {
		var found bool
		ks, found = r.keys[owner]
		if !found {
			ks = newKeySet()
			r.keys[owner] = ks
		}
	}
	ks.mutex.Lock()
	ks.handles[h] = struct{}{}
	ks.mutex.Unlock()
	r.mutex.Unlock()

	metrics.Subscriptions.Inc()
	logger.FromContext(ctx).Debugln("subscribed to", owner)
	return h, nil
}

// Unsubscribe removes the subscription. It is safe to call more than once.
func (r *Router) Unsubscribe(h *Handle) {
	if h == nil || h.router != r {
		return
	}
	h.once.Do(func() {
		r.mutex.Lock()
		ks := r.wildcard
		if !h.owner.IsWildcard() {
			ks = r.keys[h.owner]
		}
		if ks != nil {
			ks.mutex.Lock()
			delete(ks.handles, h)
			if len(ks.handles) == 0 && ks != r.wildcard {
				delete(r.keys, h.owner)
			}
			ks.mutex.Unlock()
		}
		r.mutex.Unlock()
		metrics.Subscriptions.Dec()
	})
}

// OnAccepted delivers an accepted record to all subscriptions of its owner key and to
// all wildcard subscriptions. It never blocks on a slow subscriber.
//
// The caller must serialize calls for the same owner key; the gateway does so by
// holding the owner's sequencing lock.
func (r *Router) OnAccepted(record telemetry.Record) {
	r.mutex.RLock()
	ks := r.keys[record.OwnerKey]
	r.mutex.RUnlock()

	if ks != nil {
		r.deliver(ks, record)
	}
	if !record.OwnerKey.IsWildcard() {
		r.deliver(r.wildcard, record)
	}
}

func (r *Router) deliver(ks *keySet, record telemetry.Record) {
	ks.mutex.RLock()
	defer ks.mutex.RUnlock()
	for h := range ks.handles {
		r.delivered.Add(1)
		metrics.DeliveredRecords.Inc()
		if h.subscriber.Enqueue(record) {
			r.dropped.Add(1)
			metrics.DroppedRecords.Inc()
			logger.Default().WithField("identity", h.identity).Debugf("%v: subscription to %s", telemetry.ErrBackpressureDrop, h.owner)
		}
	}
}

// Statistics is a snapshot of the router state
type Statistics struct {
	Subscriptions int                        `json:"subscriptions"`
	Wildcard      int                        `json:"wildcard"`
	PerOwner      map[telemetry.OwnerKey]int `json:"per_owner"`
	Delivered     uint64                     `json:"delivered"`
	Dropped       uint64                     `json:"dropped"`
}

// Statistics returns the current subscription counts and delivery counters
func (r *Router) Statistics() Statistics {
	stats := Statistics{
		PerOwner:  map[telemetry.OwnerKey]int{},
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
	}
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for owner, ks := range r.keys {
		ks.mutex.RLock()
		n := len(ks.handles)
		ks.mutex.RUnlock()
		stats.PerOwner[owner] = n
		stats.Subscriptions += n
	}
	r.wildcard.mutex.RLock()
	stats.Wildcard = len(r.wildcard.handles)
	r.wildcard.mutex.RUnlock()
	stats.Subscriptions += stats.Wildcard
	return stats
}
