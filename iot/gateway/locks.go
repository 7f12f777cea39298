package gateway

import (
	"sync"

	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// ownerLocks hands out one mutex per owner key. Entries are reference counted and
// removed when the last holder unlocks, so idle owners cost nothing.
type ownerLocks struct {
	mutex sync.Mutex
	locks map[telemetry.OwnerKey]*ownerLock
}

type ownerLock struct {
	sync.Mutex
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[telemetry.OwnerKey]*ownerLock)}
}

// lock locks owner and returns the unlock function
func (l *ownerLocks) lock(owner telemetry.OwnerKey) func() {
	l.mutex.Lock()
	ol, ok := l.locks[owner]
	if !ok {
		ol = &ownerLock{}
		l.locks[owner] = ol
	}
	ol.refs++
	l.mutex.Unlock()

	ol.Lock()
	return func() {
		ol.Unlock()
		l.mutex.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.locks, owner)
		}
		l.mutex.Unlock()
	}
}

func (l *ownerLocks) len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.locks)
}
