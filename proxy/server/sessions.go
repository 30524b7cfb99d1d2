package server

import (
	"crypto/subtle"
	"slices"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/tokenlink/internal/uuid"
	"github.com/jmcleod/tokenlink/proxy"
)

// transportSession is one client connection. The challenge PIN lives in an
// enclave until the session is approved.
type transportSession struct {
	id      string
	origin  string
	created time.Time

	mu         sync.Mutex
	lastSeen   time.Time
	pin        *memguard.Enclave
	challenged time.Time
	approved   bool
	ready      chan struct{}
}

func (ts *transportSession) isApproved() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.approved
}

func (ts *transportSession) touch() {
	ts.mu.Lock()
	ts.lastSeen = time.Now()
	ts.mu.Unlock()
}

// setChallenge replaces the pending PIN. It reports false once approved.
func (ts *transportSession) setChallenge(pin string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.approved {
		return false
	}
	ts.pin = memguard.NewEnclave([]byte(pin))
	ts.challenged = time.Now()
	return true
}

// matches reports whether pin equals the pending challenge PIN.
func (ts *transportSession) matches(pin []byte) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.approved || ts.pin == nil {
		return false
	}
	buf, err := ts.pin.Open()
	if err != nil {
		return false
	}
	defer buf.Destroy()
	return subtle.ConstantTimeCompare(buf.Bytes(), pin) == 1
}

func (ts *transportSession) approve() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.approved {
		return
	}
	ts.approved = true
	ts.pin = nil
	close(ts.ready)
}

type sessionStore struct {
	mu   sync.RWMutex
	data map[string]*transportSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{data: make(map[string]*transportSession)}
}

func (st *sessionStore) open(origin string) *transportSession {
	now := time.Now()
	ts := &transportSession{
		id:       uuid.New(),
		origin:   origin,
		created:  now,
		lastSeen: now,
		ready:    make(chan struct{}),
	}
	st.mu.Lock()
	st.data[ts.id] = ts
	st.mu.Unlock()
	return ts
}

func (st *sessionStore) get(id string) (*transportSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ts, ok := st.data[id]
	return ts, ok
}

func (st *sessionStore) remove(id string) {
	st.mu.Lock()
	delete(st.data, id)
	st.mu.Unlock()
}

// approve approves the pending session whose challenge PIN equals pin.
func (st *sessionStore) approve(pin string) (*transportSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	candidate := []byte(pin)
	for _, ts := range st.data {
		if ts.matches(candidate) {
			ts.approve()
			return ts, true
		}
	}
	return nil, false
}

// pending lists challenged sessions awaiting approval, oldest first.
func (st *sessionStore) pending() []proxy.PendingChallenge {
	st.mu.RLock()
	defer st.mu.RUnlock()
	type entry struct {
		at time.Time
		pc proxy.PendingChallenge
	}
	var entries []entry
	for _, ts := range st.data {
		ts.mu.Lock()
		if !ts.approved && ts.pin != nil {
			entries = append(entries, entry{ts.challenged, proxy.PendingChallenge{
				SessionID: ts.id,
				Origin:    ts.origin,
				CreatedAt: ts.challenged.UTC().Format(time.RFC3339),
			}})
		}
		ts.mu.Unlock()
	}
	slices.SortFunc(entries, func(a, b entry) int { return a.at.Compare(b.at) })
	out := make([]proxy.PendingChallenge, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.pc)
	}
	return out
}

func (st *sessionStore) sweep(maxAge time.Duration) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for id, ts := range st.data {
		ts.mu.Lock()
		idle := ts.lastSeen.Before(cutoff)
		ts.mu.Unlock()
		if idle {
			delete(st.data, id)
			n++
		}
	}
	return n
}
