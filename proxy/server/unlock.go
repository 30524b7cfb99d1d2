package server

import (
	"context"
	"slices"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/tokenlink/token"
)

// tokenUnlocker performs token logins. Tokens with a configured PIN are
// unlocked on demand; the rest wait for an operator.
type tokenUnlocker struct {
	pins map[string]*memguard.Enclave

	mu      sync.Mutex
	waiters map[string]*waiter
}

// waiter is shared by the logins blocked on one token.
type waiter struct {
	ch chan struct{}
	n  int
}

func newTokenUnlocker(pins map[string]*memguard.Enclave) *tokenUnlocker {
	return &tokenUnlocker{pins: pins, waiters: make(map[string]*waiter)}
}

// login blocks until tok is logged in or ctx ends.
func (u *tokenUnlocker) login(ctx context.Context, tok token.Token) error {
	for !tok.IsLoggedIn() {
		if enc, ok := u.pins[tok.ID()]; ok {
			buf, err := enc.Open()
			if err != nil {
				return err
			}
			err = tok.Login(string(buf.Bytes()))
			buf.Destroy()
			return err
		}
		ch, leave := u.wait(tok.ID())
		if tok.IsLoggedIn() {
			leave()
			return nil
		}
		select {
		case <-ch:
			leave()
		case <-ctx.Done():
			leave()
			return ctx.Err()
		}
	}
	return nil
}

// wait registers a login blocked on id. leave must be called once the login
// stops waiting; the token is no longer pending when its last waiter leaves.
func (u *tokenUnlocker) wait(id string) (<-chan struct{}, func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	w, ok := u.waiters[id]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		u.waiters[id] = w
	}
	w.n++
	return w.ch, func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		w.n--
		if w.n == 0 && u.waiters[id] == w {
			delete(u.waiters, id)
		}
	}
}

// unlock logs in to tok with pin and releases every waiting login.
func (u *tokenUnlocker) unlock(tok token.Token, pin string) error {
	if err := tok.Login(pin); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if w, ok := u.waiters[tok.ID()]; ok {
		close(w.ch)
		delete(u.waiters, tok.ID())
	}
	return nil
}

// waiting returns the IDs of tokens with a login waiting for an operator.
func (u *tokenUnlocker) waiting() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]string, 0, len(u.waiters))
	for id := range u.waiters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
