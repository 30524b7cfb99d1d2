package token

import (
	"fmt"
	"sync"
)

// Registry tracks the tokens currently attached to the proxy, in attach order.
type Registry struct {
	mu     sync.RWMutex
	tokens []Token
}

// NewRegistry returns a Registry with the given tokens attached.
func NewRegistry(tokens ...Token) *Registry {
	r := &Registry{}
	for _, t := range tokens {
		r.Attach(t)
	}
	return r
}

// Attach adds t, replacing any token with the same ID in place.
func (r *Registry) Attach(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.tokens {
		if existing.ID() == t.ID() {
			r.tokens[i] = t
			return
		}
	}
	r.tokens = append(r.tokens, t)
}

// Detach removes the token with the given ID and reports whether it was attached.
func (r *Registry) Detach(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.tokens {
		if existing.ID() == id {
			r.tokens = append(r.tokens[:i], r.tokens[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a copy of the attached tokens.
func (r *Registry) List() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Token(nil), r.tokens...)
}

// Get returns the attached token with the given ID.
func (r *Registry) Get(id string) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tokens {
		if t.ID() == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, id)
}
