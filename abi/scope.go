package abi

import (
	"context"

	"github.com/wippyai/wabt-go/errors"
)

// Scope collects the resources one operation acquires and releases them in
// reverse order. Close is meant to be deferred so cleanup also runs when a
// fatal error unwinds the operation.
type Scope struct {
	items  []Releaser
	closed bool
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// Add registers r for release on Close. Nil is ignored.
func (s *Scope) Add(r Releaser) {
	if r == nil {
		return
	}
	if v, ok := r.(*Value); ok && v == nil {
		return
	}
	s.items = append(s.items, r)
}

// Acquire adds r to s and returns it.
func Acquire[T Releaser](s *Scope, r T) T {
	s.Add(r)
	return r
}

// Keep removes r from the scope; ownership passes to the caller. r must be
// comparable, as handles and entries are.
func (s *Scope) Keep(r Releaser) {
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i] == r {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// Len returns the number of resources still held.
func (s *Scope) Len() int { return len(s.items) }

// Close releases every held resource, most recent first, and joins their
// errors. Only the first call has an effect.
func (s *Scope) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i := len(s.items) - 1; i >= 0; i-- {
		if err := s.items[i].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.items = nil
	return errors.Join(errs...)
}
