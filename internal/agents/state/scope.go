// Package state implements the state scope shared by the function calls of
// one model turn.
//
// A Scope sits over a snapshot of conversation state. Every call gets its
// own CallState that buffers writes; the dispatcher commits the buffer into
// the Scope once the call has finished successfully. Commits are
// all-or-nothing per call, and the merged result (Delta) is attached to the
// turn's response event so the conversation store can persist it.
package state

import (
	"iter"
	"maps"
	"sync"

	"toolflow/pkg/errors"
)

// Reader is the read side shared by Scope and CallState.
type Reader interface {
	Get(key string) (interface{}, error)
}

// Scope is the turn-level state view.
type Scope struct {
	mu        sync.RWMutex
	base      map[string]interface{}
	committed map[string]interface{}
	writer    map[string]int
	sealed    bool
}

// NewScope creates a turn scope over a copy of base.
func NewScope(base map[string]interface{}) *Scope {
	return &Scope{
		base:      maps.Clone(nilSafe(base)),
		committed: make(map[string]interface{}),
		writer:    make(map[string]int),
	}
}

// Get returns the committed turn value for key, falling back to the base.
func (s *Scope) Get(key string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.committed[key]; ok {
		return v, nil
	}
	if v, ok := s.base[key]; ok {
		return v, nil
	}
	return nil, errors.Wrapf(errors.ErrStateKeyNotExist, "key %q", key)
}

// NewCallState opens a call-scoped view for the call at position index of
// the turn's input order.
func (s *Scope) NewCallState(index int) *CallState {
	return &CallState{
		scope:  s,
		index:  index,
		writes: make(map[string]interface{}),
	}
}

// Commit merges the buffered writes of cs into the turn. When two calls
// write the same key the call later in input order wins, whatever order
// they finish in. A CallState commits at most once.
func (s *Scope) Commit(cs *CallState) error {
	if cs == nil || cs.scope != s {
		return errors.Wrap(errors.ErrInvalidInput, "call state does not belong to this scope")
	}

	writes, err := cs.close()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return errors.ErrScopeSealed
	}

	for key, value := range writes {
		if prev, ok := s.writer[key]; ok && prev > cs.index {
			continue
		}
		s.committed[key] = value
		s.writer[key] = cs.index
	}

	return nil
}

// Seal rejects every later Commit. Used when a turn is abandoned so
// calls still in flight cannot leak writes into the scope.
func (s *Scope) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

// Sealed reports whether the scope was sealed.
func (s *Scope) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Delta returns a copy of everything committed during the turn.
func (s *Scope) Delta() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.committed)
}

// All iterates the merged view: base overlaid by committed writes.
func (s *Scope) All() iter.Seq2[string, interface{}] {
	s.mu.RLock()
	merged := maps.Clone(s.base)
	maps.Copy(merged, s.committed)
	s.mu.RUnlock()

	return maps.All(merged)
}

// CallState is the state view handed to a single tool invocation.
// It is safe for use by goroutines the tool starts itself.
type CallState struct {
	scope  *Scope
	index  int
	mu     sync.Mutex
	writes map[string]interface{}
	closed bool
}

// Index is the call's position in the turn.
func (c *CallState) Index() int {
	return c.index
}

// Get reads the call's own writes first, then the turn scope.
func (c *CallState) Get(key string) (interface{}, error) {
	c.mu.Lock()
	v, ok := c.writes[key]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	return c.scope.Get(key)
}

// Set buffers a write until the call commits.
func (c *CallState) Set(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.Wrapf(errors.ErrInvalidInput, "state write to %q after the call finished", key)
	}
	c.writes[key] = value
	return nil
}

// Delta returns a copy of the writes buffered so far.
func (c *CallState) Delta() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.writes)
}

// Discard drops the buffered writes; the call can no longer commit.
func (c *CallState) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.writes = nil
}

func (c *CallState) close() (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.Wrap(errors.ErrInvalidInput, "call state already committed or discarded")
	}
	c.closed = true
	return c.writes, nil
}

func nilSafe(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
