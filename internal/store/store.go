// Package store pairs WebSocket API calls with their echoed replies. A
// caller allocates a sequence number, sends the action with the number as
// its echo, and fetches the reply; the connection read loop feeds every
// echo-bearing payload back through Deliver.
package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"
)

// ErrTimeout reports that no reply arrived within the fetch deadline.
// The call dispatcher maps it to the adapter's NetworkError.
var ErrTimeout = errors.New("store: timed out waiting for action reply")

// ResultStore holds a monotonic sequence counter and the table of
// outstanding waiters. Safe for concurrent use.
type ResultStore struct {
	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan map[string]any
}

// New creates an empty store. The first allocated sequence number is 1;
// zero is never issued so a stray "0" echo can't match a live waiter.
func New() *ResultStore {
	return &ResultStore{pending: make(map[uint64]chan map[string]any)}
}

// NextSeq returns a fresh sequence number, wrapping at the uint64
// maximum.
func (s *ResultStore) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == math.MaxUint64 {
		s.seq = 0
	}
	s.seq++
	return s.seq
}

// Fetch waits up to timeout for the reply to seq. The waiter is removed
// on every exit path; a late delivery after removal is dropped silently.
// At most one Fetch may be outstanding per sequence number, which the
// allocation discipline guarantees.
func (s *ResultStore) Fetch(ctx context.Context, seq uint64, timeout time.Duration) (map[string]any, error) {
	ch := make(chan map[string]any, 1)
	s.mu.Lock()
	s.pending[seq] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver routes an action reply to the waiter whose sequence number
// matches the payload's echo field. Payloads without a decimal string
// echo, or whose waiter is gone, are dropped. Never blocks; reports
// whether a waiter was woken.
func (s *ResultStore) Deliver(payload map[string]any) bool {
	echo, ok := payload["echo"].(string)
	if !ok {
		return false
	}
	seq, err := strconv.ParseUint(echo, 10, 64)
	if err != nil {
		return false
	}

	s.mu.Lock()
	ch, ok := s.pending[seq]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- payload:
		return true
	default:
		// Waiter already satisfied; drop the duplicate.
		return false
	}
}

// Outstanding reports the number of registered waiters.
func (s *ResultStore) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
