package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestNextSeqDistinct(t *testing.T) {
	s := New()
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		seq := s.NextSeq()
		if seq == 0 {
			t.Fatal("sequence number 0 must never be issued")
		}
		if seen[seq] {
			t.Fatalf("duplicate sequence number %d", seq)
		}
		seen[seq] = true
	}
}

func TestDeliverWakesMatchingWaiter(t *testing.T) {
	s := New()
	seq1 := s.NextSeq()
	seq2 := s.NextSeq()

	type fetchResult struct {
		result map[string]any
		err    error
	}
	got1 := make(chan fetchResult, 1)
	got2 := make(chan fetchResult, 1)
	go func() {
		r, err := s.Fetch(context.Background(), seq1, time.Second)
		got1 <- fetchResult{r, err}
	}()
	go func() {
		r, err := s.Fetch(context.Background(), seq2, 50*time.Millisecond)
		got2 <- fetchResult{r, err}
	}()

	// Wait until both waiters registered.
	deadline := time.Now().Add(time.Second)
	for s.Outstanding() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("waiters did not register")
		}
		time.Sleep(time.Millisecond)
	}

	if !s.Deliver(map[string]any{"status": "ok", "echo": strconv.FormatUint(seq1, 10)}) {
		t.Fatal("Deliver returned false for live waiter")
	}

	r1 := <-got1
	if r1.err != nil {
		t.Fatalf("fetch 1: %v", r1.err)
	}
	if r1.result["status"] != "ok" {
		t.Errorf("fetch 1 result = %v", r1.result)
	}

	// The other waiter stays pending until its timeout fires.
	r2 := <-got2
	if !errors.Is(r2.err, ErrTimeout) {
		t.Errorf("fetch 2 err = %v, want ErrTimeout", r2.err)
	}
}

func TestDeliverDrops(t *testing.T) {
	s := New()

	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"no echo", map[string]any{"status": "ok"}},
		{"non-string echo", map[string]any{"echo": 17}},
		{"non-decimal echo", map[string]any{"echo": "abc"}},
		{"unknown seq", map[string]any{"echo": "424242"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if s.Deliver(tc.payload) {
				t.Error("Deliver returned true, want drop")
			}
		})
	}
}

func TestFetchContextCancel(t *testing.T) {
	s := New()
	seq := s.NextSeq()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Fetch(ctx, seq, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if s.Outstanding() != 0 {
		t.Error("waiter entry not removed after cancel")
	}
}

func TestLateDeliveryDroppedSilently(t *testing.T) {
	s := New()
	seq := s.NextSeq()
	if _, err := s.Fetch(context.Background(), seq, time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if s.Deliver(map[string]any{"echo": strconv.FormatUint(seq, 10)}) {
		t.Error("late delivery should be dropped")
	}
}
