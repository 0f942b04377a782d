package session

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(cfg Config) (*Store, *time.Time) {
	s := NewStore(cfg, testLogger())
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestCreateAndValidate(t *testing.T) {
	s, _ := newTestStore(Config{})

	sess, err := s.Create("203.0.113.7")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.MessagesRemaining != 25 {
		t.Errorf("MessagesRemaining = %d, want 25", sess.MessagesRemaining)
	}
	if got := sess.ExpiresAt.Sub(sess.CreatedAt); got != 24*time.Hour {
		t.Errorf("TTL = %v, want 24h", got)
	}

	if s.Validate(sess.Token) == nil {
		t.Error("Validate returned nil for fresh session")
	}
	if s.Validate("no-such-token") != nil {
		t.Error("Validate returned a session for an unknown token")
	}
}

func TestLazyExpiry(t *testing.T) {
	s, now := newTestStore(Config{TTL: time.Hour})

	sess, err := s.Create("203.0.113.7")
	if err != nil {
		t.Fatal(err)
	}

	// Advance past expiry without running the sweep.
	*now = now.Add(61 * time.Minute)

	if s.Validate(sess.Token) != nil {
		t.Error("Validate returned an expired session")
	}
	// Eviction happened on access; the token is gone for good.
	if s.DecrementMessage(sess.Token) {
		t.Error("DecrementMessage succeeded on an evicted session")
	}
}

func TestQuotaMonotonicity(t *testing.T) {
	s, _ := newTestStore(Config{MessagesPerSession: 25})

	sess, err := s.Create("203.0.113.7")
	if err != nil {
		t.Fatal(err)
	}

	prev := 25
	for i := 0; i < 25; i++ {
		if !s.DecrementMessage(sess.Token) {
			t.Fatalf("decrement %d rejected before quota exhausted", i+1)
		}
		cur := s.Validate(sess.Token).MessagesRemaining
		if cur < 0 {
			t.Fatalf("MessagesRemaining went negative: %d", cur)
		}
		if cur >= prev {
			t.Fatalf("MessagesRemaining not decreasing: %d -> %d", prev, cur)
		}
		prev = cur
	}

	// 26th message is rejected and the counter stays at zero.
	if s.DecrementMessage(sess.Token) {
		t.Error("26th decrement succeeded, want rejection")
	}
	if got := s.Validate(sess.Token).MessagesRemaining; got != 0 {
		t.Errorf("MessagesRemaining after exhaustion = %d, want 0", got)
	}
}

func TestOriginThrottle(t *testing.T) {
	s, now := newTestStore(Config{SessionsPerOriginPerDay: 3})

	for i := 0; i < 3; i++ {
		if _, err := s.Create("198.51.100.4"); err != nil {
			t.Fatalf("Create %d: %v", i+1, err)
		}
	}

	if _, err := s.Create("198.51.100.4"); err != ErrOriginThrottled {
		t.Fatalf("4th Create error = %v, want ErrOriginThrottled", err)
	}

	// A different origin is unaffected.
	if _, err := s.Create("198.51.100.5"); err != nil {
		t.Fatalf("Create from other origin: %v", err)
	}

	// Once the rolling day has elapsed the cap resets.
	*now = now.Add(24*time.Hour + time.Second)
	if _, err := s.Create("198.51.100.4"); err != nil {
		t.Fatalf("Create after reset: %v", err)
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	s, now := newTestStore(Config{TTL: time.Hour, SessionsPerOriginPerDay: 100})

	for i := 0; i < 5; i++ {
		if _, err := s.Create("203.0.113.9"); err != nil {
			t.Fatal(err)
		}
	}
	*now = now.Add(30 * time.Minute)
	live, err := s.Create("203.0.113.9")
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(45 * time.Minute) // first five are now past expiry

	if evicted := s.sweep(); evicted != 5 {
		t.Errorf("sweep evicted %d, want 5", evicted)
	}
	if s.Validate(live.Token) == nil {
		t.Error("sweep evicted a live session")
	}
	if got := s.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
}
