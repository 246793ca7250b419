package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
	"github.com/PaulBabatuyi/leadmarket/internal/jobs"
)

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := New()
	u, err := s.CreateUser(ctx, &data.User{Email: " Alice@Example.com ", FirstName: "Alice", Role: data.RoleClient})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if _, err := s.CreateUser(ctx, &data.User{Email: "alice@example.com"}); !errors.Is(err, data.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if ok, _ := s.UserExists(ctx, "ALICE@example.com"); !ok {
		t.Fatalf("expected user to exist")
	}
	if _, err := s.GetUserByID(ctx, "missing"); !errors.Is(err, data.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	sub := data.PushSubscription{Endpoint: "https://push.example.com/1", P256dh: "k", Auth: "a"}
	if err := s.AddPushSubscription(ctx, u.ID.Hex(), sub); err != nil {
		t.Fatalf("AddPushSubscription: %v", err)
	}
	if err := s.AddPushSubscription(ctx, u.ID.Hex(), sub); err != nil {
		t.Fatalf("AddPushSubscription again: %v", err)
	}
	subs, _ := s.PushSubscriptions(ctx, u.ID.Hex())
	if len(subs) != 1 {
		t.Fatalf("expected endpoint replaced, got %d subscriptions", len(subs))
	}
	if err := s.RemovePushSubscription(ctx, u.ID.Hex(), sub.Endpoint); err != nil {
		t.Fatalf("RemovePushSubscription: %v", err)
	}
	if subs, _ := s.PushSubscriptions(ctx, u.ID.Hex()); len(subs) != 0 {
		t.Fatalf("expected no subscriptions, got %d", len(subs))
	}
}

func TestSaveMessageJoinsSender(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.CreateUser(ctx, &data.User{Email: "a@example.com", FirstName: "A"})
	b, _ := s.CreateUser(ctx, &data.User{Email: "b@example.com", FirstName: "B"})

	m1, err := s.SaveMessage(ctx, data.NewMessage{Sender: a.ID.Hex(), Receiver: b.ID.Hex(), Text: "one"})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	m2, _ := s.SaveMessage(ctx, data.NewMessage{Sender: a.ID.Hex(), Receiver: b.ID.Hex(), Text: "two"})
	if m1.Seq != "1" || m2.Seq != "2" {
		t.Fatalf("expected sequential ids, got %s and %s", m1.Seq, m2.Seq)
	}
	if _, err := s.SaveMessage(ctx, data.NewMessage{Sender: "bad", Receiver: b.ID.Hex()}); !errors.Is(err, inbox.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}

	rows, err := s.LatestBySender(ctx, inbox.Query{Filter: inbox.Filter{Receiver: b.ID.Hex()}})
	if err != nil {
		t.Fatalf("LatestBySender: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	res, ok := rows[0].Sender.(inbox.Resolved)
	if !ok || res.User.ID != a.ID.Hex() {
		t.Fatalf("expected joined sender, got %#v", rows[0].Sender)
	}
}

func TestJobsLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	later := &jobs.Job{Kind: jobs.KindSendMail, RunAt: now.Add(time.Hour)}
	due := &jobs.Job{Kind: jobs.KindSendPush}
	if err := s.Enqueue(ctx, later); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, due); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if due.ID == "" {
		t.Fatalf("expected generated id")
	}

	lease := 10 * time.Minute
	claim := func(at time.Time) *jobs.Job {
		t.Helper()
		j, err := s.Claim(ctx, at, at.Add(-lease))
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		return j
	}

	j, err := s.Claim(ctx, now, now.Add(-lease))
	if err != nil || j == nil || j.ID != due.ID || j.Attempts != 1 || j.Status != jobs.StatusRunning {
		t.Fatalf("unexpected claim: %+v err=%v", j, err)
	}
	if j := claim(now); j != nil {
		t.Fatalf("running job claimed twice")
	}
	if err := s.Retry(ctx, due.ID, "boom", now.Add(time.Minute)); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	j = claim(now.Add(2 * time.Minute))
	if j == nil || j.Attempts != 2 || j.LastError != "boom" {
		t.Fatalf("expected retried job, got %+v", j)
	}

	// the runner holding it disappears; the job is due again once the lease lapses
	if j := claim(now.Add(2*time.Minute + lease)); j != nil {
		t.Fatalf("job taken over inside its lease: %+v", j)
	}
	j = claim(now.Add(3*time.Minute + lease))
	if j == nil || j.ID != due.ID || j.Attempts != 3 {
		t.Fatalf("expected stale job reclaimed, got %+v", j)
	}
	if err := s.Complete(ctx, j.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Fail(ctx, "missing", "x"); !errors.Is(err, data.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
