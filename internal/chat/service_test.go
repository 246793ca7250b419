package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"github.com/PaulBabatuyi/leadmarket/internal/data/memory"
	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
	"github.com/PaulBabatuyi/leadmarket/internal/jobs"
)

type fakeHub struct {
	mu     sync.Mutex
	online map[string]bool
	fail   bool
	events map[string][]*Event
}

func newFakeHub(online ...string) *fakeHub {
	h := &fakeHub{online: map[string]bool{}, events: map[string][]*Event{}}
	for _, id := range online {
		h.online[id] = true
	}
	return h
}

func (h *fakeHub) Deliver(userID string, ev *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("stream closed")
	}
	h.events[userID] = append(h.events[userID], ev)
	return nil
}

func (h *fakeHub) Online(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[userID]
}

type fixture struct {
	store *memory.Store
	svc   *Service
	hub   *fakeHub
	alice *data.User
	bob   *data.User
}

func newFixture(t *testing.T, hub *fakeHub) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	alice, err := st.CreateUser(ctx, &data.User{Email: "alice@example.com", FirstName: "Alice", Role: data.RoleClient})
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := st.CreateUser(ctx, &data.User{Email: "bob@example.com", FirstName: "Bob", Role: data.RoleAffiliate})
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	agg := inbox.NewAggregator(st, inbox.NewResolver(st, nil), 10, nil)
	deps := Deps{Users: st, Messages: st, Requests: st, Queue: st, Inbox: agg}
	if hub != nil {
		deps.Deliverer = hub
	}
	return &fixture{store: st, svc: NewService(deps), hub: hub, alice: alice, bob: bob}
}

func (f *fixture) actor(u *data.User) Actor { return Actor{ID: u.ID.Hex(), Email: u.Email} }

func TestSend_DeliversLiveWhenOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.hub = newFakeHub(f.bob.ID.Hex())
	f.svc.hub = f.hub

	msg, err := f.svc.Send(ctx, f.actor(f.alice), SendInput{Receiver: f.bob.ID.Hex(), Text: "  hi <b>bob</b> "})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Text != "hi &lt;b&gt;bob&lt;/b&gt;" {
		t.Fatalf("expected escaped trimmed text, got %q", msg.Text)
	}
	if msg.Seq != "1" || msg.CreatedBy != "alice@example.com" {
		t.Fatalf("unexpected message %+v", msg)
	}
	evs := f.hub.events[f.bob.ID.Hex()]
	if len(evs) != 1 || evs[0].Type != EventMessageNew || evs[0].Message.ID != msg.ID {
		t.Fatalf("expected one message.new event, got %+v", evs)
	}
	if n := len(f.store.Jobs()); n != 0 {
		t.Fatalf("expected no notification jobs for online receiver, got %d", n)
	}
}

func TestSend_QueuesNotificationsWhenOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeHub())

	msg, err := f.svc.Send(ctx, f.actor(f.alice), SendInput{Receiver: f.bob.ID.Hex(), Text: "are you there?"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	queued := f.store.Jobs()
	if len(queued) != 2 {
		t.Fatalf("expected push and mail jobs, got %d", len(queued))
	}
	kinds := map[jobs.Kind]jobs.Job{}
	for _, j := range queued {
		kinds[j.Kind] = j
	}
	mail, ok := kinds[jobs.KindSendMail]
	if !ok || mail.Email != "bob@example.com" || mail.Body != "are you there?" {
		t.Fatalf("unexpected mail job %+v", mail)
	}
	push, ok := kinds[jobs.KindSendPush]
	if !ok || push.UserID != f.bob.ID.Hex() || push.Data["messageId"] != msg.ID {
		t.Fatalf("unexpected push job %+v", push)
	}
}

func TestSend_FallsBackToJobsWhenDeliveryFails(t *testing.T) {
	f := newFixture(t, nil)
	f.hub = newFakeHub(f.bob.ID.Hex())
	f.hub.fail = true
	f.svc.hub = f.hub

	if _, err := f.svc.Send(context.Background(), f.actor(f.alice), SendInput{Receiver: f.bob.ID.Hex(), Text: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := len(f.store.Jobs()); n != 2 {
		t.Fatalf("expected 2 jobs after failed delivery, got %d", n)
	}
}

func TestSend_Rejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeHub())
	missing := "64b7f0c2a1b2c3d4e5f60099"

	cases := []struct {
		name string
		in   SendInput
		want error
	}{
		{"bad receiver", SendInput{Receiver: "nope", Text: "x"}, ErrInvalidInput},
		{"unknown receiver", SendInput{Receiver: missing, Text: "x"}, ErrReceiverNotFound},
		{"self", SendInput{Receiver: f.alice.ID.Hex(), Text: "x"}, ErrSelfMessage},
		{"empty", SendInput{Receiver: f.bob.ID.Hex(), Text: "   "}, ErrEmptyMessage},
		{"unknown request", SendInput{Receiver: f.bob.ID.Hex(), Text: "x", MessageFor: missing}, data.ErrRequestNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, f.actor(f.alice), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSend_FileOnlyAndRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeHub())
	req, err := f.store.CreateRequest(ctx, &data.Request{Title: "Kitchen", RequesterOwner: f.alice.ID, CreatedBy: f.alice.Email})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	msg, err := f.svc.Send(ctx, f.actor(f.alice), SendInput{
		Receiver:   f.bob.ID.Hex(),
		File:       &inbox.Attachment{URL: "https://cdn.example.com/plan.pdf", MimeType: "application/pdf"},
		MessageFor: req.ID.Hex(),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.MessageFor != req.ID.Hex() || msg.MessageForModel != inbox.MessageForRequest {
		t.Fatalf("expected message linked to request, got %+v", msg)
	}
	for _, j := range f.store.Jobs() {
		if j.Body != "Sent you a file" || j.Data["messageFor"] != req.ID.Hex() {
			t.Fatalf("unexpected job %+v", j)
		}
	}
}

func TestMarkRead_NotifiesSenderOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.hub = newFakeHub(f.alice.ID.Hex())
	f.svc.hub = f.hub

	for _, text := range []string{"one", "two"} {
		if _, err := f.svc.Send(ctx, f.actor(f.alice), SendInput{Receiver: f.bob.ID.Hex(), Text: text}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	unread, err := f.svc.UnreadCount(ctx, f.bob.ID.Hex())
	if err != nil || unread != 1 {
		t.Fatalf("expected 1 unread sender, got %d (%v)", unread, err)
	}

	n, err := f.svc.MarkRead(ctx, f.bob.ID.Hex(), f.alice.ID.Hex(), "")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 marked, got %d (%v)", n, err)
	}
	n, err = f.svc.MarkRead(ctx, f.bob.ID.Hex(), f.alice.ID.Hex(), "")
	if err != nil || n != 0 {
		t.Fatalf("expected second mark to change nothing, got %d (%v)", n, err)
	}

	evs := f.hub.events[f.alice.ID.Hex()]
	if len(evs) != 1 || evs[0].Type != EventMessageRead || evs[0].Reader != f.bob.ID.Hex() || evs[0].Updated != 2 {
		t.Fatalf("expected a single read receipt, got %+v", evs)
	}
	unread, _ = f.svc.UnreadCount(ctx, f.bob.ID.Hex())
	if unread != 0 {
		t.Fatalf("expected 0 unread after mark, got %d", unread)
	}
}

func TestInboxAndThreadDelegate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeHub())
	if _, err := f.svc.Send(ctx, f.actor(f.alice), SendInput{Receiver: f.bob.ID.Hex(), Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.svc.Send(ctx, f.actor(f.bob), SendInput{Receiver: f.alice.ID.Hex(), Text: "hey"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	page, err := f.svc.Inbox(ctx, f.bob.ID.Hex(), nil, 0)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if page.Count != 1 || len(page.Result) != 1 || page.Result[0].Sender.UserID() != f.alice.ID.Hex() {
		t.Fatalf("unexpected inbox %+v", page)
	}

	thread, err := f.svc.Thread(ctx, f.bob.ID.Hex(), f.alice.ID.Hex(), "", 0)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if thread.Count != 2 || thread.Result[0].Text != "hey" {
		t.Fatalf("expected newest-first thread of 2, got %+v", thread)
	}
}
