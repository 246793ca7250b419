package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"testing"

	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"github.com/PaulBabatuyi/leadmarket/internal/jobs"
	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sony/gobreaker"
)

type fakeSubs struct {
	subs    []data.PushSubscription
	removed []string
}

func (f *fakeSubs) PushSubscriptions(context.Context, string) ([]data.PushSubscription, error) {
	return f.subs, nil
}

func (f *fakeSubs) RemovePushSubscription(_ context.Context, _ string, endpoint string) error {
	f.removed = append(f.removed, endpoint)
	return nil
}

func response(code int) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(""))}
}

var testKeys = VAPID{PublicKey: "pub", PrivateKey: "priv"}

func TestPusher_PrunesGoneSubscriptions(t *testing.T) {
	subs := &fakeSubs{subs: []data.PushSubscription{
		{Endpoint: "https://push.example.com/ok"},
		{Endpoint: "https://push.example.com/gone"},
	}}
	p := NewPusher(subs, testKeys, nil)
	var sent []string
	p.send = func(_ context.Context, payload []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
		sent = append(sent, sub.Endpoint)
		if !strings.Contains(string(payload), `"title":"New message"`) {
			t.Errorf("unexpected payload %s", payload)
		}
		if strings.HasSuffix(sub.Endpoint, "gone") {
			return response(http.StatusGone), nil
		}
		return response(http.StatusCreated), nil
	}

	err := p.Handle(context.Background(), &jobs.Job{ID: "j", Kind: jobs.KindSendPush, UserID: "u", Title: "New message"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sent))
	}
	if len(subs.removed) != 1 || subs.removed[0] != "https://push.example.com/gone" {
		t.Fatalf("expected gone endpoint pruned, got %v", subs.removed)
	}
}

func TestPusher_ServerErrorFailsJob(t *testing.T) {
	p := NewPusher(&fakeSubs{subs: []data.PushSubscription{{Endpoint: "https://push.example.com/x"}}}, testKeys, nil)
	p.send = func(context.Context, []byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		return response(http.StatusInternalServerError), nil
	}
	if err := p.Handle(context.Background(), &jobs.Job{ID: "j"}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestPusher_DisabledWithoutKeys(t *testing.T) {
	p := NewPusher(&fakeSubs{subs: []data.PushSubscription{{Endpoint: "x"}}}, VAPID{}, nil)
	p.send = func(context.Context, []byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		t.Fatalf("send must not be called")
		return nil, nil
	}
	if err := p.Handle(context.Background(), &jobs.Job{ID: "j"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestPusher_BreakerOpensAfterFailures(t *testing.T) {
	p := NewPusher(&fakeSubs{subs: []data.PushSubscription{{Endpoint: "x"}}}, testKeys, nil)
	calls := 0
	p.send = func(context.Context, []byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		calls++
		return nil, errors.New("network down")
	}
	for i := 0; i < 5; i++ {
		_ = p.Handle(context.Background(), &jobs.Job{ID: "j"})
	}
	err := p.Handle(context.Background(), &jobs.Job{ID: "j"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("expected 5 sends before tripping, got %d", calls)
	}
}

func TestMailer_SendsComposedMessage(t *testing.T) {
	m := NewMailer(SMTPConfig{Host: "smtp.example.com", Username: "bot@example.com", Password: "pw", FromName: "Leadmarket"}, nil)
	var gotAddr string
	var gotMsg []byte
	m.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		if from != "bot@example.com" || len(to) != 1 || to[0] != "r@example.com" {
			t.Errorf("unexpected envelope from=%s to=%v", from, to)
		}
		return nil
	}
	err := m.Handle(context.Background(), &jobs.Job{ID: "j", Kind: jobs.KindSendMail, Email: "r@example.com", Title: "New message", Body: "hello"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Fatalf("unexpected addr %s", gotAddr)
	}
	msg := string(gotMsg)
	for _, want := range []string{"From: Leadmarket <bot@example.com>", "To: r@example.com", "Subject: New message", "\r\n\r\nhello"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("missing %q in %q", want, msg)
		}
	}
}

func TestMailer_NoRecipient(t *testing.T) {
	m := NewMailer(SMTPConfig{Host: "h", Username: "u", Password: "p"}, nil)
	if err := m.Handle(context.Background(), &jobs.Job{ID: "j"}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}

func TestMailer_DisabledDropsJobs(t *testing.T) {
	m := NewMailer(SMTPConfig{}, nil)
	m.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatalf("sendMail must not be called")
		return nil
	}
	if err := m.Handle(context.Background(), &jobs.Job{ID: "j", Email: "r@example.com"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}
