package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "github.com/PaulBabatuyi/leadmarket/api/chat/v1"
	"github.com/PaulBabatuyi/leadmarket/internal/chat"
	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
	"github.com/PaulBabatuyi/leadmarket/internal/jobs"
	"github.com/gorilla/websocket"
)

type restClient struct {
	t    *testing.T
	base string
}

func (c restClient) do(method, path, token string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (c restClient) register(email, first, role string) v1.AuthResponse {
	c.t.Helper()
	var out v1.AuthResponse
	code := c.do(http.MethodPost, "/api/v1/auth/register", "", v1.RegisterRequest{
		Email: email, Password: "testPass123", FirstName: first, Role: role,
	}, &out)
	if code != http.StatusCreated {
		c.t.Fatalf("register %s: status %d", email, code)
	}
	return out
}

func startHTTP(t *testing.T) (*App, restClient, *httptest.Server) {
	t.Helper()
	app := newTestApp(t, testConfig())
	srv := httptest.NewServer(app.routes())
	t.Cleanup(srv.Close)
	return app, restClient{t: t, base: srv.URL}, srv
}

func TestREST_HealthAndAuth(t *testing.T) {
	_, c, _ := startHTTP(t)

	if code := c.do(http.MethodGet, "/healthz", "", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if code := c.do(http.MethodGet, "/api/v1/inbox", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	c.register("alice@example.com", "Alice", "")
	if code := c.do(http.MethodPost, "/api/v1/auth/register", "", v1.RegisterRequest{
		Email: "alice@example.com", Password: "testPass123", FirstName: "Alice",
	}, nil); code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", code)
	}
	if code := c.do(http.MethodPost, "/api/v1/auth/login", "", v1.LoginRequest{Email: "alice@example.com", Password: "bad"}, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 on bad password, got %d", code)
	}
	if code := c.do(http.MethodPost, "/api/v1/auth/login", "", v1.LoginRequest{Email: "ghost@example.com", Password: "testPass123"}, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 for an unknown email, got %d", code)
	}
	if code := c.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "not-an-email"}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 on invalid body, got %d", code)
	}
}

func TestREST_ConversationFlow(t *testing.T) {
	app, c, _ := startHTTP(t)
	client := c.register("client@example.com", "Carla", "client")
	aff1 := c.register("aff1@example.com", "Ann", "affiliate")
	aff2 := c.register("aff2@example.com", "Ben", "affiliate")

	var req inbox.RequestSnapshot
	if code := c.do(http.MethodPost, "/api/v1/requests", client.Token, map[string]string{"title": "Roof repair"}, &req); code != http.StatusCreated {
		t.Fatalf("create request: %d", code)
	}

	for _, from := range []v1.AuthResponse{aff1, aff2} {
		var msg v1.Message
		code := c.do(http.MethodPost, "/api/v1/messages", from.Token, v1.SendMessageRequest{
			Receiver: client.UserID, Text: "quote from " + from.UserID, MessageFor: req.ID,
		}, &msg)
		if code != http.StatusCreated || msg.MessageFor != req.ID {
			t.Fatalf("send: %d %+v", code, msg)
		}
	}
	// the client is offline, so every message queued a push and a mail job
	store := app.st.jobs.(interface{ Jobs() []jobs.Job })
	if n := len(store.Jobs()); n != 4 {
		t.Fatalf("expected 4 queued jobs, got %d", n)
	}

	var page v1.Page
	if code := c.do(http.MethodGet, "/api/v1/inbox", client.Token, nil, &page); code != http.StatusOK {
		t.Fatalf("inbox: %d", code)
	}
	if page.Count != 2 || len(page.Result) != 2 || *page.UnreadCount != 2 {
		t.Fatalf("unexpected inbox %+v", page)
	}
	if page.Result[0].Sender.UserID() != aff2.UserID {
		t.Fatalf("expected newest sender first, got %+v", page.Result[0].Sender)
	}

	var hired inbox.RequestSnapshot
	if code := c.do(http.MethodPost, "/api/v1/requests/"+req.ID+"/hire", aff1.Token, map[string]string{"affiliateId": aff1.UserID}, nil); code != http.StatusForbidden {
		t.Fatalf("only the owner may hire, got %d", code)
	}
	if code := c.do(http.MethodPost, "/api/v1/requests/"+req.ID+"/hire", client.Token, map[string]string{"affiliateId": aff1.UserID}, &hired); code != http.StatusOK || hired.HiredAffiliate != aff1.UserID {
		t.Fatalf("hire: %d %+v", code, hired)
	}

	var active v1.Page
	if code := c.do(http.MethodGet, "/api/v1/inbox?customerType=active", client.Token, nil, &active); code != http.StatusOK {
		t.Fatalf("active inbox: %d", code)
	}
	if active.Count != 2 {
		t.Fatalf("both conversations share the hired request, got count %d", active.Count)
	}
	if code := c.do(http.MethodGet, "/api/v1/inbox?customerType=vip", client.Token, nil, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad customerType, got %d", code)
	}
	if code := c.do(http.MethodGet, "/api/v1/inbox?skip=-1", client.Token, nil, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative skip, got %d", code)
	}

	var thread v1.Page
	if code := c.do(http.MethodGet, "/api/v1/messages/"+aff1.UserID, client.Token, nil, &thread); code != http.StatusOK || thread.Count != 1 {
		t.Fatalf("thread: %d %+v", code, thread)
	}

	var marked v1.MarkReadResponse
	for i, want := range []int64{1, 0} {
		if code := c.do(http.MethodPatch, "/api/v1/messages/"+aff1.UserID+"/read", client.Token, nil, &marked); code != http.StatusOK || marked.Updated != want {
			t.Fatalf("mark read %d: %d %+v", i, code, marked)
		}
	}
	var unread v1.UnreadCountResponse
	if code := c.do(http.MethodGet, "/api/v1/inbox/unread-count", client.Token, nil, &unread); code != http.StatusOK || unread.UnreadCount != 1 {
		t.Fatalf("unread count: %d %+v", code, unread)
	}
}

func TestREST_RequestRoles(t *testing.T) {
	app, c, _ := startHTTP(t)
	client := c.register("client@example.com", "Carla", "client")
	aff := c.register("aff@example.com", "Ann", "affiliate")

	if code := c.do(http.MethodPost, "/api/v1/requests", aff.Token, map[string]string{"title": "Roof"}, nil); code != http.StatusForbidden {
		t.Fatalf("affiliate created a request: %d", code)
	}
	var req inbox.RequestSnapshot
	if code := c.do(http.MethodPost, "/api/v1/requests", client.Token, map[string]string{"title": "Roof"}, &req); code != http.StatusCreated {
		t.Fatalf("client create request: %d", code)
	}

	// admins are not self-registered
	admin, err := app.st.users.CreateUser(t.Context(), &data.User{Email: "admin@example.com", FirstName: "Ada", Role: data.RoleAdmin})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	adminToken, _, err := app.jwt.GenerateToken(admin.ID, admin.Email, string(data.RoleAdmin))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if code := c.do(http.MethodPost, "/api/v1/requests", adminToken, map[string]string{"title": "Gutter"}, nil); code != http.StatusForbidden {
		t.Fatalf("admin created a request: %d", code)
	}

	var hired inbox.RequestSnapshot
	if code := c.do(http.MethodPost, "/api/v1/requests/"+req.ID+"/hire", adminToken, map[string]string{"affiliateId": aff.UserID}, &hired); code != http.StatusOK || hired.HiredAffiliate != aff.UserID {
		t.Fatalf("admin hire: %d %+v", code, hired)
	}
}

func TestREST_PushSubscriptions(t *testing.T) {
	app, c, _ := startHTTP(t)
	u := c.register("push@example.com", "Pat", "")
	sub := map[string]any{"subscription": map[string]string{
		"endpoint": "https://push.example.com/abc", "p256dh": "key", "auth": "secret",
	}}
	if code := c.do(http.MethodPost, "/api/v1/push/subscriptions", u.Token, sub, nil); code != http.StatusNoContent {
		t.Fatalf("subscribe: %d", code)
	}
	subs, err := app.st.users.PushSubscriptions(t.Context(), u.UserID)
	if err != nil || len(subs) != 1 {
		t.Fatalf("expected one subscription, got %v %v", subs, err)
	}
	if code := c.do(http.MethodDelete, "/api/v1/push/subscriptions", u.Token, map[string]string{"endpoint": "https://push.example.com/abc"}, nil); code != http.StatusNoContent {
		t.Fatalf("unsubscribe: %d", code)
	}
	subs, _ = app.st.users.PushSubscriptions(t.Context(), u.UserID)
	if len(subs) != 0 {
		t.Fatalf("expected subscription removed")
	}
}

func TestWebSocket_ReceivesEventsAndSends(t *testing.T) {
	app, c, srv := startHTTP(t)
	alice := c.register("alice@example.com", "Alice", "")
	bob := c.register("bob@example.com", "Bob", "")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?token=" + bob.Token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !app.hub.Online(bob.UserID) {
		if time.Now().After(deadline) {
			t.Fatalf("websocket client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var sent v1.Message
	if code := c.do(http.MethodPost, "/api/v1/messages", alice.Token, v1.SendMessageRequest{Receiver: bob.UserID, Text: "ping"}, &sent); code != http.StatusCreated {
		t.Fatalf("send: %d", code)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev chat.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != chat.EventMessageNew || ev.Message.ID != sent.ID {
		t.Fatalf("unexpected event %+v", ev)
	}

	if err := conn.WriteJSON(wsRequest{Type: "message.send", Ref: "r1", Receiver: alice.UserID, Text: "pong"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	var ack wsReply
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "message.send.ack" || ack.Ref != "r1" || ack.Error != "" || ack.Message == nil {
		t.Fatalf("unexpected ack %+v", ack)
	}

	if err := conn.WriteJSON(wsRequest{Type: "message.read", Ref: "r2", UserID: alice.UserID}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Ref != "r2" || ack.Updated != 1 {
		t.Fatalf("unexpected read ack %+v", ack)
	}

	if err := conn.WriteJSON(wsRequest{Type: "bogus"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != "error" {
		t.Fatalf("expected error frame, got %+v %v", ack, err)
	}
}
