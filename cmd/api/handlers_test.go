package main

import (
	"context"
	"net"
	"testing"
	"time"

	v1 "github.com/PaulBabatuyi/leadmarket/api/chat/v1"
	"github.com/PaulBabatuyi/leadmarket/internal/chat"
	"github.com/PaulBabatuyi/leadmarket/internal/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.JWT.Secret = "test-secret"
	cfg.Server.RateLimitRPM = 1000
	cfg.Server.RateBurst = 100
	cfg.Jobs.PollInterval = time.Hour
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := newApp(context.Background(), cfg, zap.NewNop(), memoryStores())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

// startGRPC serves app over an in-memory listener and returns a connected client.
func startGRPC(t *testing.T, app *App) (v1.ChatServiceClient, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	s, err := app.grpcServer()
	if err != nil {
		t.Fatalf("grpcServer: %v", err)
	}
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to dial bufnet: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return v1.NewChatServiceClient(conn), conn
}

func withToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func register(t *testing.T, client v1.ChatServiceClient, email, first string) *v1.AuthResponse {
	t.Helper()
	resp, err := client.Register(context.Background(), &v1.RegisterRequest{
		Email:     email,
		Password:  "testPass123",
		FirstName: first,
	})
	if err != nil {
		t.Fatalf("Register %s: %v", email, err)
	}
	if resp.Token == "" || resp.UserID == "" {
		t.Fatalf("Register response missing token or user id")
	}
	return resp
}

func TestRegisterAndLogin(t *testing.T) {
	client, _ := startGRPC(t, newTestApp(t, testConfig()))
	ctx := context.Background()

	reg := register(t, client, "Alice@Example.com", "Alice")

	login, err := client.Login(ctx, &v1.LoginRequest{Email: "alice@example.com", Password: "testPass123"})
	if err != nil {
		t.Fatalf("Login RPC failed: %v", err)
	}
	if login.UserID != reg.UserID || !login.ExpiresAt.After(time.Now()) {
		t.Fatalf("unexpected login response %+v", login)
	}

	cases := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"duplicate", func() error {
			_, err := client.Register(ctx, &v1.RegisterRequest{Email: "alice@example.com", Password: "testPass123", FirstName: "A"})
			return err
		}, codes.AlreadyExists},
		{"short password", func() error {
			_, err := client.Register(ctx, &v1.RegisterRequest{Email: "c@example.com", Password: "x", FirstName: "C"})
			return err
		}, codes.InvalidArgument},
		{"bad role", func() error {
			_, err := client.Register(ctx, &v1.RegisterRequest{Email: "d@example.com", Password: "testPass123", FirstName: "D", Role: "admin"})
			return err
		}, codes.InvalidArgument},
		{"wrong password", func() error {
			_, err := client.Login(ctx, &v1.LoginRequest{Email: "alice@example.com", Password: "nope"})
			return err
		}, codes.PermissionDenied},
		{"unknown user", func() error {
			_, err := client.Login(ctx, &v1.LoginRequest{Email: "ghost@example.com", Password: "nope"})
			return err
		}, codes.PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := status.Code(tc.call()); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	// an unknown email and a wrong password must be indistinguishable
	_, wrongPass := client.Login(ctx, &v1.LoginRequest{Email: "alice@example.com", Password: "nope"})
	_, unknown := client.Login(ctx, &v1.LoginRequest{Email: "ghost@example.com", Password: "nope"})
	if status.Convert(wrongPass).Message() != status.Convert(unknown).Message() {
		t.Fatalf("login errors differ: %q vs %q", status.Convert(wrongPass).Message(), status.Convert(unknown).Message())
	}
}

func TestAuthRequired(t *testing.T) {
	client, _ := startGRPC(t, newTestApp(t, testConfig()))
	ctx := context.Background()

	if _, err := client.ListInbox(ctx, &v1.ListInboxRequest{}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without token, got %v", err)
	}
	if _, err := client.UnreadCount(withToken(ctx, "garbage"), &v1.UnreadCountRequest{}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated with bad token, got %v", err)
	}
	stream, err := client.Subscribe(ctx, &v1.SubscribeRequest{})
	if err == nil {
		_, err = stream.Recv()
	}
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated stream, got %v", err)
	}
}

func TestSendSubscribeAndRead(t *testing.T) {
	app := newTestApp(t, testConfig())
	client, _ := startGRPC(t, app)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := register(t, client, "alice@example.com", "Alice")
	bob := register(t, client, "bob@example.com", "Bob")
	aliceCtx, bobCtx := withToken(ctx, alice.Token), withToken(ctx, bob.Token)

	stream, err := client.Subscribe(bobCtx, &v1.SubscribeRequest{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !app.hub.Online(bob.UserID) {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sent, err := client.SendMessage(aliceCtx, &v1.SendMessageRequest{Receiver: bob.UserID, Text: "hello bob"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	ev, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if ev.Type != chat.EventMessageNew || ev.Message == nil || ev.Message.ID != sent.ID {
		t.Fatalf("unexpected event %+v", ev)
	}

	page, err := client.ListInbox(bobCtx, &v1.ListInboxRequest{})
	if err != nil {
		t.Fatalf("ListInbox: %v", err)
	}
	if page.Count != 1 || len(page.Result) != 1 || page.UnreadCount == nil || *page.UnreadCount != 1 {
		t.Fatalf("unexpected inbox %+v", page)
	}
	if page.Result[0].Sender.UserID() != alice.UserID || page.Result[0].Sender.FirstName != "Alice" {
		t.Fatalf("sender not resolved: %+v", page.Result[0].Sender)
	}

	thread, err := client.GetThread(aliceCtx, &v1.GetThreadRequest{UserID: bob.UserID})
	if err != nil || thread.Count != 1 {
		t.Fatalf("GetThread: %+v %v", thread, err)
	}

	marked, err := client.MarkRead(bobCtx, &v1.MarkReadRequest{UserID: alice.UserID})
	if err != nil || marked.Updated != 1 {
		t.Fatalf("MarkRead: %+v %v", marked, err)
	}
	unread, err := client.UnreadCount(bobCtx, &v1.UnreadCountRequest{})
	if err != nil || unread.UnreadCount != 0 {
		t.Fatalf("UnreadCount: %+v %v", unread, err)
	}

	if _, err := client.SendMessage(aliceCtx, &v1.SendMessageRequest{Receiver: "64b7f0c2a1b2c3d4e5f60099", Text: "x"}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound for unknown receiver, got %v", err)
	}
	if _, err := client.ListInbox(bobCtx, &v1.ListInboxRequest{CustomerType: []string{"vip"}}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for bad customer type, got %v", err)
	}
}

func TestRateLimitedLogin(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimitRPM = 1
	cfg.Server.RateBurst = 3
	client, _ := startGRPC(t, newTestApp(t, cfg))
	ctx := context.Background()

	var last error
	for i := 0; i < 5; i++ {
		_, last = client.Login(ctx, &v1.LoginRequest{Email: "flood@example.com", Password: "whatever"})
	}
	if status.Code(last) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted after burst, got %v", last)
	}
}

func TestHealthService(t *testing.T) {
	_, conn := startGRPC(t, newTestApp(t, testConfig()))
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: v1.ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}
}
