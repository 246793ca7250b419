package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	v1 "github.com/PaulBabatuyi/leadmarket/api/chat/v1"
	"github.com/PaulBabatuyi/leadmarket/internal/auth"
	"github.com/PaulBabatuyi/leadmarket/internal/cache"
	"github.com/PaulBabatuyi/leadmarket/internal/chat"
	"github.com/PaulBabatuyi/leadmarket/internal/config"
	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"github.com/PaulBabatuyi/leadmarket/internal/data/memory"
	"github.com/PaulBabatuyi/leadmarket/internal/db"
	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
	"github.com/PaulBabatuyi/leadmarket/internal/jobs"
	"github.com/PaulBabatuyi/leadmarket/internal/middleware"
	"github.com/PaulBabatuyi/leadmarket/internal/notify"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// accountStore is the user store the transports need.
type accountStore interface {
	CreateUser(ctx context.Context, user *data.User) (*data.User, error)
	GetUserByEmail(ctx context.Context, email string) (*data.User, error)
	GetUserByID(ctx context.Context, id string) (*data.User, error)
	AddPushSubscription(ctx context.Context, userID string, sub data.PushSubscription) error
	RemovePushSubscription(ctx context.Context, userID, endpoint string) error
	PushSubscriptions(ctx context.Context, userID string) ([]data.PushSubscription, error)
	inbox.UserLookup
}

// requestStore is the request store the transports need.
type requestStore interface {
	CreateRequest(ctx context.Context, req *data.Request) (*data.Request, error)
	GetRequest(ctx context.Context, id string) (*data.Request, error)
	HireAffiliate(ctx context.Context, id, affiliateID string) (*data.Request, error)
}

// messageStore is the message store: written by chat, read by the inbox.
type messageStore interface {
	chat.Messages
	inbox.Source
}

// stores groups one backend's implementations.
type stores struct {
	users    accountStore
	requests requestStore
	messages messageStore
	jobs     jobs.Store
	close    func(context.Context) error
}

func memoryStores() *stores {
	st := memory.New()
	return &stores{users: st, requests: st, messages: st, jobs: st, close: func(context.Context) error { return nil }}
}

func mongoStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	client, err := db.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to DB: %w", err)
	}
	if err := client.CreateIndexes(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return &stores{
		users:    data.NewUsersStore(client.UsersCollection()),
		requests: data.NewRequestsStore(client.RequestsCollection()),
		messages: data.NewMessagesStore(client.MessagesCollection(), data.NewSequence(client.CountersCollection()), db.Requests, db.Users),
		jobs:     data.NewJobsStore(client.JobsCollection()),
		close:    client.Close,
	}, nil
}

// Server implements the gRPC chat service.
type Server struct {
	v1.UnimplementedChatServiceServer

	users    accountStore
	chat     *chat.Service
	auth     *auth.JWTManager
	hub      *ConnectionHub
	validate *validator.Validate
	log      *zap.Logger
}

// newServer returns a ready-to-use Server.
func newServer(users accountStore, svc *chat.Service, authMgr *auth.JWTManager, hub *ConnectionHub, log *zap.Logger) *Server {
	return &Server{
		users:    users,
		chat:     svc,
		auth:     authMgr,
		hub:      hub,
		validate: validator.New(),
		log:      log,
	}
}

// App wires every component of the service.
type App struct {
	cfg      *config.Config
	log      *zap.Logger
	st       *stores
	lookup   *cache.Lookup
	closers  []func(context.Context) error
	jwt      *auth.JWTManager
	hub      *ConnectionHub
	chat     *chat.Service
	runner   *jobs.Runner
	limiter  *middleware.LimiterStore
	srv      *Server
	validate *validator.Validate
}

// newApp builds the application on st.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger, st *stores) (*App, error) {
	a := &App{cfg: cfg, log: log, st: st, hub: NewConnectionHub(), validate: validator.New()}
	a.closers = append(a.closers, st.close)

	var projections cache.Projections = cache.NewMemory(cfg.Cache.TTL)
	if cfg.Cache.RedisURL != "" {
		r, err := cache.NewRedis(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return r.Close() })
		projections = r
	}
	a.lookup = cache.NewLookup(st.users, projections, log)

	if len(cfg.JWT.Keys) > 0 {
		a.jwt = auth.NewJWTManagerFromKeys(cfg.JWT.Keys, cfg.JWT.ActiveKid, cfg.JWT.TokenTTL)
	} else {
		a.jwt = auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenTTL)
	}

	agg := inbox.NewAggregator(st.messages, inbox.NewResolver(a.lookup, log.Named("resolver")), cfg.Inbox.PageSize, log.Named("inbox"))
	a.chat = chat.NewService(chat.Deps{
		Users:     st.users,
		Messages:  st.messages,
		Requests:  st.requests,
		Queue:     st.jobs,
		Inbox:     agg,
		Deliverer: a.hub,
		Log:       log,
	})

	a.runner = jobs.NewRunner(st.jobs, log,
		jobs.WithInterval(cfg.Jobs.PollInterval),
		jobs.WithMaxAttempts(cfg.Jobs.MaxAttempts),
		jobs.WithLease(cfg.Jobs.Lease))
	a.runner.Handle(jobs.KindSendPush, notify.NewPusher(st.users, notify.VAPID{
		PublicKey:  cfg.VAPID.PublicKey,
		PrivateKey: cfg.VAPID.PrivateKey,
		Subscriber: cfg.VAPID.Subscriber,
	}, log))
	a.runner.Handle(jobs.KindSendMail, notify.NewMailer(notify.SMTPConfig{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		FromEmail: cfg.SMTP.FromEmail,
		FromName:  cfg.SMTP.FromName,
	}, log))

	a.limiter = middleware.NewLimiterStore(cfg.Server.RateLimitRPM, cfg.Server.RateBurst, time.Minute)
	a.srv = newServer(st.users, a.chat, a.jwt, a.hub, log.Named("grpc"))
	return a, nil
}

// grpcServer builds the gRPC server: logging, rate limiting for Register and
// Login, then authentication.
func (a *App) grpcServer() (*grpc.Server, error) {
	var opts []grpc.ServerOption
	if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load TLS certs: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else if a.cfg.Server.RequireTLS {
		return nil, errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}

	log := a.log.Named("grpc")
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			loggingUnaryInterceptor(log),
			middleware.RateLimitUnaryInterceptor(a.limiter, publicMethods, log),
			authUnaryInterceptor(a.jwt),
		),
		grpc.ChainStreamInterceptor(
			loggingStreamInterceptor(log),
			authStreamInterceptor(a.jwt),
		),
	)
	s := grpc.NewServer(opts...)
	v1.RegisterChatServiceServer(s, a.srv)

	hs := health.NewServer()
	hs.SetServingStatus(v1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s, nil
}

// httpServer builds the REST and WebSocket server.
func (a *App) httpServer() *http.Server {
	return &http.Server{
		Addr:              a.cfg.Server.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run serves gRPC and HTTP and runs the job runner until ctx is done, then
// shuts everything down.
func (a *App) Run(ctx context.Context) error {
	gs, err := a.grpcServer()
	if err != nil {
		return err
	}
	listenAddr := ":" + a.cfg.Server.GRPCPort
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	hs := a.httpServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("gRPC server listening", zap.String("addr", listenAddr))
		return gs.Serve(lis)
	})
	g.Go(func() error {
		a.log.Info("HTTP server listening", zap.String("addr", hs.Addr))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		err := hs.Shutdown(shutdownCtx)
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			// open Subscribe streams never finish on their own
			gs.Stop()
		}
		return err
	})
	return g.Wait()
}

// Close releases stores and caches.
func (a *App) Close(ctx context.Context) error {
	a.limiter.Stop()
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
