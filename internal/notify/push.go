package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"github.com/PaulBabatuyi/leadmarket/internal/jobs"
	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/hashicorp/go-multierror"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Subscriptions is the part of the user store the pusher needs.
type Subscriptions interface {
	PushSubscriptions(ctx context.Context, userID string) ([]data.PushSubscription, error)
	RemovePushSubscription(ctx context.Context, userID, endpoint string) error
}

// VAPID holds the web-push signing keys.
type VAPID struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
}

// Enabled reports whether both keys are set.
func (v VAPID) Enabled() bool { return v.PublicKey != "" && v.PrivateKey != "" }

// GenerateVAPID returns a fresh key pair.
func GenerateVAPID() (VAPID, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPID{}, err
	}
	return VAPID{PublicKey: pub, PrivateKey: priv}, nil
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Pusher sends web-push notifications to every subscription of a user and
// prunes subscriptions the push service reports gone.
type Pusher struct {
	subs    Subscriptions
	opts    *webpush.Options
	send    sendFunc
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewPusher returns a Pusher. With VAPID keys unset it accepts jobs and sends nothing.
func NewPusher(subs Subscriptions, keys VAPID, log *zap.Logger) *Pusher {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pusher{
		subs:    subs,
		send:    webpush.SendNotificationWithContext,
		breaker: newBreaker("webpush", 30*time.Second, log),
		log:     log.Named("push"),
	}
	if keys.Enabled() {
		subscriber := keys.Subscriber
		if subscriber == "" {
			subscriber = "leadmarket"
		}
		p.opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return p
}

type pushPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Handle implements jobs.Handler.
func (p *Pusher) Handle(ctx context.Context, job *jobs.Job) error {
	if p.opts == nil {
		p.log.Debug("push disabled, dropping job", zap.String("job_id", job.ID))
		return nil
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.push(ctx, job)
	})
	return err
}

func (p *Pusher) push(ctx context.Context, job *jobs.Job) error {
	subs, err := p.subs.PushSubscriptions(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	payload, err := json.Marshal(pushPayload{Title: job.Title, Body: job.Body, Data: job.Data})
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, sub := range subs {
		resp, err := p.send(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}, p.opts)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			p.log.Info("pruning expired push subscription", zap.String("user_id", job.UserID))
			if err := p.subs.RemovePushSubscription(ctx, job.UserID, sub.Endpoint); err != nil {
				result = multierror.Append(result, err)
			}
		case resp.StatusCode >= 300:
			result = multierror.Append(result, fmt.Errorf("push service returned %d", resp.StatusCode))
		}
	}
	return result.ErrorOrNil()
}
