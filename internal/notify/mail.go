package notify

import (
	"bytes"
	"context"
	"errors"
	"net/smtp"
	"strconv"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/jobs"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrNoRecipient is returned for mail jobs without an address.
var ErrNoRecipient = errors.New("mail job has no recipient")

// SMTPConfig configures outgoing mail.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// Enabled reports whether mail can be sent.
func (c SMTPConfig) Enabled() bool { return c.Host != "" && c.Username != "" && c.Password != "" }

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends notification emails over SMTP.
type Mailer struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time
	log      *zap.Logger
}

// NewMailer returns a Mailer. When cfg is not enabled, jobs are accepted and dropped.
func NewMailer(cfg SMTPConfig, log *zap.Logger) *Mailer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Mailer{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		breaker:  newBreaker("smtp", time.Minute, log),
		now:      time.Now,
		log:      log.Named("mail"),
	}
}

// Handle implements jobs.Handler.
func (m *Mailer) Handle(ctx context.Context, job *jobs.Job) error {
	if !m.cfg.Enabled() {
		m.log.Debug("smtp not configured, dropping job", zap.String("job_id", job.ID))
		return nil
	}
	if job.Email == "" {
		return ErrNoRecipient
	}
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.send(ctx, job.Email, job.Title, job.Body)
	})
	return err
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	from := m.cfg.FromEmail
	if from == "" {
		from = m.cfg.Username
	}
	addr := m.cfg.Host + ":" + strconv.Itoa(m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	msg := m.compose(from, to, subject, body)

	done := make(chan error, 1)
	go func() { done <- m.sendMail(addr, auth, from, []string{to}, msg) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (m *Mailer) compose(from, to, subject, body string) []byte {
	var buf bytes.Buffer
	if m.cfg.FromName != "" {
		buf.WriteString("From: " + m.cfg.FromName + " <" + from + ">\r\n")
	} else {
		buf.WriteString("From: " + from + "\r\n")
	}
	buf.WriteString("To: " + to + "\r\n")
	buf.WriteString("Subject: " + subject + "\r\n")
	buf.WriteString("Date: " + m.now().Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}
