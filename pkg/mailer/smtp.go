package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/bulk-mail/pkg/circuitbreaker"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// MessageIDDomain is the right-hand side of generated Message-ID headers.
	MessageIDDomain string
	RatePerSecond   float64
	Burst           int
}

// Dialer opens an SMTP session. *gomail.Dialer satisfies it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

type SMTPTransport struct {
	dialer  Dialer
	domain  string
	limiter *rate.Limiter
	cb      *circuitbreaker.CircuitBreaker
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return NewSMTPTransportWithDialer(cfg, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password))
}

func NewSMTPTransportWithDialer(cfg SMTPConfig, dialer Dialer) *SMTPTransport {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	domain := cfg.MessageIDDomain
	if domain == "" {
		domain = cfg.Host
	}

	return &SMTPTransport{
		dialer:  dialer,
		domain:  domain,
		limiter: rate.NewLimiter(limit, burst),
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "smtp",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			IsFailure:   isServerFailure,
		}),
	}
}

// isServerFailure keeps permanent per-recipient rejections (5xx) from tripping the breaker.
func isServerFailure(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code < 500
	}
	return true
}

func (t *SMTPTransport) Send(ctx context.Context, msg Message) (SendResult, error) {
	if err := msg.Validate(); err != nil {
		return SendResult{}, err
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return SendResult{}, fmt.Errorf("rate limiter: %w", err)
	}

	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), t.domain)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetBody("text/html", msg.HTML)

	err := t.cb.Execute(func() error {
		s, err := t.dialer.Dial()
		if err != nil {
			return fmt.Errorf("failed to dial smtp: %w", err)
		}
		defer s.Close()
		return s.Send(msg.From, []string{msg.To}, m)
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to send to %s: %w", msg.To, err)
	}

	return SendResult{MessageID: messageID}, nil
}
