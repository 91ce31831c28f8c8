package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/pure-golang/bulkmail/mail"
)

var _ mail.Sender = (*Sender)(nil)

var tracer = otel.Tracer("github.com/pure-golang/bulkmail/mail/smtp")

// Sender implements mail.Sender over a pool of SMTP sessions.
type Sender struct {
	mx     sync.RWMutex
	cfg    Config
	auth   smtp.Auth
	logger *slog.Logger

	slots   chan struct{} // one token per open session
	idle    chan *conn
	limiter *rate.Limiter
	closed  bool
}

// SenderOptions contains options for creating a Sender.
type SenderOptions struct {
	Logger *slog.Logger
}

type conn struct {
	client *smtp.Client
	sent   int
}

// NewSender creates a new SMTP Sender. Sessions are opened lazily.
func NewSender(cfg Config, options *SenderOptions) *Sender {
	cfg = cfg.withDefaults()

	logger := slog.Default()
	if options != nil && options.Logger != nil {
		logger = options.Logger
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)/cfg.RateDelta.Seconds()), cfg.RateLimit)
	}

	return &Sender{
		cfg:     cfg,
		auth:    auth,
		logger:  logger.With("smtp_host", cfg.Host),
		slots:   make(chan struct{}, cfg.MaxConnections),
		idle:    make(chan *conn, cfg.MaxConnections),
		limiter: limiter,
	}
}

// Verify opens (or reuses) a session and checks it with NOOP.
func (s *Sender) Verify(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "SMTP.Verify", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if s.isClosed() {
		return mail.ErrClosed
	}

	c, err := s.acquire(ctx)
	if err != nil {
		recordError(span, err)
		return err
	}

	err = c.client.Noop()
	s.release(c, err == nil)
	if err != nil {
		recordError(span, err)
		return errors.Wrap(err, "smtp server rejected NOOP")
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Send sends a single email and returns its Message-ID.
func (s *Sender) Send(ctx context.Context, email mail.Email) (string, error) {
	ctx, span := tracer.Start(ctx, "SMTP.Send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("smtp.subject", email.Subject),
		attribute.Int("smtp.to_count", len(email.To)),
		attribute.Int("smtp.cc_count", len(email.Cc)),
		attribute.Int("smtp.bcc_count", len(email.Bcc)),
		attribute.String("smtp.host", s.cfg.Host),
		attribute.Int("smtp.port", s.cfg.Port),
		attribute.Bool("smtp.tls", s.cfg.TLS),
	)

	if s.isClosed() {
		span.SetStatus(codes.Error, "sender is closed")
		return "", mail.ErrClosed
	}

	email, err := mail.Prepare(email, s.cfg.From)
	if err != nil {
		recordError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("smtp.from", email.From.Address))

	messageID, msg, err := mail.Build(email)
	if err != nil {
		recordError(span, err)
		return "", err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		recordError(span, err)
		return "", errors.Wrap(err, "rate limit wait interrupted")
	}

	c, err := s.acquire(ctx)
	if err != nil {
		recordError(span, err)
		return "", err
	}

	err = s.deliver(c, email.From.Address, email.Recipients(), msg)
	s.release(c, err == nil)
	if err != nil {
		recordError(span, err)
		return "", errors.Wrap(err, "failed to send email")
	}

	span.SetAttributes(attribute.String("smtp.message_id", messageID))
	span.SetStatus(codes.Ok, "")
	return messageID, nil
}

// deliver runs one MAIL/RCPT/DATA transaction on an open session.
func (s *Sender) deliver(c *conn, from string, rcpts []string, msg []byte) error {
	if err := c.client.Mail(from); err != nil {
		return errors.Wrap(err, "failed to set sender")
	}

	for _, addr := range rcpts {
		if err := c.client.Rcpt(addr); err != nil {
			return errors.Wrapf(err, "failed to set recipient: %s", addr)
		}
	}

	writer, err := c.client.Data()
	if err != nil {
		return errors.Wrap(err, "failed to get data writer")
	}

	if _, err := writer.Write(msg); err != nil {
		writer.Close()
		return errors.Wrap(err, "failed to write message")
	}

	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "server rejected message")
	}

	c.sent++
	return nil
}

// acquire takes an idle session or dials a new one when a slot is free.
func (s *Sender) acquire(ctx context.Context) (*conn, error) {
	select {
	case c := <-s.idle:
		return c, nil
	default:
	}

	select {
	case c := <-s.idle:
		return c, nil
	case s.slots <- struct{}{}:
		c, err := s.dial(ctx)
		if err != nil {
			<-s.slots
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for smtp connection")
	}
}

// release parks a healthy session or closes it.
func (s *Sender) release(c *conn, healthy bool) {
	if healthy && c.sent < s.cfg.MaxMessages {
		s.mx.RLock()
		if !s.closed {
			select {
			case s.idle <- c:
				s.mx.RUnlock()
				return
			default:
			}
		}
		s.mx.RUnlock()
	}
	s.discard(c, healthy)
}

func (s *Sender) discard(c *conn, graceful bool) {
	var err error
	if graceful {
		err = c.client.Quit()
	} else {
		err = c.client.Close()
	}
	if err != nil {
		s.logger.Debug("smtp session closed with error", "error", err.Error())
	}
	<-s.slots
}

// dial opens a session: connect, STARTTLS when offered, authenticate.
func (s *Sender) dial(ctx context.Context) (*conn, error) {
	ctx, span := tracer.Start(ctx, "SMTP.Dial")
	defer span.End()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	span.SetAttributes(
		attribute.String("smtp.address", addr),
		attribute.Bool("smtp.auth", s.auth != nil),
	)

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		recordError(span, err)
		return nil, errors.Wrap(err, "failed to connect to SMTP server")
	}

	client, err := smtp.NewClient(nc, s.cfg.Host)
	if err != nil {
		nc.Close()
		recordError(span, err)
		return nil, errors.Wrap(err, "failed to start SMTP session")
	}

	if s.cfg.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			span.SetAttributes(attribute.Bool("smtp.starttls", true))

			tlsConfig := &tls.Config{
				ServerName:         s.cfg.Host,
				InsecureSkipVerify: s.cfg.Insecure, // #nosec G402 -- controlled by config, user's responsibility
			}
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				recordError(span, err)
				return nil, errors.Wrap(err, "failed to start TLS")
			}
		} else {
			span.SetAttributes(attribute.Bool("smtp.starttls", false))
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			client.Close()
			recordError(span, err)
			return nil, errors.Wrap(err, "failed to authenticate")
		}
	}

	s.logger.Debug("smtp session opened", "address", addr)
	span.SetStatus(codes.Ok, "")
	return &conn{client: client}, nil
}

func (s *Sender) isClosed() bool {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.closed
}

// Close quits idle sessions. Sessions in use are closed when released.
func (s *Sender) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	s.mx.Unlock()

	for {
		select {
		case c := <-s.idle:
			s.discard(c, true)
		default:
			return nil
		}
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
