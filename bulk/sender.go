// Package bulk sends one message to many recipients in throttled batches.
//
// A run partitions recipients into consecutive batches sized by the provider
// config. Sends inside a batch run concurrently up to ConcurrentSends, each with
// exponential-backoff retries. Batches run strictly one after another with a
// pause between them. Progress is pushed to a progress.Sink after every batch.
package bulk

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pure-golang/bulkmail/logger"
	"github.com/pure-golang/bulkmail/mail"
	"github.com/pure-golang/bulkmail/pool"
	"github.com/pure-golang/bulkmail/progress"
	"github.com/pure-golang/bulkmail/recipient"
	"github.com/pure-golang/bulkmail/retry"
)

// DefaultMaxRecipients caps a single run.
const DefaultMaxRecipients = 10000

var (
	ErrNoRecipients      = errors.New("no recipients provided")
	ErrTooManyRecipients = errors.New("too many recipients")
	ErrTransportSetup    = errors.New("mail transport setup failed")
)

// setupError keeps the transport error as the cause while matching ErrTransportSetup.
type setupError struct {
	cause error
}

func (e *setupError) Error() string        { return ErrTransportSetup.Error() + ": " + e.cause.Error() }
func (e *setupError) Unwrap() error        { return e.cause }
func (e *setupError) Is(target error) bool { return target == ErrTransportSetup }

// TransportFactory opens a mail transport for one run. provider is the name the
// caller asked for, so a factory may pick credentials or a well-known host by it.
type TransportFactory func(ctx context.Context, provider string) (mail.Sender, error)

type Option func(*Sender)

// WithProviders replaces the built-in provider table.
func WithProviders(t *ProviderTable) Option {
	return func(s *Sender) {
		if t != nil {
			s.providers = t
		}
	}
}

// WithProgress sets the sink receiving snapshots.
func WithProgress(sink progress.Sink) Option {
	return func(s *Sender) {
		if sink != nil {
			s.progress = sink
		}
	}
}

// WithLogger fixes the logger. Without it the logger is taken from the context.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) { s.logger = l }
}

// WithBackoffBase sets the first retry unit; waits are base*2^attempt.
func WithBackoffBase(d time.Duration) Option {
	return func(s *Sender) { s.backoffBase = d }
}

// WithMaxRecipients overrides DefaultMaxRecipients.
func WithMaxRecipients(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.maxRecipients = n
		}
	}
}

// Sender runs bulk sends. It holds no per-run state and may serve sequential
// or concurrent runs; every run opens its own transport.
type Sender struct {
	factory       TransportFactory
	providers     *ProviderTable
	progress      progress.Sink
	logger        *slog.Logger
	backoffBase   time.Duration
	maxRecipients int
}

func NewSender(factory TransportFactory, opts ...Option) *Sender {
	s := &Sender{
		factory:       factory,
		providers:     DefaultProviders(),
		progress:      progress.Noop,
		backoffBase:   retry.DefaultBase,
		maxRecipients: DefaultMaxRecipients,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Providers returns the table in use.
func (s *Sender) Providers() *ProviderTable { return s.providers }

// SendBulk sends msg to every recipient.
//
// Input errors (ErrNoRecipients, ErrTooManyRecipients) are returned before a
// transport is opened. A transport that cannot be opened or verified fails the
// run with an error matching ErrTransportSetup and no summary. Per-recipient
// failures never fail the run; they are reported in the summary outcomes.
//
// When ctx is done, no further batch is started, pending waits are cut short
// and the partial summary is returned together with the context error.
func (s *Sender) SendBulk(ctx context.Context, msg mail.Email, recipients []recipient.Recipient, provider string) (*Summary, error) {
	total := len(recipients)
	if total == 0 {
		return nil, ErrNoRecipients
	}
	if total > s.maxRecipients {
		return nil, errors.Wrapf(ErrTooManyRecipients, "%d recipients, the limit is %d", total, s.maxRecipients)
	}

	cfg, label, known := s.resolve(provider)
	requested := providerName(provider, label)

	run := &Summary{
		RunID:     uuid.NewString(),
		Provider:  requested,
		Total:     total,
		StartedAt: time.Now(),
	}

	ctx, span := tracer.Start(ctx, "bulk.SendBulk")
	defer span.End()
	span.SetAttributes(
		attribute.String("bulkmail.run_id", run.RunID),
		attribute.String("bulkmail.provider", requested),
		attribute.Int("bulkmail.recipients", total),
		attribute.Int("bulkmail.batch_size", cfg.BatchSize),
	)

	log := s.log(ctx).With("run_id", run.RunID, "provider", requested)
	if !known {
		log.Info("unknown provider, using default throttling", "default", label)
	}

	transport, err := s.open(ctx, requested)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			log.Warn("failed to close mail transport", "error", err.Error())
		}
	}()

	if err := transport.Verify(ctx); err != nil {
		err = &setupError{cause: errors.Wrap(err, "failed to verify transport")}
		recordError(span, err)
		return nil, err
	}

	batches := (total + cfg.BatchSize - 1) / cfg.BatchSize
	log.Info("bulk send started",
		"recipients", total,
		"batches", batches,
		"batch_size", cfg.BatchSize,
		"concurrent_sends", cfg.ConcurrentSends,
		"max_retries", cfg.MaxRetries,
	)

	s.progress.Report(progress.Snapshot{RunID: run.RunID, Total: total})

	policy := retry.NewExponential(s.backoffBase, cfg.MaxRetries)
	run.Outcomes = make([]Outcome, 0, total)

	var runErr error
	for batch, start := 0, 0; start < total; batch, start = batch+1, start+cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		end := min(start+cfg.BatchSize, total)
		outcomes := s.sendBatch(ctx, transport, msg, recipients[start:end], cfg, policy, label, batch)

		for _, o := range outcomes {
			if o.Success {
				run.Successful++
			} else {
				run.Failed++
			}
		}
		run.Outcomes = append(run.Outcomes, outcomes...)

		s.progress.Report(progress.Snapshot{
			RunID:      run.RunID,
			Current:    end,
			Total:      total,
			Completed:  len(run.Outcomes),
			Successful: run.Successful,
			Failed:     run.Failed,
		})

		if end < total {
			if err := retry.Sleep(ctx, cfg.DelayBetweenBatches); err != nil {
				runErr = err
				break
			}
		}
	}

	run.FinishedAt = time.Now()
	run.Success = runErr == nil
	run.SuccessRate = FormatRate(run.Successful, run.Total)

	span.SetAttributes(
		attribute.Int("bulkmail.successful", run.Successful),
		attribute.Int("bulkmail.failed", run.Failed),
	)

	if runErr != nil {
		runErr = errors.Wrapf(runErr, "bulk send interrupted after %d of %d recipients", len(run.Outcomes), total)
		recordError(span, runErr)
		log.Warn("bulk send interrupted",
			"error", runErr.Error(),
			"completed", len(run.Outcomes),
			"successful", run.Successful,
			"failed", run.Failed,
		)
		return run, runErr
	}

	span.SetStatus(codes.Ok, "")
	log.Info("bulk send finished",
		"successful", run.Successful,
		"failed", run.Failed,
		"success_rate", run.SuccessRate,
		"duration", run.FinishedAt.Sub(run.StartedAt).String(),
	)

	return run, nil
}

// SendOne sends msg to a single recipient with one attempt and no verification.
// Only a transport that cannot be opened is returned as an error; a failed send
// is reported in the outcome.
func (s *Sender) SendOne(ctx context.Context, msg mail.Email, to recipient.Recipient, provider string) (*Outcome, error) {
	if strings.TrimSpace(to.Email) == "" {
		return nil, ErrNoRecipients
	}

	_, label, _ := s.resolve(provider)

	ctx, span := tracer.Start(ctx, "bulk.SendOne")
	defer span.End()

	transport, err := s.open(ctx, providerName(provider, label))
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			s.log(ctx).Warn("failed to close mail transport", "error", err.Error())
		}
	}()

	o := Outcome{Email: to.Email, Attempts: 1}
	id, err := transport.Send(ctx, personalize(msg, to))
	if err != nil {
		o.Error = err.Error()
		o.Err = err
		recordError(span, err)
	} else {
		o.Success = true
		o.MessageID = id
		span.SetStatus(codes.Ok, "")
	}
	recordOutcome(label, o)

	return &o, nil
}

func (s *Sender) sendBatch(
	ctx context.Context,
	transport mail.Sender,
	msg mail.Email,
	batch []recipient.Recipient,
	cfg ProviderConfig,
	policy retry.Policy,
	label string,
	index int,
) []Outcome {
	ctx, span := tracer.Start(ctx, "bulk.Batch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("bulkmail.batch", index),
		attribute.Int("bulkmail.batch_len", len(batch)),
	)

	started := time.Now()
	outcomes := make([]Outcome, len(batch))

	pool.Run(ctx, cfg.ConcurrentSends, len(batch), func(ctx context.Context, i int) {
		outcomes[i] = s.deliver(ctx, transport, msg, batch[i], policy)
	})

	recordBatch(label, time.Since(started).Seconds())
	for _, o := range outcomes {
		recordOutcome(label, o)
	}

	s.log(ctx).Debug("batch sent", "batch", index, "size", len(batch))
	return outcomes
}

func (s *Sender) deliver(ctx context.Context, transport mail.Sender, msg mail.Email, to recipient.Recipient, policy retry.Policy) Outcome {
	email := personalize(msg, to)

	var id string
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		var err error
		id, err = transport.Send(ctx, email)
		if err != nil {
			s.log(ctx).Debug("send attempt failed", "email", to.Email, "attempt", attempt, "error", err.Error())
		}
		return err
	})

	o := Outcome{Email: to.Email, Attempts: attempts}
	if err != nil {
		o.Error = err.Error()
		o.Err = err
		return o
	}

	o.Success = true
	o.MessageID = id
	return o
}

func (s *Sender) open(ctx context.Context, provider string) (mail.Sender, error) {
	if s.factory == nil {
		return nil, &setupError{cause: errors.New("no transport factory")}
	}

	transport, err := s.factory(ctx, provider)
	if err != nil {
		return nil, &setupError{cause: errors.Wrap(err, "failed to create transport")}
	}
	if transport == nil {
		return nil, &setupError{cause: errors.New("transport factory returned nil")}
	}
	return transport, nil
}

// resolve returns the config for provider and the table name it came from.
// An empty provider counts as known.
func (s *Sender) resolve(provider string) (cfg ProviderConfig, label string, known bool) {
	cfg, ok := s.providers.Lookup(provider)
	if ok {
		return cfg, strings.ToLower(strings.TrimSpace(provider)), true
	}

	def, _ := s.providers.Default()
	return cfg, def, strings.TrimSpace(provider) == ""
}

func (s *Sender) log(ctx context.Context) *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return logger.FromContext(ctx)
}

// providerName is the name handed to the transport factory: the caller's choice,
// or the table default when none was given.
func providerName(requested, fallback string) string {
	if name := strings.ToLower(strings.TrimSpace(requested)); name != "" {
		return name
	}
	return fallback
}

// personalize addresses a copy of msg to one recipient. Cc and Bcc of the shared
// message are dropped so that nobody receives the message once per recipient.
func personalize(msg mail.Email, to recipient.Recipient) mail.Email {
	msg.To = []mail.Address{{Name: to.Name, Address: strings.TrimSpace(to.Email)}}
	msg.Cc = nil
	msg.Bcc = nil
	return msg
}
