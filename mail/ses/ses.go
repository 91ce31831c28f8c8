package ses

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pure-golang/bulkmail/mail"
)

var _ mail.Sender = (*Sender)(nil)

var tracer = otel.Tracer("github.com/pure-golang/bulkmail/mail/ses")

// Config contains AWS SES parameters. Empty keys fall back to the default AWS
// credential chain.
type Config struct {
	Region           string `envconfig:"AWS_REGION" default:"us-east-1"`
	AccessKey        string `envconfig:"AWS_ACCESS_KEY_ID"`
	SecretKey        string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	From             string `envconfig:"SES_FROM"`
	ConfigurationSet string `envconfig:"SES_CONFIGURATION_SET"`
}

// API is the subset of the SES v2 client used by Sender.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// Sender implements mail.Sender over the SES v2 API with raw MIME content.
type Sender struct {
	mx     sync.RWMutex
	api    API
	cfg    Config
	closed bool
}

// New loads the AWS configuration and creates a Sender.
func New(ctx context.Context, cfg Config) (*Sender, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return NewWithAPI(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// NewWithAPI creates a Sender on top of an existing SES client.
func NewWithAPI(api API, cfg Config) *Sender {
	return &Sender{api: api, cfg: cfg}
}

// Verify checks that the account is allowed to send.
func (s *Sender) Verify(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "SES.Verify", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if s.isClosed() {
		return mail.ErrClosed
	}

	out, err := s.api.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		recordError(span, err)
		return errors.Wrap(err, "failed to get SES account")
	}
	if !out.SendingEnabled {
		err := errors.New("sending is disabled for the SES account")
		recordError(span, err)
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Send delivers the email as a raw MIME message and returns the SES message ID.
func (s *Sender) Send(ctx context.Context, email mail.Email) (string, error) {
	ctx, span := tracer.Start(ctx, "SES.Send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if s.isClosed() {
		return "", mail.ErrClosed
	}

	email, err := mail.Prepare(email, s.cfg.From)
	if err != nil {
		recordError(span, err)
		return "", err
	}

	_, raw, err := mail.Build(email)
	if err != nil {
		recordError(span, err)
		return "", err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(email.From.String()),
		Destination: &types.Destination{
			ToAddresses:  addresses(email.To),
			CcAddresses:  addresses(email.Cc),
			BccAddresses: addresses(email.Bcc),
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if s.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigurationSet)
	}

	span.SetAttributes(
		attribute.String("ses.region", s.cfg.Region),
		attribute.Int("ses.recipients_count", len(email.Recipients())),
	)

	out, err := s.api.SendEmail(ctx, input)
	if err != nil {
		recordError(span, err)
		return "", errors.Wrap(err, "failed to send email via SES")
	}

	messageID := aws.ToString(out.MessageId)
	span.SetAttributes(attribute.String("ses.message_id", messageID))
	span.SetStatus(codes.Ok, "")
	return messageID, nil
}

func (s *Sender) isClosed() bool {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.closed
}

// Close marks the sender closed. The SES client holds no connections of its own.
func (s *Sender) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.closed = true
	return nil
}

func addresses(list []mail.Address) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return out
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
