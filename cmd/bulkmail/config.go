package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/pure-golang/bulkmail/bulk"
	"github.com/pure-golang/bulkmail/env"
	"github.com/pure-golang/bulkmail/history"
	"github.com/pure-golang/bulkmail/logger"
	"github.com/pure-golang/bulkmail/mail"
	"github.com/pure-golang/bulkmail/mail/noop"
	"github.com/pure-golang/bulkmail/mail/ses"
	"github.com/pure-golang/bulkmail/mail/smtp"
	"github.com/pure-golang/bulkmail/metrics"
	progressredis "github.com/pure-golang/bulkmail/progress/redis"
	"github.com/pure-golang/bulkmail/tracing/otlp"
)

const (
	transportSMTP = "smtp"
	transportSES  = "ses"
	transportNoop = "noop"
)

type transportConfig struct {
	Kind string `envconfig:"MAIL_TRANSPORT" default:"smtp"`
}

// config gathers every adapter config. Each part is processed on its own so that
// variable names stay unprefixed.
type config struct {
	Logger    logger.Config
	Transport transportConfig
	SMTP      smtp.Config
	SES       ses.Config
	Progress  progressredis.Config
	History   history.Config
	Metrics   metrics.Config
	Tracing   otlp.Config
}

func loadConfig(files []string) (*config, error) {
	var c config
	parts := []any{&c.Logger, &c.Transport, &c.SMTP, &c.SES, &c.Progress, &c.History, &c.Metrics, &c.Tracing}
	for _, p := range parts {
		if err := env.InitConfig(p, files...); err != nil {
			return nil, err
		}
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case transportSMTP, transportSES, transportNoop:
	default:
		return nil, errors.Errorf("unknown MAIL_TRANSPORT %q, want smtp, ses or noop", c.Transport.Kind)
	}

	return &c, nil
}

// transportFactory opens the configured transport. For smtp, a well-known
// provider name also selects the provider's SMTP host unless SMTP_HOST is set.
func (c *config) transportFactory() bulk.TransportFactory {
	return func(ctx context.Context, provider string) (mail.Sender, error) {
		switch c.Transport.Kind {
		case transportSES:
			s, err := ses.New(ctx, c.SES)
			if err != nil {
				return nil, err
			}
			return s, nil
		case transportNoop:
			return noop.NewSender(), nil
		default:
			cfg := c.SMTP
			if cfg.Host == "" && cfg.Service == "" {
				cfg = cfg.WithService(provider)
			}
			if cfg.Host == "" && cfg.Service == "" {
				return nil, errors.New("SMTP_HOST or SMTP_SERVICE must be set")
			}
			return smtp.NewSender(cfg, &smtp.SenderOptions{Logger: logger.FromContext(ctx)}), nil
		}
	}
}
