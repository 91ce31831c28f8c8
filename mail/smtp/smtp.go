package smtp

import (
	"strings"
	"time"
)

// Config contains SMTP connection parameters.
type Config struct {
	Service  string `envconfig:"SMTP_SERVICE"`                  // well-known service (gmail, outlook, yahoo, hotmail)
	Host     string `envconfig:"SMTP_HOST"`                     // smtp.gmail.com, resolved from Service when empty
	Port     int    `envconfig:"SMTP_PORT"`                     // 587 for STARTTLS, 465 for TLS
	Username string `envconfig:"SMTP_USER"`                     // username or email
	Password string `envconfig:"SMTP_PASSWORD"`                 // password or app password
	From     string `envconfig:"SMTP_FROM"`                     // default from address (optional)
	TLS      bool   `envconfig:"SMTP_TLS" default:"true"`       // enable STARTTLS
	Insecure bool   `envconfig:"SMTP_INSECURE" default:"false"` // skip certificate verification

	// Pool
	MaxConnections int           `envconfig:"SMTP_MAX_CONNECTIONS" default:"5"`
	MaxMessages    int           `envconfig:"SMTP_MAX_MESSAGES" default:"100"` // messages per connection before reconnecting
	RateLimit      int           `envconfig:"SMTP_RATE_LIMIT" default:"5"`     // messages per RateDelta, 0 disables
	RateDelta      time.Duration `envconfig:"SMTP_RATE_DELTA" default:"1s"`
	DialTimeout    time.Duration `envconfig:"SMTP_DIAL_TIMEOUT" default:"30s"`
}

type service struct {
	host string
	port int
}

var services = map[string]service{
	"gmail":   {host: "smtp.gmail.com", port: 587},
	"outlook": {host: "smtp-mail.outlook.com", port: 587},
	"hotmail": {host: "smtp-mail.outlook.com", port: 587},
	"yahoo":   {host: "smtp.mail.yahoo.com", port: 587},
}

// WithService returns a copy of the config bound to a well-known service.
// Unknown names leave the config unchanged.
func (c Config) WithService(name string) Config {
	if _, ok := services[strings.ToLower(name)]; ok {
		c.Service = name
		c.Host = ""
		c.Port = 0
	}
	return c
}

// withDefaults resolves the host of a well-known service and fills zero values.
func (c Config) withDefaults() Config {
	if s, ok := services[strings.ToLower(c.Service)]; ok && c.Host == "" {
		c.Host = s.host
		if c.Port == 0 {
			c.Port = s.port
		}
	}
	if c.Port == 0 {
		c.Port = 587
	}
	if c.From == "" && strings.Contains(c.Username, "@") {
		c.From = c.Username
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 5
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 100
	}
	if c.RateDelta <= 0 {
		c.RateDelta = time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	return c
}
