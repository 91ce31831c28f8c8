package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	rclient "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pure-golang/bulkmail/progress"
)

var _ progress.Sink = (*Publisher)(nil)

var tracer = otel.Tracer("github.com/pure-golang/bulkmail/progress/redis")

// Config содержит конфигурацию публикации прогресса в Redis
type Config struct {
	Addr           string        `envconfig:"PROGRESS_REDIS_ADDR"`
	Password       string        `envconfig:"PROGRESS_REDIS_PASSWORD"`
	DB             int           `envconfig:"PROGRESS_REDIS_DB" default:"0"`
	Channel        string        `envconfig:"PROGRESS_REDIS_CHANNEL" default:"bulkmail:progress"`
	QueueSize      int           `envconfig:"PROGRESS_REDIS_QUEUE_SIZE" default:"64"`
	PublishTimeout time.Duration `envconfig:"PROGRESS_REDIS_PUBLISH_TIMEOUT" default:"2s"`
	DialTimeout    time.Duration `envconfig:"PROGRESS_REDIS_DIAL_TIMEOUT" default:"5s"`
}

// Publisher публикует снимки прогресса в канал Redis pub/sub.
// Report только кладёт снимок в очередь; публикация идёт в отдельной горутине.
type Publisher struct {
	client  *rclient.Client
	owned   bool
	cfg     Config
	logger  *slog.Logger
	queue   chan []byte
	done    chan struct{}
	mx      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// Connect создаёт клиента Redis, проверяет соединение и запускает публикацию
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is empty")
	}

	client := rclient.NewClient(&rclient.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to ping redis")
	}

	p := NewPublisher(client, cfg)
	p.owned = true
	return p, nil
}

// NewPublisher использует существующий клиент; клиент не закрывается в Close
func NewPublisher(client *rclient.Client, cfg Config) *Publisher {
	if cfg.Channel == "" {
		cfg.Channel = "bulkmail:progress"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	p := &Publisher{
		client: client,
		cfg:    cfg,
		logger: slog.Default().WithGroup("redis"),
		queue:  make(chan []byte, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// Report ставит снимок в очередь. При переполненной очереди снимок отбрасывается.
func (p *Publisher) Report(s progress.Snapshot) {
	payload, err := json.Marshal(s)
	if err != nil {
		p.logger.Warn("failed to encode progress", "error", err.Error())
		return
	}

	p.mx.RLock()
	defer p.mx.RUnlock()

	if p.closed {
		return
	}

	select {
	case p.queue <- payload:
	default:
		p.dropped.Add(1)
		p.logger.Debug("progress queue full, snapshot dropped", "run_id", s.RunID)
	}
}

func (p *Publisher) loop() {
	defer close(p.done)

	for payload := range p.queue {
		p.publish(payload)
	}
}

func (p *Publisher) publish(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "redis.Publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("redis.channel", p.cfg.Channel),
	)

	if err := p.client.Publish(ctx, p.cfg.Channel, payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("failed to publish progress", "channel", p.cfg.Channel, "error", err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Dropped возвращает количество отброшенных снимков
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close дожидается публикации очереди и закрывает собственный клиент
func (p *Publisher) Close() error {
	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mx.Unlock()

	<-p.done

	if p.owned {
		if err := p.client.Close(); err != nil {
			return errors.Wrap(err, "failed to close redis connection")
		}
	}
	return nil
}
