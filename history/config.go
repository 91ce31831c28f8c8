package history

import (
	"fmt"
	"time"
)

// Config содержит параметры подключения к PostgreSQL.
// Пустой Host означает, что журнал рассылок отключён.
type Config struct {
	Host            string        `envconfig:"POSTGRES_HOST"`
	Port            int           `envconfig:"POSTGRES_PORT" default:"5432"`
	User            string        `envconfig:"POSTGRES_USER" default:"postgres"`
	Password        string        `envconfig:"POSTGRES_PASSWORD"`
	Database        string        `envconfig:"POSTGRES_DB" default:"bulkmail"`
	SSLMode         string        `envconfig:"POSTGRES_SSLMODE" default:"disable"`
	ConnectTimeout  int           `envconfig:"POSTGRES_CONNECT_TIMEOUT" default:"5"`
	MaxOpenConns    int           `envconfig:"POSTGRES_MAX_OPEN_CONNS" default:"4"`
	MaxIdleConns    int           `envconfig:"POSTGRES_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"POSTGRES_CONN_MAX_LIFETIME" default:"30m"`
	QueryTimeout    time.Duration `envconfig:"POSTGRES_QUERY_TIMEOUT" default:"30s"`
}

// Enabled сообщает, задан ли адрес базы
func (c Config) Enabled() bool { return c.Host != "" }

// DSN собирает строку подключения lib/pq
func (c Config) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
	if c.ConnectTimeout > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", c.ConnectTimeout)
	}
	return dsn + " application_name=bulkmail"
}
