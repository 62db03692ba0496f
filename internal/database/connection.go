// Package database builds the Postgres connection pool shared by the
// snapshot store (pkg/snapshot), the change-set engine's outbox
// transactions (pkg/changeset), and the Frigg MV index store (pkg/frigg).
package database

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver registration
	"github.com/sirupsen/logrus"

	"github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/shared/logging"
)

// Config holds Postgres connection parameters and pool tuning.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns the default Postgres connection settings for the
// workspace snapshot store.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "snapgraph",
		Database:        "workspace_snapshots",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// LoadFromEnv overlays DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME/
// DB_SSL_MODE onto config, leaving any value whose environment variable is
// unset or malformed untouched.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.SSLMode = v
	}
}

// Validate rejects a configuration that Connect could not use.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.ValidationError("host", "database host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.ValidationError("port", "database port must be between 1 and 65535")
	}
	if c.User == "" {
		return errors.ValidationError("user", "database user is required")
	}
	if c.Database == "" {
		return errors.ValidationError("database", "database name is required")
	}
	if c.MaxOpenConns <= 0 {
		return errors.ValidationError("max_open_conns", "max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return errors.ValidationError("max_idle_conns", "max idle connections must be non-negative")
	}
	return nil
}

// ConnectionString builds a libpq-style DSN, omitting password when unset so
// it never appears in a log line that happens to include the DSN.
func (c *Config) ConnectionString() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}

// Connect validates config and opens a pooled connection via pgx's
// database/sql driver, wrapped in sqlx for the query helpers pkg/snapshot
// and pkg/changeset use.
func Connect(config *Config, log *logrus.Logger) (*sqlx.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid database configuration")
	}

	db, err := sqlx.Connect("pgx", config.ConnectionString())
	if err != nil {
		return nil, errors.DatabaseError("connect", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	log.WithFields(logging.DatabaseFields("connect", config.Database).ToLogrus()).
		Info("connected to postgres")
	return db, nil
}
