package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

type Database struct {
	Port        uint16
	Host        string
	User        string
	Password    string
	Name        string
	SslMode     string
	PingTimeout time.Duration

	ClientKeyPath  string
	ClientCertPath string
	CaCertPath     string

	MigrationUser     string
	MigrationPassword string

	// Bounds of the connection lease pool
	PoolMinConns int
	PoolMaxConns int

	// How long a caller waits for a free lease before PoolExhausted
	AcquireTimeout time.Duration

	// Timeout of a single storage operation, counted after a lease is acquired
	OperationTimeout time.Duration

	// A lease is recycled after this many operations...
	MaxOpsPerConn int

	// ...or after sitting idle in the pool for this long.
	// Bounds the state accumulated in a fronting pooler like pgbouncer.
	MaxConnIdleTime time.Duration

	// Backoff for establishing connections. Query failures are not retried here.
	ConnectBackoffMaxElapsedTime time.Duration
	ConnectBackoffMaxInterval    time.Duration
}

func setDatabaseDefaults() {
	viper.SetDefault("Database.Port", "5432")
	viper.SetDefault("Database.Host", "127.0.0.1")
	viper.SetDefault("Database.User", "postgres")
	viper.SetDefault("Database.Password", "postgres")
	viper.SetDefault("Database.Name", "nostr_archive")
	viper.SetDefault("Database.SslMode", "disable")
	viper.SetDefault("Database.PingTimeout", "15s")
	viper.SetDefault("Database.MigrationUser", "postgres")
	viper.SetDefault("Database.MigrationPassword", "postgres")
	viper.SetDefault("Database.PoolMinConns", "2")
	viper.SetDefault("Database.PoolMaxConns", "10")
	viper.SetDefault("Database.AcquireTimeout", "10s")
	viper.SetDefault("Database.OperationTimeout", "30s")
	viper.SetDefault("Database.MaxOpsPerConn", "10000")
	viper.SetDefault("Database.MaxConnIdleTime", "5m")
	viper.SetDefault("Database.ConnectBackoffMaxElapsedTime", "2m")
	viper.SetDefault("Database.ConnectBackoffMaxInterval", "30s")
}

func (self *Database) Validate() error {
	if self.PoolMinConns < 0 || self.PoolMaxConns <= 0 {
		return errors.New("database pool bounds must be positive")
	}
	if self.PoolMinConns > self.PoolMaxConns {
		return errors.New("database pool min size greater than max size")
	}
	if self.AcquireTimeout <= 0 {
		return errors.New("database acquire timeout must be positive")
	}
	if self.OperationTimeout <= 0 {
		return errors.New("database operation timeout must be positive")
	}
	if self.MaxOpsPerConn <= 0 {
		return errors.New("database max operations per connection must be positive")
	}
	return nil
}
