package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/playwarden/internal/config"
	"github.com/goodtune/playwarden/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Key layout (prefix playwarden:):
//
//	session:{id}            hash   one session record
//	session:open:{user}     string open session ID for the user
//	sessions:open           set    IDs of all open sessions
//	sessions:user:{user}    zset   session IDs scored by start time (unix)
//	quota:{user}            string QuotaConfig JSON
//	shutdown:{user}:{date}  string ShutdownLogEntry JSON, written with NX
//	users                   set    discovered user IDs

// Store implements the storage.Store interface using Redis.
type Store struct {
	client      *redis.Client
	sessions    *sessionStore
	quotas      *quotaStore
	shutdownLog *shutdownLogStore
	users       *userStore
}

// Open creates a new Redis-backed storage instance.
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := &Store{
		client:      client,
		sessions:    &sessionStore{client: client},
		quotas:      &quotaStore{client: client},
		shutdownLog: &shutdownLogStore{client: client},
		users:       &userStore{client: client},
	}

	return store, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping reports backend health.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Sessions returns the SessionStore implementation.
func (s *Store) Sessions() storage.SessionStore {
	return s.sessions
}

// Quotas returns the QuotaStore implementation.
func (s *Store) Quotas() storage.QuotaStore {
	return s.quotas
}

// ShutdownLog returns the ShutdownLogStore implementation.
func (s *Store) ShutdownLog() storage.ShutdownLogStore {
	return s.shutdownLog
}

// Users returns the UserStore implementation.
func (s *Store) Users() storage.UserStore {
	return s.users
}
