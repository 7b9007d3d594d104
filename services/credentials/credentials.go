// Package credentials supplies the upstream developer/session token pair.
// Tokens are read fresh on every call and never cached here.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnavailable = errors.New("credential store unavailable")

// Credential is an opaque token pair. Either field may be empty.
type Credential struct {
	DeveloperToken string
	SessionToken   string
}

// Source returns the current credential.
type Source interface {
	Current(ctx context.Context) (Credential, error)
	// Location names where an operator refreshes the session token.
	Location() string
}

// Static serves fixed tokens, typically from the environment.
type Static struct {
	Credential
	location string
}

func NewStatic(developerToken, sessionToken, location string) *Static {
	return &Static{
		Credential: Credential{DeveloperToken: developerToken, SessionToken: sessionToken},
		location:   location,
	}
}

func (s *Static) Current(context.Context) (Credential, error) { return s.Credential, nil }

func (s *Static) Location() string { return s.location }

// RedisSource reads tokens that the admin tooling writes into Redis.
type RedisSource struct {
	client            redis.Cmdable
	developerTokenKey string
	sessionTokenKey   string
	location          string
	timeout           time.Duration
}

// RedisSourceOptions names the keys holding each token.
type RedisSourceOptions struct {
	DeveloperTokenKey string
	SessionTokenKey   string
	Location          string
	Timeout           time.Duration
}

func NewRedisSource(client redis.Cmdable, opts RedisSourceOptions) *RedisSource {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.Location == "" {
		opts.Location = opts.SessionTokenKey
	}
	return &RedisSource{
		client:            client,
		developerTokenKey: opts.DeveloperTokenKey,
		sessionTokenKey:   opts.SessionTokenKey,
		location:          opts.Location,
		timeout:           opts.Timeout,
	}
}

// Current reads both keys in one round trip. Missing keys yield empty tokens.
func (s *RedisSource) Current(ctx context.Context) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vals, err := s.client.MGet(ctx, s.developerTokenKey, s.sessionTokenKey).Result()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var cred Credential
	if len(vals) == 2 {
		cred.DeveloperToken, _ = vals[0].(string)
		cred.SessionToken, _ = vals[1].(string)
	}
	return cred, nil
}

func (s *RedisSource) Location() string { return s.location }

// Store writes new tokens. Empty values leave the existing token in place.
func (s *RedisSource) Store(ctx context.Context, cred Credential) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	if cred.DeveloperToken != "" {
		pipe.Set(ctx, s.developerTokenKey, cred.DeveloperToken, 0)
	}
	if cred.SessionToken != "" {
		pipe.Set(ctx, s.sessionTokenKey, cred.SessionToken, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
