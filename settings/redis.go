package settings

import (
	"context"
	"net/url"

	"github.com/go-redis/redis/v8"

	"github.com/getlantern/errors"
)

// DefaultRedisKey is the hash the settings are kept under.
const DefaultRedisKey = "bandwidth-limiter:settings"

// Persister keeps settings in a redis hash so that they survive restarts and
// can be shared by several proxies.
type Persister struct {
	rc  *redis.Client
	key string
}

// NewPersister creates a Persister storing under key, or DefaultRedisKey if
// key is empty.
func NewPersister(rc *redis.Client, key string) *Persister {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Persister{rc: rc, key: key}
}

// DialRedis connects to the redis server at redisURL, e.g.
// redis://localhost:6379/0, and checks that it answers.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.New("Unable to parse redis URL: %v", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, errors.New("Unable to ping redis server: %v", err)
	}
	return rc, nil
}

// Load applies whatever is persisted to store. Values that would not pass the
// settings page are ignored. Returns whether anything was applied.
func (p *Persister) Load(ctx context.Context, store *Store) (bool, error) {
	fields, err := p.rc.HGetAll(ctx, p.key).Result()
	if err != nil {
		return false, errors.New("Unable to read settings from redis: %v", err)
	}
	params := make(url.Values, len(fields))
	for k, v := range fields {
		params.Set(k, v)
	}
	return store.Apply(params), nil
}

// Save persists s.
func (p *Persister) Save(ctx context.Context, s Settings) error {
	values := Values(s)
	fields := make([]interface{}, 0, len(values)*2)
	for k := range values {
		fields = append(fields, k, values.Get(k))
	}
	if err := p.rc.HSet(ctx, p.key, fields...).Err(); err != nil {
		return errors.New("Unable to write settings to redis: %v", err)
	}
	return nil
}

// Attach loads the persisted settings into store and saves every later
// change.
func (p *Persister) Attach(ctx context.Context, store *Store) error {
	if _, err := p.Load(ctx, store); err != nil {
		return err
	}
	store.OnChange(func(s Settings) {
		if err := p.Save(context.Background(), s); err != nil {
			log.Error(err)
		}
	})
	return nil
}
