// Package audience turns a job's target spec into a concrete recipient list.
// Who is eligible is decided by a Directory; the resolver only snapshots,
// cleans and orders what the directory returns.
package audience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_notify/internal/job"
	"github.com/austindbirch/harbor_notify/internal/logging"
)

var (
	ErrEmptyAudience = errors.New("audience resolved to zero recipients")
	ErrDirectory     = errors.New("audience directory unavailable")
)

// Directory lists every recipient eligible for a global job.
type Directory interface {
	Eligible(ctx context.Context) ([]string, error)
}

// StaticDirectory is a fixed eligible set, typically from configuration.
type StaticDirectory []string

func (d StaticDirectory) Eligible(context.Context) ([]string, error) {
	return append([]string(nil), d...), nil
}

// RedisDirectory reads the eligible set from a redis SET.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(client *redis.Client, key string) *RedisDirectory {
	return &RedisDirectory{client: client, key: key}
}

// Connect builds a client for addr and checks it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (d *RedisDirectory) Eligible(ctx context.Context) ([]string, error) {
	ids, err := d.client.SMembers(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", d.key, err)
	}
	return ids, nil
}

// Ping lets the directory take part in health checks.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

type Resolver struct {
	dir Directory
	log *logging.Logger
}

func NewResolver(dir Directory, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.Nop()
	}
	if dir == nil {
		dir = StaticDirectory(nil)
	}
	return &Resolver{dir: dir, log: log}
}

// Resolve returns the recipients for spec. A global spec yields a sorted,
// duplicate-free snapshot of the directory and may be empty. An explicit spec
// keeps first-seen order and fails with ErrEmptyAudience when nothing is left.
func (r *Resolver) Resolve(ctx context.Context, spec job.TargetSpec) ([]string, error) {
	if spec.Global {
		ids, err := r.dir.Eligible(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDirectory, err)
		}
		out := dedupe(ids)
		sort.Strings(out)
		r.log.WithContext(ctx).WithField("recipients", len(out)).Debug("global audience resolved")
		return out, nil
	}

	out := dedupe(spec.RecipientIDs)
	if len(out) == 0 {
		return nil, ErrEmptyAudience
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
