package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pixrelay/internal/domain"
	"pixrelay/internal/port"
)

const (
	processedValue = "processed"
	pendingPrefix  = "pending:"
)

// Deletes the key only while it still holds the caller's pending reservation.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Pending reservations carry a TTL equal to the stale window, so an abandoned
// reservation simply expires. Processed markers are stored without expiry.
type referenceRepository struct {
	client *redis.Client
	prefix string

	// afterConflict runs between a refused SETNX and the GET. Tests only.
	afterConflict func(ctx context.Context, key string)
}

// Open parses a redis:// URL, checks connectivity and returns the reference store.
func Open(ctx context.Context, url, prefix string) (port.ReferenceStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewReferenceRepository(client, prefix), nil
}

func NewReferenceRepository(client *redis.Client, prefix string) port.ReferenceStore {
	return &referenceRepository{client: client, prefix: prefix}
}

func (r *referenceRepository) key(reference string) string {
	return r.prefix + reference
}

func (r *referenceRepository) Reserve(ctx context.Context, reference, token string, staleAfter time.Duration) (domain.ReserveOutcome, error) {
	key := r.key(reference)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, key, pendingPrefix+token, staleAfter).Result()
		if err != nil {
			return domain.ReserveUnknown, fmt.Errorf("reserve reference: %w", err)
		}
		if ok {
			return domain.Reserved, nil
		}

		if r.afterConflict != nil {
			r.afterConflict(ctx, key)
		}

		val, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// expired or released between SETNX and GET
			continue
		}
		if err != nil {
			return domain.ReserveUnknown, fmt.Errorf("lookup reference: %w", err)
		}
		if val == processedValue {
			return domain.AlreadyProcessed, nil
		}
		return domain.InFlight, nil
	}
	return domain.InFlight, nil
}

func (r *referenceRepository) Confirm(ctx context.Context, reference string) error {
	if err := r.client.Set(ctx, r.key(reference), processedValue, 0).Err(); err != nil {
		return fmt.Errorf("confirm reference: %w", err)
	}
	return nil
}

func (r *referenceRepository) Release(ctx context.Context, reference, token string) error {
	deleted, err := releaseScript.Run(ctx, r.client, []string{r.key(reference)}, pendingPrefix+token).Int()
	if err != nil {
		return fmt.Errorf("release reference: %w", err)
	}
	if deleted == 0 {
		return domain.ErrReservationNotOwned
	}
	return nil
}

func (r *referenceRepository) Status(ctx context.Context, reference string) (domain.ReferenceStatus, error) {
	val, err := r.client.Get(ctx, r.key(reference)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ReferenceUnknown, nil
	}
	if err != nil {
		return domain.ReferenceUnknown, fmt.Errorf("reference status: %w", err)
	}
	return statusOf(val), nil
}

func (r *referenceRepository) ListProcessed(ctx context.Context) ([]string, error) {
	var refs []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if statusOf(val) == domain.ReferenceProcessed {
			refs = append(refs, strings.TrimPrefix(key, r.prefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan references: %w", err)
	}
	sort.Strings(refs)
	return refs, nil
}

func (r *referenceRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *referenceRepository) Close() error {
	return r.client.Close()
}

func statusOf(val string) domain.ReferenceStatus {
	switch {
	case val == processedValue:
		return domain.ReferenceProcessed
	case strings.HasPrefix(val, pendingPrefix):
		return domain.ReferencePending
	default:
		return domain.ReferenceUnknown
	}
}
