package retryqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"catalog-proxy-go/logcolors"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// claimScript pops up to ARGV[2] members of KEYS[1] scored at or below
// ARGV[1]. Reading and removing in one script keeps two consumers from
// claiming the same member.
var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #items > 0 then
	redis.call('ZREM', KEYS[1], unpack(items))
end
return items
`)

// RedisQueue is a sorted set of JSON items scored by visibility time in
// milliseconds. It is shared by every instance.
type RedisQueue struct {
	client  redis.Cmdable
	key     string
	timeout time.Duration
}

func NewRedisQueue(client redis.Cmdable, key string, timeout time.Duration) *RedisQueue {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RedisQueue{client: client, key: key, timeout: timeout}
}

func (q *RedisQueue) Enqueue(ctx context.Context, item Item) error {
	data, err := item.marshal()
	if err != nil {
		return fmt.Errorf("marshal retry item: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	err = q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(item.VisibleAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) ClaimDue(ctx context.Context, now time.Time, max int) ([]Item, error) {
	if max <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	raw, err := claimScript.Run(ctx, q.client, []string{q.key},
		strconv.FormatInt(now.UnixMilli(), 10), max).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	items := make([]Item, 0, len(raw))
	for _, member := range raw {
		item, err := unmarshalItem([]byte(member))
		if err != nil {
			log.Warnf("%s Dropping unreadable item: %v", logcolors.LogRetryQueue, err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return int(n), nil
}
