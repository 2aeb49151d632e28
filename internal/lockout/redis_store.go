package lockout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 10

var errContention = errors.New("lockout key contended")

// RedisStore keeps lockout state in a hash per identity, mutated inside an
// optimistic WATCH/MULTI transaction.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisStore(client *redis.Client, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisStore{client: client, prefix: "lockout:", timeout: timeout}
}

func (s *RedisStore) key(id uuid.UUID) string {
	return s.prefix + id.String()
}

func (s *RedisStore) Mutate(ctx context.Context, id uuid.UUID, fn func(*State)) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.key(id)
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		before, err := decodeState(fields)
		if err != nil {
			return err
		}

		after := before
		fn(&after)
		if sameState(before, after) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if after.Failures == 0 && after.LockedUntil == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.HSet(ctx, key, "failures", after.Failures, "locked_until", encodeTime(after.LockedUntil))
			if after.LockedUntil != nil {
				// Once the window passes the record is equivalent to a cleared one.
				pipe.PExpireAt(ctx, key, *after.LockedUntil)
			} else {
				pipe.Persist(ctx, key)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errContention
}

func decodeState(fields map[string]string) (State, error) {
	var st State
	if v, ok := fields["failures"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return st, fmt.Errorf("decoding failures: %w", err)
		}
		st.Failures = n
	}
	if v := fields["locked_until"]; v != "" && v != "0" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return st, fmt.Errorf("decoding locked_until: %w", err)
		}
		t := time.UnixMilli(ms).UTC()
		st.LockedUntil = &t
	}
	return st, nil
}

func encodeTime(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}
