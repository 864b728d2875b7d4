package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "request:"

// RedisLedger stores records as JSON strings claimed with SET NX.
type RedisLedger struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

type redisRecord struct {
	CommandType string    `json:"command_type"`
	CreatedAt   time.Time `json:"created_at"`
	Result      []byte    `json:"result,omitempty"`
	Failure     string    `json:"failure,omitempty"`
}

// NewRedisLedger constructs a Redis ledger. Entries expire after ttl; zero
// keeps them forever. The ttl also bounds pending claims, so it must outlive
// the slowest handler or a retransmission can run it a second time.
func NewRedisLedger(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) Claim(ctx context.Context, rec Record) (Record, bool, error) {
	payload, err := json.Marshal(redisRecord{CommandType: rec.CommandType, CreatedAt: rec.CreatedAt})
	if err != nil {
		return Record{}, false, err
	}

	key := l.prefix + rec.RequestID
	// The entry can be released or expire between SETNX and GET; retry the
	// claim in that case.
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := l.client.SetNX(ctx, key, payload, l.ttl).Result()
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			rec.Result = nil
			return rec, true, nil
		}

		existing, err := l.get(ctx, rec.RequestID)
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return Record{}, false, err
		}
		return existing, false, nil
	}
	return Record{}, false, fmt.Errorf("claim %s: entry kept disappearing", rec.RequestID)
}

func (l *RedisLedger) Resolve(ctx context.Context, requestID string, result []byte) error {
	rec, err := l.get(ctx, requestID)
	if err != nil {
		return err
	}
	return l.replace(ctx, requestID, redisRecord{CommandType: rec.CommandType, CreatedAt: rec.CreatedAt, Result: result})
}

func (l *RedisLedger) Fail(ctx context.Context, requestID, reason string) error {
	rec, err := l.get(ctx, requestID)
	if err != nil {
		return err
	}
	return l.replace(ctx, requestID, redisRecord{CommandType: rec.CommandType, CreatedAt: rec.CreatedAt, Failure: reason})
}

// replace overwrites an existing entry and keeps its remaining TTL.
func (l *RedisLedger) replace(ctx context.Context, requestID string, stored redisRecord) error {
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	ok, err := l.client.SetXX(ctx, l.prefix+requestID, payload, redis.KeepTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecordNotFound
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, requestID string) error {
	rec, err := l.get(ctx, requestID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Pending() {
		return nil
	}
	return l.client.Del(ctx, l.prefix+requestID).Err()
}

func (l *RedisLedger) get(ctx context.Context, requestID string) (Record, error) {
	raw, err := l.client.Get(ctx, l.prefix+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var stored redisRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", requestID, err)
	}
	return Record{
		RequestID:   requestID,
		CommandType: stored.CommandType,
		CreatedAt:   stored.CreatedAt,
		Result:      stored.Result,
		Failure:     stored.Failure,
	}, nil
}
