package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDocs is a DocStore over Redis hashes. Each document is a hash with
// value, version and updated_at fields; CompareAndSwap runs under WATCH so
// a concurrent writer aborts the transaction.
type RedisDocs struct {
	client    redis.UniversalClient
	namespace string
	now       func() time.Time
}

// NewRedisDocs wraps client. Keys are stored as namespace + key.
func NewRedisDocs(client redis.UniversalClient, namespace string) *RedisDocs {
	if namespace == "" {
		namespace = "recette:"
	}
	return &RedisDocs{client: client, namespace: namespace, now: time.Now}
}

func (r *RedisDocs) key(k string) string { return r.namespace + k }

// Get reads one document.
func (r *RedisDocs) Get(ctx context.Context, key string) (Doc, error) {
	vals, err := r.client.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return Doc{}, fmt.Errorf("store: redis get %s: %w", key, err)
	}
	return decodeHash(key, vals)
}

func decodeHash(key string, vals map[string]string) (Doc, error) {
	if len(vals) == 0 {
		return Doc{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	d := Doc{Key: key, Value: []byte(vals["value"])}
	if _, err := fmt.Sscan(vals["version"], &d.Version); err != nil {
		return Doc{}, fmt.Errorf("store: redis %s: bad version %q", key, vals["version"])
	}
	var ms int64
	if _, err := fmt.Sscan(vals["updated_at"], &ms); err == nil {
		d.UpdatedAt = time.UnixMilli(ms)
	}
	return d, nil
}

// CompareAndSwap checks the version and writes inside one optimistic
// transaction.
func (r *RedisDocs) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	k := r.key(key)
	var next int64
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, k, "version").Int64()
		switch {
		case errors.Is(err, redis.Nil):
			cur = 0
		case err != nil:
			return err
		}
		if cur != expected {
			if cur == 0 {
				return fmt.Errorf("%w: %s", ErrNotFound, key)
			}
			return fmt.Errorf("%w: %s (expected %d, have %d)", ErrVersionMismatch, key, expected, cur)
		}
		next = cur + 1
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, k, "value", value, "version", next, "updated_at", r.now().UnixMilli())
			return nil
		})
		return err
	}, k)
	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, redis.TxFailedErr):
		return 0, fmt.Errorf("%w: %s (concurrent write)", ErrVersionMismatch, key)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVersionMismatch):
		return 0, err
	default:
		return 0, fmt.Errorf("store: redis cas %s: %w", key, err)
	}
}

// List scans the namespace for keys under prefix.
func (r *RedisDocs) List(ctx context.Context, prefix string) ([]Doc, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.key(escapeGlob(prefix))+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: redis list %s: %w", prefix, err)
	}
	sort.Strings(keys)

	out := make([]Doc, 0, len(keys))
	for _, k := range keys {
		vals, err := r.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("store: redis list %s: %w", prefix, err)
		}
		d, err := decodeHash(strings.TrimPrefix(k, r.namespace), vals)
		if errors.Is(err, ErrNotFound) {
			continue // deleted between SCAN and HGETALL
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`).Replace(s)
}
