package tiered

import (
	"context"
	"encoding/json"
	"fmt"
)

// Wrap returns fn with compute-or-fetch semantics: results are cached in
// namespace under the id passed to the returned function, JSON encoded, and
// computed at most once per key across processes while the lock lease holds.
//
// A cached value that no longer decodes into T is recomputed and overwritten.
func Wrap[T any](
	c *Cache,
	namespace string,
	opts Options,
	fn func(ctx context.Context, id string) (T, error),
) func(ctx context.Context, id string) (T, error) {
	return func(ctx context.Context, id string) (T, error) {
		var zero T
		var computed *T
		raw, err := c.GetOrSet(ctx, namespace, id, opts, func(ctx context.Context) (string, error) {
			v, err := fn(ctx, id)
			if err != nil {
				return "", err
			}
			computed = &v
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("tiered: encode %s: %w", namespace, err)
			}
			return string(b), nil
		})
		if err != nil {
			return zero, err
		}
		if computed != nil {
			return *computed, nil
		}

		var out T
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			c.logger.Warn("cached value does not decode, recomputing", "namespace", namespace, "error", err)
			v, err := fn(ctx, id)
			if err != nil {
				return zero, err
			}
			if b, err := json.Marshal(v); err == nil {
				_ = c.Set(ctx, namespace, id, string(b), opts)
			}
			return v, nil
		}
		return out, nil
	}
}
