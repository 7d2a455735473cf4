package kvstore

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

// Redis is a Store backed by a rueidis client. Multi-key operations are issued
// as one command per key through DoMulti so they route correctly on a cluster.
type Redis struct {
	client rueidis.Client
}

// NewRedis wraps client. The caller owns the client and closes it.
func NewRedis(client rueidis.Client) *Redis {
	return &Redis{client: client}
}

// Client returns the underlying rueidis client.
func (r *Redis) Client() rueidis.Client {
	return r.client
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Do(ctx, r.client.B().Get().Key(key).Build()).ToString()
	if rueidis.IsRedisNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	cmds := make(rueidis.Commands, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, r.client.B().Get().Key(k).Build())
	}
	res := make(map[string]string, len(keys))
	for i, resp := range r.client.DoMulti(ctx, cmds...) {
		val, err := resp.ToString()
		if rueidis.IsRedisNil(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", keys[i], err)
		}
		res[keys[i]] = val
	}
	return res, nil
}

func (r *Redis) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	var cmd rueidis.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(key).Value(val).Px(ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(key).Value(val).Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	var cmd rueidis.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(key).Value(val).Nx().Px(ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(key).Value(val).Nx().Build()
	}
	err := r.client.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("set nx %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Exec(ctx, r.client, []string{key}, []string{expected}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", compareAndDeleteScript.Name(), key, err)
	}
	return n > 0, nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key, expected, val string, ttl time.Duration) (bool, error) {
	args := []string{expected, val, strconv.FormatInt(ttl.Milliseconds(), 10)}
	n, err := compareAndSwapScript.Exec(ctx, r.client, []string{key}, args).AsInt64()
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", compareAndSwapScript.Name(), key, err)
	}
	return n == 1, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	cmds := make(rueidis.Commands, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, r.client.B().Del().Key(k).Build())
	}
	var total int64
	for i, resp := range r.client.DoMulti(ctx, cmds...) {
		n, err := resp.AsInt64()
		if err != nil {
			return total, fmt.Errorf("del %s: %w", keys[i], err)
		}
		total += n
	}
	return total, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]string, 0, len(members)+1)
	args = append(args, strconv.FormatInt(ttl.Milliseconds(), 10))
	args = append(args, members...)
	if err := setAddExtendScript.Exec(ctx, r.client, []string{key}, args).Error(); err != nil {
		return fmt.Errorf("%s %s: %w", setAddExtendScript.Name(), key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.Do(ctx, r.client.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	cmd := r.client.B().Zadd().Key(key).ScoreMember().ScoreMember(score, member).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := r.client.Do(ctx, r.client.B().Zrem().Key(key).Member(member).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("zrem %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Do(ctx, r.client.B().Zcard().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error) {
	var cmd rueidis.Completed
	if limit > 0 {
		cmd = r.client.B().Zrangebyscore().Key(key).Min(formatScore(min)).Max(formatScore(max)).
			Withscores().Limit(0, limit).Build()
	} else {
		cmd = r.client.B().Zrangebyscore().Key(key).Min(formatScore(min)).Max(formatScore(max)).
			Withscores().Build()
	}
	scores, err := r.client.Do(ctx, cmd).AsZScores()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return toMembers(scores), nil
}

func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	cmd := r.client.B().Zremrangebyscore().Key(key).Min(formatScore(min)).Max(formatScore(max)).Build()
	n, err := r.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("zremrangebyscore %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) ZPopMin(ctx context.Context, key string) (ZMember, bool, error) {
	scores, err := r.client.Do(ctx, r.client.B().Zpopmin().Key(key).Count(1).Build()).AsZScores()
	if err != nil {
		return ZMember{}, false, fmt.Errorf("zpopmin %s: %w", key, err)
	}
	if len(scores) == 0 {
		return ZMember{}, false, nil
	}
	return ZMember{Member: scores[0].Member, Score: scores[0].Score}, true, nil
}

func (r *Redis) WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, max int, member string) (WindowResult, error) {
	args := []string{
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		strconv.Itoa(max),
		member,
	}
	vals, err := windowAdmitScript.Exec(ctx, r.client, []string{key}, args).AsIntSlice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("%s %s: %w", windowAdmitScript.Name(), key, err)
	}
	if len(vals) != 3 {
		return WindowResult{}, fmt.Errorf("%s %s: unexpected reply length %d", windowAdmitScript.Name(), key, len(vals))
	}
	res := WindowResult{Admitted: vals[0] == 1, Count: int(vals[1])}
	if res.Count > 0 {
		res.Oldest = time.UnixMilli(vals[2])
	}
	return res, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Do(ctx, r.client.B().Ping().Build()).Error()
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toMembers(scores []rueidis.ZScore) []ZMember {
	if len(scores) == 0 {
		return nil
	}
	out := make([]ZMember, len(scores))
	for i, s := range scores {
		out[i] = ZMember{Member: s.Member, Score: s.Score}
	}
	return out
}

var _ Store = (*Redis)(nil)
