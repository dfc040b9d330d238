package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/genxfx/genx-gateway/internal/xerrors"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "genx:rl:"

// takeScript runs the per-client critical section server side.
//
// KEYS: burst, minute, hour sorted sets (score = acceptance time in microseconds)
// ARGV: now, member, then per window: limit, exclusive trim cutoff, ttl in ms,
// then the record flag. Cutoffs are computed by the caller so no large number
// is ever formatted by Lua.
//
// Returns {0, burst, minute, hour} when admitted, or {i, count, oldest} for the
// first full window i (1-based).
var takeScript = redis.NewScript(`
local counts = {}
for i = 1, 3 do
	local limit = tonumber(ARGV[i * 3])
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', ARGV[i * 3 + 1])
	local n = redis.call('ZCARD', KEYS[i])
	if n >= limit then
		local oldest = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
		return {i, n, oldest[2]}
	end
	counts[i] = n
end
if ARGV[12] == '1' then
	for i = 1, 3 do
		redis.call('ZADD', KEYS[i], ARGV[1], ARGV[2])
		redis.call('PEXPIRE', KEYS[i], ARGV[i * 3 + 2])
		counts[i] = counts[i] + 1
	end
end
return {0, counts[1], counts[2], counts[3]}
`)

// RedisStore keeps a sliding log per client and window in redis sorted sets so
// several gateway replicas share one quota. Keys expire one window after the
// last admitted request, which makes Sweep a no-op. Limits.MaxClients is not
// enforced here.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	// newID makes sorted set members unique when two requests share a timestamp
	newID func() string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, newID: uuid.NewString}
}

// keys uses a hash tag so all windows of a client land in one cluster slot.
func (s *RedisStore) keys(key string) []string {
	out := make([]string, 0, numWindows)
	for _, w := range Windows {
		out = append(out, s.windowKey(key, w))
	}
	return out
}

func (s *RedisStore) windowKey(key string, w Window) string {
	return s.prefix + "{" + key + "}:" + w.String()
}

func micros(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func (s *RedisStore) Take(ctx context.Context, key string, now time.Time, l Limits, record bool) (Decision, error) {
	args := make([]any, 0, 12)
	args = append(args, micros(now), s.newID())
	for _, w := range Windows {
		args = append(args,
			strconv.Itoa(l.Limit(w)),
			"("+micros(now.Add(-w.Length())),
			strconv.FormatInt(w.Length().Milliseconds(), 10),
		)
	}
	if record {
		args = append(args, "1")
	} else {
		args = append(args, "0")
	}

	res, err := takeScript.Run(ctx, s.client, s.keys(key), args...).Slice()
	if err != nil {
		return Decision{}, xerrors.Wrapf(err, "redis take %q", key)
	}
	return decodeTake(res, now)
}

func decodeTake(res []any, now time.Time) (Decision, error) {
	if len(res) < 3 {
		return Decision{}, xerrors.Newf("unexpected take reply length %d", len(res))
	}
	status, ok := res[0].(int64)
	if !ok {
		return Decision{}, xerrors.Newf("unexpected take status %T", res[0])
	}

	var d Decision
	if status == 0 {
		if len(res) != 4 {
			return Decision{}, xerrors.Newf("unexpected admit reply length %d", len(res))
		}
		for i, w := range Windows {
			n, ok := res[i+1].(int64)
			if !ok {
				return Decision{}, xerrors.Newf("unexpected %s count %T", w, res[i+1])
			}
			d.Counts[w] = int(n)
		}
		return d, nil
	}

	if status < 1 || status > int64(numWindows) {
		return Decision{}, xerrors.Newf("unexpected take status %d", status)
	}
	w := Window(status - 1)
	n, ok := res[1].(int64)
	if !ok {
		return Decision{}, xerrors.Newf("unexpected %s count %T", w, res[1])
	}
	raw, ok := res[2].(string)
	if !ok {
		return Decision{}, xerrors.Newf("unexpected oldest score %T", res[2])
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, xerrors.Wrapf(err, "parse oldest score %q", raw)
	}

	d.Limited = true
	d.Window = w
	d.Counts[w] = int(n)
	d.RetryAfter = retryAfter(time.UnixMicro(int64(score)), w.Length(), now)
	return d, nil
}

func (s *RedisStore) Record(ctx context.Context, key string, now time.Time) error {
	score := float64(now.UnixMicro())
	member := s.newID()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range Windows {
			k := s.windowKey(key, w)
			pipe.ZAdd(ctx, k, redis.Z{Score: score, Member: member})
			pipe.PExpire(ctx, k, w.Length())
		}
		return nil
	})
	return xerrors.Wrapf(err, "redis record %q", key)
}

func (s *RedisStore) Sweep(context.Context, time.Time) (SweepStats, error) {
	return SweepStats{}, nil
}

func (s *RedisStore) Usage(ctx context.Context, key string, now time.Time) (Usage, bool, error) {
	cmds := make([]*redis.IntCmd, 0, numWindows)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range Windows {
			cmds = append(cmds, pipe.ZCount(ctx, s.windowKey(key, w), micros(now.Add(-w.Length())), "+inf"))
		}
		return nil
	})
	if err != nil {
		return Usage{}, false, xerrors.Wrapf(err, "redis usage %q", key)
	}
	u := Usage{
		Key:    key,
		Burst:  int(cmds[Burst].Val()),
		Minute: int(cmds[Minute].Val()),
		Hour:   int(cmds[Hour].Val()),
	}
	return u, u.Burst+u.Minute+u.Hour > 0, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return xerrors.Wrapf(s.client.Del(ctx, s.keys(key)...).Err(), "redis reset %q", key)
}

// Clients scans for hour windows, the longest lived key of every client.
func (s *RedisStore) Clients(ctx context.Context) ([]string, error) {
	suffix := "}:" + Hour.String()
	var out []string
	iter := s.client.Scan(ctx, 0, s.prefix+"{*"+suffix, 256).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), s.prefix+"{"), suffix)
		out = append(out, k)
	}
	if err := iter.Err(); err != nil {
		return nil, xerrors.Wrap(err, "redis scan clients")
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
