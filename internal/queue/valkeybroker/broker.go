// Package valkeybroker implements queue.Broker on Redis or Valkey so that
// several worker processes can share one queue.
//
// Layout under Prefix:
//
//	job:<id>        hash with the job fields and its state
//	ready:<kind>    sorted set of pending ids scored by run_at (unix ms)
//	leased:<kind>   sorted set of leased ids scored by lease expiry
//	dead:<kind>     set of dead-lettered ids
//
// Every state change is one Lua script, so claims are exclusive across
// processes.
package valkeybroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"inviter/internal/queue"
)

const DefaultPrefix = "inviter:"

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Lease    time.Duration
}

type Broker struct {
	client valkey.Client
	prefix string
	lease  time.Duration
}

var _ queue.Broker = (*Broker)(nil)

// New dials the server. The returned broker owns the client.
func New(cfg Config) (*Broker, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{addr},
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect %s: %w", addr, err)
	}
	return newWithClient(client, cfg), nil
}

func newWithClient(client valkey.Client, cfg Config) *Broker {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = queue.DefaultLease
	}
	return &Broker{client: client, prefix: prefix, lease: lease}
}

func (b *Broker) jobPrefix() string { return b.prefix + "job:" }
func (b *Broker) readyKey(kind string) string { return b.prefix + "ready:" + kind }
func (b *Broker) leasedKey(kind string) string { return b.prefix + "leased:" + kind }

var enqueueScript = valkey.NewLuaScript(`
redis.call('HSET', KEYS[1],
  'kind', ARGV[1], 'payload', ARGV[2], 'attempt', ARGV[3],
  'run_at', ARGV[4], 'enqueued_at', ARGV[5], 'last_error', ARGV[6], 'state', 'pending')
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[7])
return 1
`)

func (b *Broker) Enqueue(ctx context.Context, job queue.Job) error {
	job = job.Normalize(time.Now().UTC())
	payload := string(job.Payload)
	if payload == "" {
		payload = "null"
	}
	return enqueueScript.Exec(ctx, b.client,
		[]string{b.jobPrefix() + job.ID, b.readyKey(job.Kind)},
		[]string{
			job.Kind, payload, strconv.Itoa(job.Attempt),
			ms(job.RunAt), ms(job.EnqueuedAt), job.LastError, job.ID,
		},
	).Error()
}

// KEYS: ready and leased key per kind, in pairs.
// ARGV: now, lease expiry, job key prefix.
var claimScript = valkey.NewLuaScript(`
local best_id, best_score, best_ready, best_leased
for i = 1, #KEYS, 2 do
  local ready, leased = KEYS[i], KEYS[i + 1]
  local expired = redis.call('ZRANGEBYSCORE', leased, '-inf', '(' .. ARGV[1])
  for _, id in ipairs(expired) do
    redis.call('ZREM', leased, id)
    local run_at = redis.call('HGET', ARGV[3] .. id, 'run_at')
    if run_at then
      redis.call('HSET', ARGV[3] .. id, 'state', 'pending')
      redis.call('ZADD', ready, run_at, id)
    end
  end
  local head = redis.call('ZRANGEBYSCORE', ready, '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, 1)
  if head[1] then
    local score = tonumber(head[2])
    if best_score == nil or score < best_score then
      best_id, best_score, best_ready, best_leased = head[1], score, ready, leased
    end
  end
end
if best_id == nil then
  return false
end
redis.call('ZREM', best_ready, best_id)
redis.call('ZADD', best_leased, ARGV[2], best_id)
local key = ARGV[3] .. best_id
redis.call('HSET', key, 'state', 'leased')
local f = redis.call('HMGET', key, 'kind', 'payload', 'attempt', 'run_at', 'enqueued_at', 'last_error')
return {best_id, f[1], f[2], f[3], f[4], f[5], f[6] or ''}
`)

func (b *Broker) Claim(ctx context.Context, kinds []string, now time.Time) (queue.Job, bool, error) {
	if len(kinds) == 0 {
		return queue.Job{}, false, nil
	}
	keys := make([]string, 0, len(kinds)*2)
	for _, k := range kinds {
		keys = append(keys, b.readyKey(k), b.leasedKey(k))
	}
	vals, err := claimScript.Exec(ctx, b.client, keys,
		[]string{ms(now), ms(now.Add(b.lease)), b.jobPrefix()},
	).AsStrSlice()
	if valkey.IsValkeyNil(err) {
		return queue.Job{}, false, nil
	}
	if err != nil {
		return queue.Job{}, false, err
	}
	if len(vals) != 7 {
		return queue.Job{}, false, fmt.Errorf("valkey claim: unexpected reply of %d fields", len(vals))
	}
	attempt, _ := strconv.Atoi(vals[3])
	return queue.Job{
		ID:         vals[0],
		Kind:       vals[1],
		Payload:    []byte(vals[2]),
		Attempt:    attempt,
		RunAt:      parseMs(vals[4]),
		EnqueuedAt: parseMs(vals[5]),
		LastError:  vals[6],
	}, true, nil
}

// ARGV: id, key prefix.
var ackScript = valkey.NewLuaScript(`
local key = ARGV[2] .. 'job:' .. ARGV[1]
local f = redis.call('HMGET', key, 'kind', 'state')
if not f[1] or f[2] == 'dead' then
  return 0
end
redis.call('ZREM', ARGV[2] .. 'ready:' .. f[1], ARGV[1])
redis.call('ZREM', ARGV[2] .. 'leased:' .. f[1], ARGV[1])
redis.call('DEL', key)
return 1
`)

func (b *Broker) Ack(ctx context.Context, id string) error {
	n, err := ackScript.Exec(ctx, b.client, nil, []string{id, b.prefix}).AsInt64()
	return found(n, err)
}

// ARGV: id, key prefix, attempt, run_at, last_error.
var retryScript = valkey.NewLuaScript(`
local key = ARGV[2] .. 'job:' .. ARGV[1]
local f = redis.call('HMGET', key, 'kind', 'state')
if not f[1] or f[2] == 'dead' then
  return 0
end
redis.call('ZREM', ARGV[2] .. 'leased:' .. f[1], ARGV[1])
redis.call('HSET', key, 'attempt', ARGV[3], 'run_at', ARGV[4], 'last_error', ARGV[5], 'state', 'pending')
redis.call('ZADD', ARGV[2] .. 'ready:' .. f[1], ARGV[4], ARGV[1])
return 1
`)

func (b *Broker) Retry(ctx context.Context, job queue.Job, runAt time.Time, lastErr string) error {
	n, err := retryScript.Exec(ctx, b.client, nil, []string{
		job.ID, b.prefix, strconv.Itoa(job.Attempt + 1), ms(runAt), lastErr,
	}).AsInt64()
	return found(n, err)
}

// ARGV: id, key prefix, last_error.
var deadScript = valkey.NewLuaScript(`
local key = ARGV[2] .. 'job:' .. ARGV[1]
local kind = redis.call('HGET', key, 'kind')
if not kind then
  return 0
end
redis.call('ZREM', ARGV[2] .. 'ready:' .. kind, ARGV[1])
redis.call('ZREM', ARGV[2] .. 'leased:' .. kind, ARGV[1])
redis.call('HSET', key, 'state', 'dead', 'last_error', ARGV[3])
redis.call('SADD', ARGV[2] .. 'dead:' .. kind, ARGV[1])
return 1
`)

func (b *Broker) Dead(ctx context.Context, job queue.Job, lastErr string) error {
	n, err := deadScript.Exec(ctx, b.client, nil, []string{job.ID, b.prefix, lastErr}).AsInt64()
	return found(n, err)
}

// Depth counts pending jobs of kind. Jobs whose lease expired are counted
// again once a Claim has requeued them.
func (b *Broker) Depth(ctx context.Context, kind string) (int, error) {
	n, err := b.client.Do(ctx, b.client.B().Zcard().Key(b.readyKey(kind)).Build()).AsInt64()
	return int(n), err
}

// DeadIDs lists dead-lettered job ids of kind.
func (b *Broker) DeadIDs(ctx context.Context, kind string) ([]string, error) {
	return b.client.Do(ctx, b.client.B().Smembers().Key(b.prefix+"dead:"+kind).Build()).AsStrSlice()
}

func (b *Broker) Close() error {
	b.client.Close()
	return nil
}

func found(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseMs(s string) time.Time {
	n, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(n).UTC()
}
