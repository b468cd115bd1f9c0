package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix Redis key 前缀
const DefaultKeyPrefix = "sftpdeploy:status:"

// 脚本返回码
const (
	scriptOK         = 0
	scriptNotFound   = 1
	scriptExists     = 2
	scriptTerminal   = 3
	scriptUnexpected = 4
)

// createScript KEYS: hash, log; ARGV: ttl(ms), 字段键值对个数, 字段键值对..., 日志...
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 2
end
local n = tonumber(ARGV[2])
for i = 3, 2 + n * 2, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('DEL', KEYS[2])
for i = 3 + n * 2, #ARGV do
  redis.call('RPUSH', KEYS[2], ARGV[i])
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[2]) == 1 then
  redis.call('PEXPIRE', KEYS[2], ARGV[1])
end
return 0
`)

// updateScript KEYS: hash, log; ARGV: ttl(ms), expect, status, phase, progress,
// 是否有 message, message, backend, updated_at, 日志...
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 1
end
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == 'complete' or cur == 'error' then
  return 3
end
if ARGV[2] ~= '' and cur ~= ARGV[2] then
  return 4
end
if ARGV[3] ~= '' then redis.call('HSET', KEYS[1], 'status', ARGV[3]) end
if ARGV[4] ~= '' then redis.call('HSET', KEYS[1], 'phase', ARGV[4]) end
if ARGV[5] ~= '' then
  local old = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
  local p = tonumber(ARGV[5])
  if p > old then redis.call('HSET', KEYS[1], 'progress', ARGV[5]) end
end
if ARGV[6] == '1' then redis.call('HSET', KEYS[1], 'message', ARGV[7]) end
if ARGV[8] ~= '' then redis.call('HSET', KEYS[1], 'backend', ARGV[8]) end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[9])
for i = 10, #ARGV do
  redis.call('RPUSH', KEYS[2], ARGV[i])
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[2]) == 1 then
  redis.call('PEXPIRE', KEYS[2], ARGV[1])
end
return 0
`)

// RedisStore 基于 Redis 的状态存储，多个 sftpdeploy 进程可共享。
// 记录字段存放在 hash，日志存放在 list（RPUSH 追加），两者同时设置过期时间。
// 比较并交换和终态检查在 Lua 脚本中完成，按 key 原子，无全局锁。
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, prefix: DefaultKeyPrefix}
}

// WithPrefix 使用自定义 key 前缀（测试隔离用）
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

// Ping 检查 Redis 连接
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

// Close 关闭底层客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// keys 返回记录 hash 和日志 list 的 key。id 作为 hash tag，
// 集群模式下两个 key 落在同一 slot，Lua 脚本才能同时访问。
func (s *RedisStore) keys(id string) []string {
	base := s.prefix + "{" + id + "}"
	return []string{base, base + ":log"}
}

func (s *RedisStore) ttlMillis() string {
	return strconv.FormatInt(s.ttl.Milliseconds(), 10)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	now := time.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	fields := []string{
		"id", rec.ID,
		"status", string(rec.Status),
		"phase", rec.Phase,
		"progress", strconv.Itoa(clampProgress(rec.Progress)),
		"message", rec.Message,
		"backend", rec.Backend,
		"created_at", formatTime(created),
		"updated_at", formatTime(now),
	}

	args := make([]interface{}, 0, 2+len(fields)+len(rec.Log))
	args = append(args, s.ttlMillis(), len(fields)/2)
	for _, f := range fields {
		args = append(args, f)
	}
	for _, line := range rec.Log {
		args = append(args, line)
	}

	code, err := createScript.Run(ctx, s.client, s.keys(rec.ID), args...).Int()
	if err != nil {
		return fmt.Errorf("failed to create deployment status: %w", err)
	}
	if code == scriptExists {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	keys := s.keys(id)
	pipe := s.client.TxPipeline()
	hash := pipe.HGetAll(ctx, keys[0])
	lines := pipe.LRange(ctx, keys[1], 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read deployment status: %w", err)
	}

	fields := hash.Val()
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	progress, _ := strconv.Atoi(fields["progress"])
	rec := &Record{
		ID:        fields["id"],
		Status:    Status(fields["status"]),
		Phase:     fields["phase"],
		Progress:  progress,
		Message:   fields["message"],
		Backend:   fields["backend"],
		Log:       lines.Val(),
		CreatedAt: parseTime(fields["created_at"]),
		UpdatedAt: parseTime(fields["updated_at"]),
	}
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.Log == nil {
		rec.Log = []string{}
	}
	return rec, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, patch Patch) (*Record, error) {
	progress := ""
	if patch.Progress != nil {
		progress = strconv.Itoa(clampProgress(*patch.Progress))
	}
	hasMessage, message := "0", ""
	if patch.Message != nil {
		hasMessage, message = "1", *patch.Message
	}

	args := make([]interface{}, 0, 9+len(patch.Log))
	args = append(args,
		s.ttlMillis(),
		string(patch.Expect),
		string(patch.Status),
		patch.Phase,
		progress,
		hasMessage,
		message,
		patch.Backend,
		formatTime(time.Now()),
	)
	for _, line := range patch.Log {
		args = append(args, line)
	}

	code, err := updateScript.Run(ctx, s.client, s.keys(id), args...).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to update deployment status: %w", err)
	}
	switch code {
	case scriptNotFound:
		return nil, ErrNotFound
	case scriptTerminal:
		return nil, ErrTerminal
	case scriptUnexpected:
		return nil, ErrUnexpectedStatus
	}
	return s.Get(ctx, id)
}
