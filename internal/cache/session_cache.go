// Package cache はセッションスナップショットのリードスルーキャッシュを提供する。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/groupsession/internal/model"
)

const (
	snapshotKeyPrefix   = "groupsession:snapshot:"
	generationKeyPrefix = "groupsession:snapshot:gen:"

	// generationTTL は世代カウンタの有効期限。スナップショットのTTLより十分長くする。
	generationTTL = 24 * time.Hour
)

// SnapshotKey はセッションIDに対応するキャッシュキーを返す。
func SnapshotKey(sessionID string) string {
	return snapshotKeyPrefix + sessionID
}

// GenerationKey はセッションの無効化世代を数えるキーを返す。
func GenerationKey(sessionID string) string {
	return generationKeyPrefix + sessionID
}

// putIfGenerationScript は世代が読み取り時点から変わっていない場合のみスナップショットを保存する。
// 組み立て中に無効化が走った場合、古いスナップショットを書き戻さない。
var putIfGenerationScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1]) or "0"
if cur ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// RedisSessionCache はRedisにセッションスナップショットをJSONで保存するキャッシュ。
// スナップショットは閲覧者に依存しない値のみを持つ。
type RedisSessionCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisSessionCache はRedisSessionCacheを生成する。
func NewRedisSessionCache(client redis.Cmdable, ttl time.Duration) *RedisSessionCache {
	return &RedisSessionCache{client: client, ttl: ttl}
}

// Get はスナップショットを取得する。未登録・期限切れの場合はnil, nilを返す。
func (c *RedisSessionCache) Get(ctx context.Context, sessionID string) (*model.SessionSnapshot, error) {
	data, err := c.client.Get(ctx, SnapshotKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session snapshot: %w", err)
	}

	var snap model.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// 壊れたエントリは読み捨ててミス扱いにする
		c.client.Del(ctx, SnapshotKey(sessionID))
		return nil, nil
	}
	return &snap, nil
}

// Generation は現在の無効化世代を返す。一度も無効化されていない場合は0。
// 正本を読む前に取得し、Putに渡す。
func (c *RedisSessionCache) Generation(ctx context.Context, sessionID string) (int64, error) {
	gen, err := c.client.Get(ctx, GenerationKey(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get snapshot generation: %w", err)
	}
	return gen, nil
}

// Put は世代がgenerationのままの場合のみスナップショットを保存する。
// 世代が進んでいた場合は何もせず、stored=falseを返す。ttlが0以下の場合は既定のTTLを使う。
func (c *RedisSessionCache) Put(ctx context.Context, snap *model.SessionSnapshot, generation int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to encode session snapshot: %w", err)
	}
	stored, err := putIfGenerationScript.Run(ctx, c.client,
		[]string{GenerationKey(snap.ID), SnapshotKey(snap.ID)},
		strconv.FormatInt(generation, 10), data, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to put session snapshot: %w", err)
	}
	return stored == 1, nil
}

// Invalidate は世代を進めてからスナップショットを削除する。存在しない場合もエラーにしない。
func (c *RedisSessionCache) Invalidate(ctx context.Context, sessionID string) error {
	genKey := GenerationKey(sessionID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		pipe.Del(ctx, SnapshotKey(sessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate session snapshot: %w", err)
	}
	return nil
}
