// Package ephemeral は招待・参加中セッション・最近閲覧したセッションの一時レコードをRedisで管理する。
// いずれも正本ではなく、失われてもPostgreSQL上のセッション状態は壊れない。
package ephemeral

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
	invitationKeyPrefix = "groupsession:invitation:"
	activeKeyPrefix     = "groupsession:active:"
	activeGenKeyPrefix  = "groupsession:active:gen:"
	recentKeyPrefix     = "groupsession:recent:"
)

// InvitationKey は招待レコードのキーを返す。
func InvitationKey(sessionID, userID string) string {
	return invitationKeyPrefix + sessionID + ":" + userID
}

// ActiveKey はユーザーの参加中セッション集合のキーを返す。
func ActiveKey(userID string) string {
	return activeKeyPrefix + userID
}

// ActiveGenerationKey は参加中セッション集合の変更世代を数えるキーを返す。
func ActiveGenerationKey(userID string) string {
	return activeGenKeyPrefix + userID
}

// RecentKey はユーザーの最近閲覧したセッション一覧のキーを返す。
func RecentKey(userID string) string {
	return recentKeyPrefix + userID
}

// StoreConfig はレコード種別ごとの有効期限と上限。
type StoreConfig struct {
	InvitationTTL time.Duration
	ActiveSetTTL  time.Duration
	RecentTTL     time.Duration
	RecentLimit   int
}

// DefaultStoreConfig はデフォルト設定を返す。
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		InvitationTTL: 7 * 24 * time.Hour,
		ActiveSetTTL:  24 * time.Hour,
		RecentTTL:     30 * 24 * time.Hour,
		RecentLimit:   10,
	}
}

// addIfExistsScript は世代を進め、集合が存在する場合のみメンバーを追加してTTLを延長する。
// 集合が存在しない場合に追加すると、部分的な集合が完全なものとして読まれてしまう。
var addIfExistsScript = redis.NewScript(`
redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], ARGV[3])
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("SADD", KEYS[1], ARGV[1])
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// replaceIfGenerationScript は世代が読み取り時点から変わっていない場合のみ集合を置き換える。
// 再構築中に確定した追加・削除を古い内容で上書きしない。
var replaceIfGenerationScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[2]) or "0"
if cur ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("SADD", KEYS[1], unpack(ARGV, 3))
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// RedisStore はRedisを使用した一時レコードストア。
type RedisStore struct {
	client redis.Cmdable
	cfg    StoreConfig
}

// NewRedisStore はRedisStoreを生成する。0以下の設定値はデフォルト値で補う。
func NewRedisStore(client redis.Cmdable, cfg StoreConfig) *RedisStore {
	def := DefaultStoreConfig()
	if cfg.InvitationTTL <= 0 {
		cfg.InvitationTTL = def.InvitationTTL
	}
	if cfg.ActiveSetTTL <= 0 {
		cfg.ActiveSetTTL = def.ActiveSetTTL
	}
	if cfg.RecentTTL <= 0 {
		cfg.RecentTTL = def.RecentTTL
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = def.RecentLimit
	}
	return &RedisStore{client: client, cfg: cfg}
}

// --- 招待 ---

type invitationRecord struct {
	HostUserID string    `json:"host_user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// PutInvitation は招待レコードを保存する。既存の招待は上書きし、有効期限を延長する。
func (s *RedisStore) PutInvitation(ctx context.Context, inv model.Invitation) error {
	data, err := json.Marshal(invitationRecord{HostUserID: inv.HostUserID, CreatedAt: inv.CreatedAt})
	if err != nil {
		return fmt.Errorf("failed to encode invitation: %w", err)
	}
	if err := s.client.Set(ctx, InvitationKey(inv.SessionID, inv.UserID), data, s.cfg.InvitationTTL).Err(); err != nil {
		return fmt.Errorf("failed to put invitation: %w", err)
	}
	return nil
}

// GetInvitation は招待レコードを取得する。存在しない場合はnil, nilを返す。
func (s *RedisStore) GetInvitation(ctx context.Context, sessionID, userID string) (*model.Invitation, error) {
	data, err := s.client.Get(ctx, InvitationKey(sessionID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return decodeInvitation(sessionID, userID, data)
}

// ConsumeInvitation は招待レコードを取得と同時に削除する。
// 同じ招待に対する並行した回答のうち、1つだけが招待を受け取る。
// 存在しない場合はnil, nilを返す。
func (s *RedisStore) ConsumeInvitation(ctx context.Context, sessionID, userID string) (*model.Invitation, error) {
	data, err := s.client.GetDel(ctx, InvitationKey(sessionID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume invitation: %w", err)
	}
	return decodeInvitation(sessionID, userID, data)
}

func decodeInvitation(sessionID, userID string, data []byte) (*model.Invitation, error) {
	var rec invitationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode invitation: %w", err)
	}
	return &model.Invitation{
		SessionID:  sessionID,
		UserID:     userID,
		HostUserID: rec.HostUserID,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

// --- 参加中セッション集合 ---

// AddActiveSession は参加中セッション集合にセッションを追加する。
// 集合が存在しない場合は何もしない（次回の読み取り時に正本から再構築される）。
func (s *RedisStore) AddActiveSession(ctx context.Context, userID, sessionID string) error {
	err := addIfExistsScript.Run(ctx, s.client, []string{ActiveKey(userID), ActiveGenerationKey(userID)},
		sessionID, s.cfg.ActiveSetTTL.Milliseconds(), s.activeGenerationTTL().Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to add active session: %w", err)
	}
	return nil
}

// RemoveActiveSession は世代を進めて参加中セッション集合からセッションを取り除く。
func (s *RedisStore) RemoveActiveSession(ctx context.Context, userID, sessionID string) error {
	genKey := ActiveGenerationKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, s.activeGenerationTTL())
		pipe.SRem(ctx, ActiveKey(userID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove active session: %w", err)
	}
	return nil
}

// ActiveGeneration は参加中セッション集合の変更世代を返す。一度も変更されていない場合は0。
// 正本から再構築する前に取得し、ReplaceActiveSessionsに渡す。
func (s *RedisStore) ActiveGeneration(ctx context.Context, userID string) (int64, error) {
	gen, err := s.client.Get(ctx, ActiveGenerationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get active generation: %w", err)
	}
	return gen, nil
}

// activeGenerationTTL は世代カウンタの有効期限。集合のTTLより長くする。
func (s *RedisStore) activeGenerationTTL() time.Duration {
	return 2 * s.cfg.ActiveSetTTL
}

// ActiveSessions は参加中セッション集合を返す。
// 集合が存在しない場合はexists=falseを返し、呼び出し側は正本から再構築する。
func (s *RedisStore) ActiveSessions(ctx context.Context, userID string) ([]string, bool, error) {
	key := ActiveKey(userID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check active sessions: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read active sessions: %w", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m != emptyActiveMarker {
			ids = append(ids, m)
		}
	}
	return ids, true, nil
}

// emptyActiveMarker は参加中セッションが0件であることを表すメンバー。
// 空集合はRedis上に存在できないため、このメンバーで「再構築済み・0件」を表す。
const emptyActiveMarker = "-"

// ReplaceActiveSessions は世代がgenerationのままの場合のみ、参加中セッション集合を正本の内容で置き換える。
// 世代が進んでいた場合は何もせず、replaced=falseを返す。
func (s *RedisStore) ReplaceActiveSessions(ctx context.Context, userID string, sessionIDs []string, generation int64) (bool, error) {
	args := make([]any, 0, len(sessionIDs)+3)
	args = append(args, strconv.FormatInt(generation, 10), s.cfg.ActiveSetTTL.Milliseconds(), emptyActiveMarker)
	for _, id := range sessionIDs {
		args = append(args, id)
	}

	replaced, err := replaceIfGenerationScript.Run(ctx, s.client,
		[]string{ActiveKey(userID), ActiveGenerationKey(userID)}, args...,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to replace active sessions: %w", err)
	}
	return replaced == 1, nil
}

// --- 最近閲覧したセッション ---

// PushRecentSession は最近閲覧したセッションの先頭に追加する。
// 既存の同じIDは取り除き、上限を超えた古いものは切り捨てる。
func (s *RedisStore) PushRecentSession(ctx context.Context, userID, sessionID string) error {
	key := RecentKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, key, 0, sessionID)
		pipe.LPush(ctx, key, sessionID)
		pipe.LTrim(ctx, key, 0, int64(s.cfg.RecentLimit-1))
		pipe.Expire(ctx, key, s.cfg.RecentTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push recent session: %w", err)
	}
	return nil
}

// RecentSessions は最近閲覧したセッションIDを新しい順に返す。
func (s *RedisStore) RecentSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.LRange(ctx, RecentKey(userID), 0, int64(s.cfg.RecentLimit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent sessions: %w", err)
	}
	return ids, nil
}
