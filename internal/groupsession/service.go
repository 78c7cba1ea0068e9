// Package groupsession はグループセッションのライフサイクルと参加状態を管理するドメインロジックを提供する。
//
// 状態・参加レコード・参加者数の正本はリポジトリ（PostgreSQL）で、
// キャッシュと一時レコード（招待・参加中セッション・最近閲覧）は正本の書き込みが
// 確定した後に更新する。これらの副作用と通知の失敗はログとメトリクスに残し、
// 呼び出し元には返さない。
package groupsession

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/groupsession/internal/metrics"
	"github.com/hitoshi/groupsession/internal/model"
	"github.com/hitoshi/groupsession/internal/repository"
)

// SessionCache は閲覧者に依存しないセッションスナップショットのキャッシュ。
type SessionCache interface {
	// Get はスナップショットを返す。ミスの場合はnil, nilを返す。
	Get(ctx context.Context, sessionID string) (*model.SessionSnapshot, error)
	// Generation は無効化の世代を返す。正本を読む前に取得する。
	Generation(ctx context.Context, sessionID string) (int64, error)
	// Put は世代が変わっていない場合のみスナップショットを保存する。
	// ttlが0以下の場合は既定の有効期限を使う。
	Put(ctx context.Context, snap *model.SessionSnapshot, generation int64, ttl time.Duration) (bool, error)
	// Invalidate は世代を進めてスナップショットを削除する。
	Invalidate(ctx context.Context, sessionID string) error
}

// CoordinationStore は招待・参加中セッション・最近閲覧の一時レコードを扱う。
// いずれも正本ではなく、権限判定には使わない。
type CoordinationStore interface {
	PutInvitation(ctx context.Context, inv model.Invitation) error
	ConsumeInvitation(ctx context.Context, sessionID, userID string) (*model.Invitation, error)

	AddActiveSession(ctx context.Context, userID, sessionID string) error
	RemoveActiveSession(ctx context.Context, userID, sessionID string) error
	ActiveSessions(ctx context.Context, userID string) ([]string, bool, error)
	// ActiveGeneration は集合の変更世代を返す。再構築の前に取得する。
	ActiveGeneration(ctx context.Context, userID string) (int64, error)
	// ReplaceActiveSessions は世代が変わっていない場合のみ集合を置き換える。
	ReplaceActiveSessions(ctx context.Context, userID string, sessionIDs []string, generation int64) (bool, error)

	PushRecentSession(ctx context.Context, userID, sessionID string) error
	RecentSessions(ctx context.Context, userID string) ([]string, error)
}

// Notifier は通知サブシステムへの配信依頼を受け付ける。ブロックせず、失敗を返さない。
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

// Sanitizer はユーザー入力のテキストからマークアップを取り除く。
type Sanitizer interface {
	SanitizeText(raw string) string
	SanitizeTags(tags []string) []string
}

// Deps はServiceの依存関係。
type Deps struct {
	Sessions     repository.GroupSessionRepository
	Users        repository.UserRepository
	Cache        SessionCache
	Coordination CoordinationStore
	Notifier     Notifier
	Sanitizer    Sanitizer
	Metrics      metrics.MetricsCollector
	Logger       *slog.Logger

	// CacheTTL はスナップショットの有効期限。0以下の場合はキャッシュ側の既定値を使う。
	CacheTTL time.Duration
	// Now は現在時刻を返す。nilの場合はtime.Now。
	Now func() time.Time
	// NewJoinCode は参加コードを生成する。nilの場合はGenerateJoinCode。
	NewJoinCode func() (string, error)
}

// Service はグループセッションのライフサイクルエンジン。
// 作成・参加・退出・開始・終了・中止・退出処分・評価・更新・招待・招待への回答と、
// 一覧・検索・おすすめ・参加中/最近閲覧セッションの読み取りを提供する。
type Service struct {
	sessions     repository.GroupSessionRepository
	users        repository.UserRepository
	cache        SessionCache
	coordination CoordinationStore
	notifier     Notifier
	sanitizer    Sanitizer
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	cacheTTL     time.Duration
	now          func() time.Time
	newJoinCode  func() (string, error)
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(deps Deps) *Service {
	s := &Service{
		sessions:     deps.Sessions,
		users:        deps.Users,
		cache:        deps.Cache,
		coordination: deps.Coordination,
		notifier:     deps.Notifier,
		sanitizer:    deps.Sanitizer,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		cacheTTL:     deps.CacheTTL,
		now:          deps.Now,
		newJoinCode:  deps.NewJoinCode,
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newJoinCode == nil {
		s.newJoinCode = GenerateJoinCode
	}
	return s
}

// 操作名。メトリクスのラベルとログのoperation属性に使う。
const (
	opCreate    = "create"
	opGet       = "get"
	opJoin      = "join"
	opJoinCode  = "join_by_code"
	opLeave     = "leave"
	opStart     = "start"
	opEnd       = "end"
	opCancel    = "cancel"
	opKick      = "kick"
	opRate      = "rate"
	opUpdate    = "update"
	opInvite    = "invite"
	opAccept    = "accept_invitation"
	opDecline   = "decline_invitation"
	opList      = "list"
	opSearch    = "search"
	opRecommend = "recommend"
	opMine      = "my_sessions"
	opRecent    = "recent_sessions"
)

// observe は操作のレイテンシを記録する。defer s.observe(op, s.now()) の形で使う。
func (s *Service) observe(op string, start time.Time) {
	s.metrics.RecordOperationLatency(op, s.now().Sub(start))
}

// reject は拒否理由を記録してエラーをそのまま返す。
func (s *Service) reject(op string, err *model.APIError) error {
	s.metrics.RecordRejection(op, err.Code)
	return err
}

// findSession はセッションを正本から取得する。存在しない場合は未検出エラーを返す。
func (s *Service) findSession(ctx context.Context, op, sessionID string) (*model.GroupSession, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, s.reject(op, model.NewSessionNotFoundError(sessionID))
	}
	return session, nil
}

// requireHost はセッションを取得し、userIDがホストでなければ権限エラーを返す。
func (s *Service) requireHost(ctx context.Context, op, userID, sessionID string) (*model.GroupSession, error) {
	session, err := s.findSession(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsHost(userID) {
		return nil, s.reject(op, model.NewNotHostError())
	}
	return session, nil
}

// stateConflict は条件付き更新が適用されなかった場合に、最新の状態を読み直して競合エラーを返す。
func (s *Service) stateConflict(ctx context.Context, op, label string, session *model.GroupSession) error {
	current := session.Status
	if latest, err := s.sessions.FindByID(ctx, session.ID); err == nil && latest != nil {
		current = latest.Status
	}
	return s.reject(op, model.NewInvalidStateError(current, label))
}

// --- 副作用（失敗はログとメトリクスのみ） ---

func (s *Service) sideEffectFailed(ctx context.Context, kind, op, sessionID, userID string, err error) {
	s.metrics.RecordSideEffectFailure(kind)
	s.logger.WarnContext(ctx, "副作用の実行に失敗しました",
		slog.String("kind", kind),
		slog.String("operation", op),
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
}

// invalidate は正本の書き込み確定後にスナップショットを削除する。
func (s *Service) invalidate(ctx context.Context, op, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, sessionID); err != nil {
		s.sideEffectFailed(ctx, metrics.SideEffectCache, op, sessionID, "", err)
	}
}

func (s *Service) addActive(ctx context.Context, op, userID, sessionID string) {
	if s.coordination == nil {
		return
	}
	if err := s.coordination.AddActiveSession(ctx, userID, sessionID); err != nil {
		s.sideEffectFailed(ctx, metrics.SideEffectCoordination, op, sessionID, userID, err)
	}
}

func (s *Service) removeActive(ctx context.Context, op, sessionID string, userIDs ...string) {
	if s.coordination == nil {
		return
	}
	for _, userID := range userIDs {
		if err := s.coordination.RemoveActiveSession(ctx, userID, sessionID); err != nil {
			s.sideEffectFailed(ctx, metrics.SideEffectCoordination, op, sessionID, userID, err)
		}
	}
}

func (s *Service) pushRecent(ctx context.Context, userID, sessionID string) {
	if s.coordination == nil || userID == "" {
		return
	}
	if err := s.coordination.PushRecentSession(ctx, userID, sessionID); err != nil {
		s.sideEffectFailed(ctx, metrics.SideEffectCoordination, opGet, sessionID, userID, err)
	}
}

func (s *Service) notify(ctx context.Context, n model.Notification) {
	if s.notifier == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifier.Notify(ctx, n)
}

func (s *Service) sanitizeText(raw string) string {
	if s.sanitizer == nil {
		return raw
	}
	return s.sanitizer.SanitizeText(raw)
}

func (s *Service) sanitizeTags(tags []string) []string {
	if s.sanitizer == nil {
		return tags
	}
	return s.sanitizer.SanitizeTags(tags)
}
