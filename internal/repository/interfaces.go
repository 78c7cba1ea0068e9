// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/groupsession/internal/model"
)

// ErrDuplicateJoinCode は参加コードが既存セッションと衝突した場合に返す。
// 呼び出し側は新しいコードで再試行する。
var ErrDuplicateJoinCode = errors.New("join code already exists")

// AdmitResult は参加受付の結果を表す。
type AdmitResult int

const (
	// AdmitResultAdmitted は参加レコードをJOINEDにし、参加者数を1増やした。
	AdmitResultAdmitted AdmitResult = iota
	// AdmitResultAlreadyJoined はすでにJOINEDのため何も変更していない。
	AdmitResultAlreadyJoined
	// AdmitResultFull は定員に達しているため拒否した。
	AdmitResultFull
	// AdmitResultNotScheduled はセッションがSCHEDULEDでないため拒否した。
	AdmitResultNotScheduled
	// AdmitResultKicked は退出させられたユーザーのため拒否した。
	AdmitResultKicked
	// AdmitResultNotFound はセッションが存在しない。
	AdmitResultNotFound
)

// String はログ・メトリクス用のラベルを返す。
func (r AdmitResult) String() string {
	switch r {
	case AdmitResultAdmitted:
		return "admitted"
	case AdmitResultAlreadyJoined:
		return "already_joined"
	case AdmitResultFull:
		return "full"
	case AdmitResultNotScheduled:
		return "not_scheduled"
	case AdmitResultKicked:
		return "kicked"
	case AdmitResultNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// GroupSessionRepository はグループセッションと参加レコードの永続化インターフェース。
// 状態・参加レコード・参加者数を変更する操作はそれぞれ単一トランザクションで完結し、
// 途中で失敗した場合はいずれの変更も残さない。
type GroupSessionRepository interface {
	// Create はセッションとホストのJOINED参加レコードを作成する。
	// 参加コードが衝突した場合はErrDuplicateJoinCodeを返す。
	Create(ctx context.Context, session *model.GroupSession) error

	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.GroupSession, error)

	// FindByJoinCode は参加コードでセッションを取得する。見つからない場合はnilを返す。
	FindByJoinCode(ctx context.Context, code string) (*model.GroupSession, error)

	// ListParticipants はセッションの全参加レコードを作成順に返す。
	ListParticipants(ctx context.Context, sessionID string) ([]*model.Participant, error)

	// FindParticipant はセッションとユーザーの参加レコードを取得する。見つからない場合はnilを返す。
	FindParticipant(ctx context.Context, sessionID, userID string) (*model.Participant, error)

	// AdmitParticipant は定員と状態を確認したうえで参加者数を1増やし、参加レコードをJOINEDにする。
	// 定員判定と加算は条件付き更新で一体として行う。
	AdmitParticipant(ctx context.Context, sessionID, userID string, at time.Time) (AdmitResult, error)

	// ReleaseParticipant はJOINEDの参加レコードをto（LEFT/KICKED）にし、参加者数を1減らす。
	// JOINEDでない場合は何もせずfalseを返す。
	ReleaseParticipant(ctx context.Context, sessionID, userID string, to model.ParticipantStatus, at time.Time) (bool, error)

	// TransitionStatus は状態がfromの場合のみtoに遷移させ、開始・終了日時を記録する。
	// 遷移しなかった場合はfalseを返す。
	TransitionStatus(ctx context.Context, sessionID string, from, to model.SessionStatus, at time.Time) (bool, error)

	// Cancel はSCHEDULEDのセッションをCANCELLEDにし、ホスト以外のJOINED参加者をLEFTにする。
	// 解放したユーザーIDと、中止できたかどうかを返す。
	Cancel(ctx context.Context, sessionID string, at time.Time) ([]string, bool, error)

	// UpdateDetails はSCHEDULEDかつ新しい定員が現在の参加者数以上の場合のみ内容を更新する。
	UpdateDetails(ctx context.Context, session *model.GroupSession) (bool, error)

	// InviteParticipants は参加レコードをINVITEDにUPSERTする。JOINEDのレコードは上書きしない。
	// 実際に招待状態にしたユーザーIDを返す。
	InviteParticipants(ctx context.Context, sessionID string, userIDs []string, at time.Time) ([]string, error)

	// DeclineInvitation はINVITEDの参加レコードをBANNEDにする。参加者数は変更しない。
	DeclineInvitation(ctx context.Context, sessionID, userID string, at time.Time) (bool, error)

	// Rate はJOINEDの参加者の評価を書き込み、同じトランザクションで評価集計を再計算する。
	// 参加者がJOINEDでない場合はfalseを返す。
	Rate(ctx context.Context, sessionID, userID string, rating int, feedback *string, at time.Time) (bool, error)

	// List は条件に一致するセッションを1ページ分と総件数を返す。
	List(ctx context.Context, filter model.SessionFilter, page model.PageRequest) ([]*model.SessionListRow, int, error)

	// ListActiveSessionIDsForUser はユーザーがJOINEDで、終了していないセッションのIDを返す。
	ListActiveSessionIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// UserRepository はユーザー表示情報の参照インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByIDs は指定IDのユーザーをまとめて取得する。存在しないIDは結果に含まれない。
	FindByIDs(ctx context.Context, ids []string) ([]*model.User, error)
}

// AuthSessionRepository はログインセッションの参照インターフェース。
type AuthSessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AuthSession, error)
}

// NotificationRepository は通知アウトボックスの永続化インターフェース。
type NotificationRepository interface {
	// Create は配信依頼を1件保存する。
	Create(ctx context.Context, n *model.Notification) error
}
