// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: not_found, authorization, conflict, validation, system, authentication, rate_limit
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryNotFound      = "not_found"
	CategoryAuthorization = "authorization"
	CategoryConflict      = "conflict"
	CategoryValidation    = "validation"
	CategorySystem        = "system"

	// HTTP層でのみ使う
	CategoryAuthentication = "authentication"
	CategoryRateLimit      = "rate_limit"
)

// 定義済みエラーコード
const (
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeJoinCodeNotFound    = "JOIN_CODE_NOT_FOUND"
	ErrCodeParticipantNotFound = "PARTICIPANT_NOT_FOUND"
	ErrCodeInvitationNotFound  = "INVITATION_NOT_FOUND"
	ErrCodeNotHost             = "NOT_HOST"
	ErrCodeNotParticipant      = "NOT_PARTICIPANT"
	ErrCodeParticipantKicked   = "PARTICIPANT_KICKED"
	ErrCodePrivateSession      = "PRIVATE_SESSION"
	ErrCodeSessionFull         = "SESSION_FULL"
	ErrCodeInvalidState        = "INVALID_SESSION_STATE"
	ErrCodeCapacityBelowCount  = "CAPACITY_BELOW_PARTICIPANTS"
	ErrCodeInvalidRating       = "INVALID_RATING"
	ErrCodeInvalidSession      = "INVALID_SESSION_FIELDS"
	ErrCodeCannotKickHost      = "CANNOT_KICK_HOST"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRFValidation      = "CSRF_VALIDATION_FAILED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定されたセッションが見つかりません: %s", sessionID),
		Category: CategoryNotFound,
		Action:   "セッションIDを確認してください。",
	}
}

// NewJoinCodeNotFoundError は参加コードに一致するセッションがない場合のエラーを生成する。
func NewJoinCodeNotFoundError(code string) *APIError {
	return &APIError{
		Code:     ErrCodeJoinCodeNotFound,
		Message:  fmt.Sprintf("参加コードに一致するセッションがありません: %s", code),
		Category: CategoryNotFound,
		Action:   "参加コードを確認してください。",
	}
}

// NewParticipantNotFoundError は参加中のユーザーが見つからない場合のエラーを生成する。
func NewParticipantNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeParticipantNotFound,
		Message:  fmt.Sprintf("参加中のユーザーが見つかりません: %s", userID),
		Category: CategoryNotFound,
		Action:   "参加者一覧を更新してから再度お試しください。",
	}
}

// NewInvitationNotFoundError は回答対象の招待がない場合のエラーを生成する。
func NewInvitationNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeInvitationNotFound,
		Message:  fmt.Sprintf("回答できる招待がありません: %s", sessionID),
		Category: CategoryNotFound,
		Action:   "招待の有効期限が切れているか、すでに回答済みです。",
	}
}

// NewNotHostError はホスト専用操作をホスト以外が実行した場合のエラーを生成する。
func NewNotHostError() *APIError {
	return &APIError{
		Code:     ErrCodeNotHost,
		Message:  "この操作はセッションのホストのみ実行できます。",
		Category: CategoryAuthorization,
		Action:   "ホストに操作を依頼してください。",
	}
}

// NewNotParticipantError は参加中でないユーザーが参加者専用操作を行った場合のエラーを生成する。
func NewNotParticipantError() *APIError {
	return &APIError{
		Code:     ErrCodeNotParticipant,
		Message:  "このセッションに参加していません。",
		Category: CategoryAuthorization,
		Action:   "セッションに参加してから再度お試しください。",
	}
}

// NewParticipantKickedError は退出させられたユーザーが再参加しようとした場合のエラーを生成する。
func NewParticipantKickedError() *APIError {
	return &APIError{
		Code:     ErrCodeParticipantKicked,
		Message:  "ホストによりこのセッションから退出させられています。",
		Category: CategoryAuthorization,
		Action:   "別のセッションを探してください。",
	}
}

// NewPrivateSessionError は非公開セッションに招待なしで参加しようとした場合のエラーを生成する。
func NewPrivateSessionError() *APIError {
	return &APIError{
		Code:     ErrCodePrivateSession,
		Message:  "このセッションは非公開です。",
		Category: CategoryAuthorization,
		Action:   "ホストから招待を受けるか、参加コードを使用してください。",
	}
}

// NewSessionFullError は定員に達している場合のエラーを生成する。
func NewSessionFullError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionFull,
		Message:  "セッションは定員に達しています。",
		Category: CategoryConflict,
		Action:   "空きが出るまでお待ちいただくか、別のセッションを探してください。",
	}
}

// NewInvalidStateError はセッションの状態が操作を許可しない場合のエラーを生成する。
func NewInvalidStateError(current SessionStatus, operation string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("セッションの状態が %s のため %s できません。", current, operation),
		Category: CategoryConflict,
		Action:   "セッションの状態を確認してください。",
	}
}

// NewCapacityBelowCountError は定員を現在の参加者数未満に変更しようとした場合のエラーを生成する。
func NewCapacityBelowCountError(current int) *APIError {
	return &APIError{
		Code:     ErrCodeCapacityBelowCount,
		Message:  fmt.Sprintf("定員を現在の参加者数（%d人）より少なくすることはできません。", current),
		Category: CategoryConflict,
		Action:   "現在の参加者数以上の定員を指定してください。",
	}
}

// NewInvalidRatingError は評価値が1〜5の範囲外の場合のエラーを生成する。
func NewInvalidRatingError(rating int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRating,
		Message:  fmt.Sprintf("無効な評価値です: %d", rating),
		Category: CategoryValidation,
		Action:   "評価は1から5の整数で指定してください。",
	}
}

// NewInvalidSessionError は必須項目の欠落や不正な値がある場合のエラーを生成する。
func NewInvalidSessionError(fields []string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSession,
		Message:  fmt.Sprintf("セッションの入力値が不正です: %v", fields),
		Category: CategoryValidation,
		Action:   "必須項目を入力し、値の範囲を確認してください。",
	}
}

// NewCannotKickHostError はホストが自分自身を退出させようとした場合のエラーを生成する。
func NewCannotKickHostError() *APIError {
	return &APIError{
		Code:     ErrCodeCannotKickHost,
		Message:  "ホスト自身を退出させることはできません。",
		Category: CategoryValidation,
		Action:   "セッションを終了する場合は中止または終了を使用してください。",
	}
}

// NewInvalidRequestError はリクエストの形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewUnauthorizedError はログインセッションを特定できない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: CategoryAuthentication,
		Action:   "再度ログインしてください。",
	}
}

// NewRateLimitExceededError はリクエスト数が上限を超えた場合のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: CategoryRateLimit,
		Action:   "Retry-Afterに示された秒数だけ待ってから再度お試しください。",
	}
}

// NewCSRFValidationError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFValidationError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFValidation,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: CategoryAuthorization,
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーの汎用レスポンス用エラーを生成する。
// 詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

func hasCategory(err error, category string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Category == category
}

// IsNotFound はerrが未検出エラーかどうかを返す。
func IsNotFound(err error) bool { return hasCategory(err, CategoryNotFound) }

// IsAuthorization はerrが権限エラーかどうかを返す。
func IsAuthorization(err error) bool { return hasCategory(err, CategoryAuthorization) }

// IsConflict はerrが状態・定員の競合エラーかどうかを返す。
func IsConflict(err error) bool { return hasCategory(err, CategoryConflict) }

// IsValidation はerrが入力検証エラーかどうかを返す。
func IsValidation(err error) bool { return hasCategory(err, CategoryValidation) }

// HasCode はerrが指定コードのAPIErrorかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
