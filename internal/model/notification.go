package model

import "time"

// Invitation はホストからの未回答の招待を表す一時レコード。
// 有効期限は参加レコードとは独立しており、存在しなければ回答できない。
type Invitation struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	HostUserID string    `json:"host_user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// NotificationType は通知の種別を表す。
type NotificationType string

const (
	NotificationTypeInvitation         NotificationType = "GROUP_SESSION_INVITATION"
	NotificationTypeInvitationAccepted NotificationType = "GROUP_SESSION_INVITATION_ACCEPTED"
	NotificationTypeStarted            NotificationType = "GROUP_SESSION_STARTED"
	NotificationTypeUpdated            NotificationType = "GROUP_SESSION_UPDATED"
	NotificationTypeCancelled          NotificationType = "GROUP_SESSION_CANCELLED"
	NotificationTypeKicked             NotificationType = "GROUP_SESSION_KICKED"
)

// Notification は通知サブシステムへの配信依頼。
type Notification struct {
	ID          string
	RecipientID string
	Type        NotificationType
	Title       string
	Message     string
	Payload     map[string]string
	CreatedAt   time.Time
}

// ChangeKind は更新通知の本文に使う粗い変更分類。
type ChangeKind string

const (
	ChangeKindTitle    ChangeKind = "title"
	ChangeKindSchedule ChangeKind = "schedule"
	ChangeKindOther    ChangeKind = "other"
)

// ClassifyChange は更新前後のセッションから変更分類を決める。
// タイトル変更を最優先し、次に日時・所要時間の変更を判定する。
func ClassifyChange(before, after *GroupSession) ChangeKind {
	if before.Title != after.Title {
		return ChangeKindTitle
	}
	if !before.ScheduledAt.Equal(after.ScheduledAt) || before.SessionDuration != after.SessionDuration {
		return ChangeKindSchedule
	}
	return ChangeKindOther
}
