package model

import "time"

// User はサービス利用ユーザーを表す。
// usersテーブルは認証サブシステムが所有し、このサービスは表示名の参照のみ行う。
type User struct {
	ID        string
	Email     string
	Name      string
	AvatarURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary は表示用のユーザー情報を返す。
func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL}
}

// AuthSession は認証サブシステムが発行したログインセッションを表す。
type AuthSession struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
