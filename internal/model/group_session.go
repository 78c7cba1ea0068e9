package model

import "time"

// SessionStatus はグループセッションのライフサイクル状態を表す。
type SessionStatus string

const (
	// SessionStatusScheduled は開始前の状態。参加・更新・招待を受け付ける。
	SessionStatusScheduled SessionStatus = "SCHEDULED"
	// SessionStatusActive はホストが開始した実施中の状態。
	SessionStatusActive SessionStatus = "ACTIVE"
	// SessionStatusCompleted はホストが終了した状態。終端。
	SessionStatusCompleted SessionStatus = "COMPLETED"
	// SessionStatusCancelled は開始前にホストが中止した状態。終端。
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// IsTerminal は状態が終端（COMPLETED / CANCELLED）かどうかを返す。
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

// CanTransitionTo はsからnextへの遷移が許可されているかを返す。
// SCHEDULED → ACTIVE / CANCELLED、ACTIVE → COMPLETED のみが合法。
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionStatusScheduled:
		return next == SessionStatusActive || next == SessionStatusCancelled
	case SessionStatusActive:
		return next == SessionStatusCompleted
	default:
		return false
	}
}

// ParticipantStatus はセッション内でのユーザーの参加状態を表す。
type ParticipantStatus string

const (
	ParticipantStatusInvited ParticipantStatus = "INVITED"
	ParticipantStatusJoined  ParticipantStatus = "JOINED"
	ParticipantStatusLeft    ParticipantStatus = "LEFT"
	ParticipantStatusKicked  ParticipantStatus = "KICKED"
	// ParticipantStatusBanned は招待を辞退した状態。再参加は可能。
	ParticipantStatusBanned ParticipantStatus = "BANNED"
)

// GroupSession は定員付きの複数人学習セッションを表す。
// 状態・定員カウンタ・参加コード・評価集計の正本はgroup_sessionsテーブル。
type GroupSession struct {
	ID                  string
	Title               string
	Description         string
	TopicCategory       string
	TargetLanguage      string
	LanguageLevel       string
	SessionTags         []string
	HostUserID          string
	MaxParticipants     int
	CurrentParticipants int
	ScheduledAt         time.Time
	SessionDuration     int // 分
	Status              SessionStatus
	IsPublic            bool
	JoinCode            string
	StartedAt           *time.Time
	EndedAt             *time.Time
	RatingAverage       float64
	RatingCount         int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsHost は指定ユーザーがホストかどうかを返す。
func (s *GroupSession) IsHost(userID string) bool {
	return s.HostUserID == userID
}

// IsFull は参加者数が定員に達しているかを返す。
func (s *GroupSession) IsFull() bool {
	return s.CurrentParticipants >= s.MaxParticipants
}

// Participant はセッションとユーザーの組ごとの参加レコード。
// (session_id, user_id) は一意で、再招待・再参加は同じ行を上書きする。
type Participant struct {
	ID        string
	SessionID string
	UserID    string
	Status    ParticipantStatus
	JoinedAt  *time.Time
	LeftAt    *time.Time
	Rating    *int
	Feedback  *string
	IsMuted   bool
	IsVideoOn bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanJoin は閲覧者がセッションに参加可能かを判定する。
// viewerStatusは閲覧者の参加レコードの状態で、レコードがない場合はnil。
// キャッシュには保存せず、読み取りのたびに算出する。
func CanJoin(s *GroupSession, viewerID string, viewerStatus *ParticipantStatus) bool {
	if s == nil || viewerID == "" {
		return false
	}
	if s.IsHost(viewerID) {
		return false
	}
	if s.Status != SessionStatusScheduled {
		return false
	}
	if s.IsFull() {
		return false
	}
	if viewerStatus != nil {
		switch *viewerStatus {
		case ParticipantStatusJoined, ParticipantStatusKicked:
			return false
		}
		return true
	}
	return s.IsPublic
}

// SessionFilter は一覧・検索の絞り込み条件。
// 空文字列・空スライスの条件は適用しない。
type SessionFilter struct {
	TargetLanguage string
	LanguageLevel  string
	TopicCategory  string
	Tags           []string
	Keyword        string
	PublicOnly     bool
	// Statuses が空でなければ、いずれかの状態に一致するものに限る。
	Statuses []SessionStatus
	// ExcludeHostUserID が空でなければ、そのユーザーがホストのセッションを除外する。
	ExcludeHostUserID string
	// OrderByRating がtrueの場合は評価降順、次に開催日時昇順で並べる。
	OrderByRating bool
}

// PageRequest は0始まりのページ番号とページサイズ。
type PageRequest struct {
	Page int
	Size int
}

const (
	// DefaultPageSize は未指定時のページサイズ。
	DefaultPageSize = 20
	// MaxPageSize はページサイズの上限。
	MaxPageSize = 100
)

// Normalize はページ指定を有効な範囲に丸める。
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset はSQLのOFFSET値を返す。
func (p PageRequest) Offset() int {
	return p.Page * p.Size
}

// SessionListRow は一覧用にホスト表示名を結合したセッション行。
type SessionListRow struct {
	GroupSession
	HostName string
}
