package model

import "time"

// UserSummary は表示用のユーザー情報。
type UserSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ParticipantSnapshot はキャッシュに保存する参加者情報。
type ParticipantSnapshot struct {
	User      UserSummary       `json:"user"`
	Status    ParticipantStatus `json:"status"`
	JoinedAt  *time.Time        `json:"joined_at,omitempty"`
	IsMuted   bool              `json:"is_muted"`
	IsVideoOn bool              `json:"is_video_on"`
}

// SessionSnapshot はセッションと参加者一覧を非正規化したキャッシュ用の値。
// 全閲覧者で共有されるため、閲覧者に依存するフィールドを持たない。
type SessionSnapshot struct {
	ID                  string                `json:"id"`
	Title               string                `json:"title"`
	Description         string                `json:"description"`
	TopicCategory       string                `json:"topic_category"`
	TargetLanguage      string                `json:"target_language"`
	LanguageLevel       string                `json:"language_level"`
	SessionTags         []string              `json:"session_tags"`
	Host                UserSummary           `json:"host"`
	MaxParticipants     int                   `json:"max_participants"`
	CurrentParticipants int                   `json:"current_participants"`
	ScheduledAt         time.Time             `json:"scheduled_at"`
	SessionDuration     int                   `json:"session_duration"`
	Status              SessionStatus         `json:"status"`
	IsPublic            bool                  `json:"is_public"`
	JoinCode            string                `json:"join_code"`
	StartedAt           *time.Time            `json:"started_at,omitempty"`
	EndedAt             *time.Time            `json:"ended_at,omitempty"`
	RatingAverage       float64               `json:"rating_average"`
	RatingCount         int                   `json:"rating_count"`
	Participants        []ParticipantSnapshot `json:"participants"`
	CreatedAt           time.Time             `json:"created_at"`
}

// NewSessionSnapshot はセッション・参加者・ユーザー情報からスナップショットを組み立てる。
// usersに存在しないユーザーはIDのみで表示する。
func NewSessionSnapshot(s *GroupSession, participants []*Participant, users map[string]UserSummary) *SessionSnapshot {
	summary := func(id string) UserSummary {
		if u, ok := users[id]; ok {
			return u
		}
		return UserSummary{ID: id}
	}

	tags := s.SessionTags
	if tags == nil {
		tags = []string{}
	}

	snap := &SessionSnapshot{
		ID:                  s.ID,
		Title:               s.Title,
		Description:         s.Description,
		TopicCategory:       s.TopicCategory,
		TargetLanguage:      s.TargetLanguage,
		LanguageLevel:       s.LanguageLevel,
		SessionTags:         tags,
		Host:                summary(s.HostUserID),
		MaxParticipants:     s.MaxParticipants,
		CurrentParticipants: s.CurrentParticipants,
		ScheduledAt:         s.ScheduledAt,
		SessionDuration:     s.SessionDuration,
		Status:              s.Status,
		IsPublic:            s.IsPublic,
		JoinCode:            s.JoinCode,
		StartedAt:           s.StartedAt,
		EndedAt:             s.EndedAt,
		RatingAverage:       s.RatingAverage,
		RatingCount:         s.RatingCount,
		Participants:        make([]ParticipantSnapshot, 0, len(participants)),
		CreatedAt:           s.CreatedAt,
	}

	for _, p := range participants {
		snap.Participants = append(snap.Participants, ParticipantSnapshot{
			User:      summary(p.UserID),
			Status:    p.Status,
			JoinedAt:  p.JoinedAt,
			IsMuted:   p.IsMuted,
			IsVideoOn: p.IsVideoOn,
		})
	}

	return snap
}

// Session はスナップショットから判定用のGroupSessionを復元する。
func (s *SessionSnapshot) Session() *GroupSession {
	return &GroupSession{
		ID:                  s.ID,
		Title:               s.Title,
		Description:         s.Description,
		TopicCategory:       s.TopicCategory,
		TargetLanguage:      s.TargetLanguage,
		LanguageLevel:       s.LanguageLevel,
		SessionTags:         s.SessionTags,
		HostUserID:          s.Host.ID,
		MaxParticipants:     s.MaxParticipants,
		CurrentParticipants: s.CurrentParticipants,
		ScheduledAt:         s.ScheduledAt,
		SessionDuration:     s.SessionDuration,
		Status:              s.Status,
		IsPublic:            s.IsPublic,
		JoinCode:            s.JoinCode,
		StartedAt:           s.StartedAt,
		EndedAt:             s.EndedAt,
		RatingAverage:       s.RatingAverage,
		RatingCount:         s.RatingCount,
		CreatedAt:           s.CreatedAt,
	}
}

// ParticipantStatusOf はスナップショット内のユーザーの参加状態を返す。
// 参加レコードがない場合はnil。
func (s *SessionSnapshot) ParticipantStatusOf(userID string) *ParticipantStatus {
	for i := range s.Participants {
		if s.Participants[i].User.ID == userID {
			st := s.Participants[i].Status
			return &st
		}
	}
	return nil
}

// SessionView は閲覧者ごとに算出した値を付与したセッション表現。
type SessionView struct {
	SessionSnapshot
	CanJoin bool
	IsHost  bool
	// MyStatus は閲覧者自身の参加状態。参加レコードがない場合はnil。
	MyStatus *ParticipantStatus
}

// NewSessionView はスナップショットから閲覧者向けのビューを生成する。
// 参加コードはホストにのみ開示する。
func NewSessionView(snap *SessionSnapshot, viewerID string) *SessionView {
	view := &SessionView{SessionSnapshot: *snap}
	// スライスを共有しないようにコピーする
	view.Participants = append([]ParticipantSnapshot(nil), snap.Participants...)
	view.SessionTags = append([]string(nil), snap.SessionTags...)

	view.IsHost = snap.Host.ID == viewerID
	view.MyStatus = snap.ParticipantStatusOf(viewerID)
	view.CanJoin = CanJoin(snap.Session(), viewerID, view.MyStatus)
	if !view.IsHost {
		view.JoinCode = ""
	}
	return view
}

// SessionListItem は一覧・検索・おすすめで返す非正規化された行。
type SessionListItem struct {
	ID                  string
	Title               string
	Description         string
	TopicCategory       string
	TargetLanguage      string
	LanguageLevel       string
	SessionTags         []string
	Host                UserSummary
	MaxParticipants     int
	CurrentParticipants int
	ScheduledAt         time.Time
	SessionDuration     int
	Status              SessionStatus
	IsPublic            bool
	RatingAverage       float64
	RatingCount         int
	CanJoin             bool
}

// NewSessionListItem は一覧行から閲覧者向けの項目を生成する。
// 一覧では参加レコードを参照せず、ホスト・公開・状態・定員のみで判定する。
func NewSessionListItem(row *SessionListRow, viewerID string) SessionListItem {
	tags := row.SessionTags
	if tags == nil {
		tags = []string{}
	}
	return SessionListItem{
		ID:                  row.ID,
		Title:               row.Title,
		Description:         row.Description,
		TopicCategory:       row.TopicCategory,
		TargetLanguage:      row.TargetLanguage,
		LanguageLevel:       row.LanguageLevel,
		SessionTags:         tags,
		Host:                UserSummary{ID: row.HostUserID, Name: row.HostName},
		MaxParticipants:     row.MaxParticipants,
		CurrentParticipants: row.CurrentParticipants,
		ScheduledAt:         row.ScheduledAt,
		SessionDuration:     row.SessionDuration,
		Status:              row.Status,
		IsPublic:            row.IsPublic,
		RatingAverage:       row.RatingAverage,
		RatingCount:         row.RatingCount,
		CanJoin:             CanJoin(&row.GroupSession, viewerID, nil),
	}
}

// Page はページングされた結果と総件数。
type Page[T any] struct {
	Items []T
	Total int
	Page  int
	Size  int
}
